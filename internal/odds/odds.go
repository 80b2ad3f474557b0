// Package odds fetches bookmaker h2h odds from the-odds-api and reduces them
// to consensus probabilities per event.
//
// Per-bookmaker implied probabilities (1/decimal_odds) are averaged per team
// and then normalized across the two teams so they sum to 1, which strips the
// bookmaker overround. Responses are cached per sport for a short TTL and the
// provider is polled with a small delay between sport keys. A 401 disables
// the client for the rest of the process; all other failures fall back to
// stale cache when one exists.
package odds

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/exchange"
)

const (
	cacheTTL       = 5 * time.Minute
	interSportWait = 300 * time.Millisecond
)

// Outcome is one side of a bookmaker's h2h market, priced in decimal odds.
type Outcome struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type bookMarket struct {
	Key      string    `json:"key"`
	Outcomes []Outcome `json:"outcomes"`
}

// Bookmaker carries one book's markets for an event.
type Bookmaker struct {
	Title   string       `json:"title"`
	Markets []bookMarket `json:"markets"`
}

// Event is one upcoming match as the provider reports it.
type Event struct {
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	CommenceTime string      `json:"commence_time"`
	Bookmakers   []Bookmaker `json:"bookmakers"`
}

// Consensus is the bookmaker-average view of one event. Probabilities are
// normalized to sum to 1 across the two teams.
type Consensus struct {
	Teams         [2]string
	Sport         string
	CommenceTime  string
	Probabilities map[string]float64
	Books         int
	Source        string
}

type cacheEntry struct {
	fetched time.Time
	events  []Event
}

// Client talks to the odds provider. Missing API key means every call
// returns empty without touching the network.
type Client struct {
	http      *resty.Client
	limiter   *exchange.Limiter
	logger    *slog.Logger
	sportKeys []string
	ttl       time.Duration
	delay     time.Duration

	mu       sync.Mutex
	apiKey   string
	disabled bool // latched on 401 for the process lifetime
	cache    map[string]cacheEntry
}

// NewClient builds the odds client from configuration.
func NewClient(cfg *config.Config, limiter *exchange.Limiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Odds.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		http:      httpClient,
		limiter:   limiter,
		logger:    logger.With("component", "odds"),
		sportKeys: cfg.Odds.SportKeys,
		ttl:       cacheTTL,
		delay:     interSportWait,
		apiKey:    cfg.Odds.APIKey,
		cache:     make(map[string]cacheEntry),
	}
}

// Available reports whether odds can be fetched: a key is configured and has
// not been rejected.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey != "" && !c.disabled
}

func (c *Client) disable() {
	c.mu.Lock()
	c.apiKey = ""
	c.disabled = true
	c.mu.Unlock()
	c.logger.Error("odds API key rejected (401), disabling sports odds for this run")
}

func (c *Client) staleCache(sportKey string) ([]Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[sportKey]
	return entry.events, ok
}

// eventOdds returns odds for one sport, serving from cache inside the TTL.
// The cached flag is true when no network call was made.
func (c *Client) eventOdds(ctx context.Context, sportKey string) (events []Event, cached bool, err error) {
	c.mu.Lock()
	if c.disabled || c.apiKey == "" {
		c.mu.Unlock()
		return nil, true, nil
	}
	if entry, ok := c.cache[sportKey]; ok && time.Since(entry.fetched) < c.ttl {
		c.mu.Unlock()
		return entry.events, true, nil
	}
	apiKey := c.apiKey
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"apiKey":     apiKey,
			"regions":    "us,eu",
			"markets":    "h2h",
			"oddsFormat": "decimal",
		}).
		SetResult(&events).
		Get("/v4/sports/" + sportKey + "/odds")
	if err != nil {
		if stale, ok := c.staleCache(sportKey); ok {
			return stale, true, nil
		}
		return nil, false, fmt.Errorf("fetch odds %s: %w", sportKey, err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		c.disable()
		return nil, false, nil
	case resp.StatusCode() != http.StatusOK:
		if stale, ok := c.staleCache(sportKey); ok {
			return stale, true, nil
		}
		return nil, false, fmt.Errorf("fetch odds %s: status %d", sportKey, resp.StatusCode())
	}

	c.mu.Lock()
	c.cache[sportKey] = cacheEntry{fetched: time.Now(), events: events}
	c.mu.Unlock()
	return events, false, nil
}

// consensusFor averages implied probabilities per team across bookmakers and
// normalizes them to sum to 1. Returns the number of books that contributed.
func consensusFor(ev Event) (map[string]float64, int) {
	totals := make(map[string][]float64, 2)
	for _, team := range []string{ev.HomeTeam, ev.AwayTeam} {
		if team != "" {
			totals[team] = nil
		}
	}
	if len(totals) == 0 {
		return nil, 0
	}

	books := 0
	for _, bm := range ev.Bookmakers {
		contributed := false
		for _, mkt := range bm.Markets {
			if mkt.Key != "h2h" {
				continue
			}
			for _, out := range mkt.Outcomes {
				if out.Price <= 1.0 {
					continue
				}
				if _, ok := totals[out.Name]; !ok {
					continue
				}
				totals[out.Name] = append(totals[out.Name], 1.0/out.Price)
				contributed = true
			}
		}
		if contributed {
			books++
		}
	}

	avg := make(map[string]float64, len(totals))
	for team, probs := range totals {
		if len(probs) == 0 {
			continue
		}
		sum := 0.0
		for _, p := range probs {
			sum += p
		}
		avg[team] = sum / float64(len(probs))
	}
	if len(avg) == 0 {
		return nil, 0
	}

	total := 0.0
	for _, p := range avg {
		total += p
	}
	if total > 0 {
		for team, p := range avg {
			avg[team] = p / total
		}
	}
	return avg, books
}

// AllConsensus fetches every configured sport and flattens the events into
// consensus records. Failures on individual sports are logged and skipped;
// without a usable key the result is empty.
func (c *Client) AllConsensus(ctx context.Context) []Consensus {
	if !c.Available() {
		return nil
	}

	var out []Consensus
	for i, sportKey := range c.sportKeys {
		if ctx.Err() != nil {
			return out
		}
		events, cached, err := c.eventOdds(ctx, sportKey)
		if err != nil {
			c.logger.Warn("odds fetch failed", "sport", sportKey, "err", err)
			continue
		}

		for _, ev := range events {
			probs, books := consensusFor(ev)
			if len(probs) == 0 {
				continue
			}
			out = append(out, Consensus{
				Teams:         [2]string{ev.HomeTeam, ev.AwayTeam},
				Sport:         sportKey,
				CommenceTime:  ev.CommenceTime,
				Probabilities: probs,
				Books:         books,
				Source:        fmt.Sprintf("consensus (%d books)", books),
			})
		}

		// Politeness gap between live calls only.
		if !cached && i < len(c.sportKeys)-1 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(c.delay):
			}
		}
	}
	return out
}
