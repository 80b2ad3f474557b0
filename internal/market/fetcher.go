// Package market discovers tradeable binary markets through the Gamma API.
//
// Listings arrive as events with nested markets. Fetcher flattens them into
// types.Market values, tolerating the API's habit of encoding arrays
// (clobTokenIds, outcomePrices) as JSON strings and numbers as quoted
// strings. Crypto markets come from the events endpoint filtered by tag;
// sports markets are walked league by league through the sports metadata
// endpoint. Rows missing token IDs are skipped, never fatal.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/exchange"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// cryptoTagID is the Gamma category tag for crypto markets.
const cryptoTagID = "21"

var errSkipMarket = errors.New("market missing required fields")

// Fetcher retrieves and parses market listings.
type Fetcher struct {
	http         *resty.Client
	limiter      *exchange.Limiter
	minLiquidity float64
	logger       *slog.Logger

	sportsMu   sync.Mutex
	sportsMeta []sportsGroup // fetched once per process
}

// NewFetcher creates a Gamma API client sharing the global rate limiter.
func NewFetcher(cfg *config.Config, limiter *exchange.Limiter, logger *slog.Logger) *Fetcher {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Fetcher{
		http:         client,
		limiter:      limiter,
		minLiquidity: cfg.Trading.MinMarketLiquidity,
		logger:       logger.With("component", "market_fetcher"),
	}
}

// flexString tolerates quoted and bare JSON scalars.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	v := strings.Trim(string(b), `"`)
	if v == "null" {
		v = ""
	}
	*s = flexString(v)
	return nil
}

// flexFloat tolerates numbers quoted as strings, empty strings, and null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// stringList accepts both a JSON array of strings and a string containing an
// encoded JSON array, which is how the listings endpoint ships clobTokenIds
// and outcomePrices.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return err
		}
		if inner == "" {
			*l = nil
			return nil
		}
		var out []string
		if err := json.Unmarshal([]byte(inner), &out); err != nil {
			return fmt.Errorf("parse encoded array %q: %w", inner, err)
		}
		*l = out
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// gammaMarket is the wire shape of one market row.
type gammaMarket struct {
	ID            flexString `json:"id"`
	Question      string     `json:"question"`
	Slug          string     `json:"slug"`
	ConditionID   string     `json:"conditionId"`
	ClobTokenIds  stringList `json:"clobTokenIds"`
	OutcomePrices stringList `json:"outcomePrices"`
	Volume        flexFloat  `json:"volume"`
	Liquidity     flexFloat  `json:"liquidity"`
	EndDate       string     `json:"endDate"`
	Active        bool       `json:"active"`
	Closed        bool       `json:"closed"`
}

// gammaEvent is the wire shape of one event with its nested markets.
type gammaEvent struct {
	ID      flexString    `json:"id"`
	Title   string        `json:"title"`
	Slug    string        `json:"slug"`
	Active  bool          `json:"active"`
	Closed  bool          `json:"closed"`
	Markets []gammaMarket `json:"markets"`
}

// sportsGroup is one entry of the sports metadata endpoint: a sport label
// with the series (league) IDs whose events can be listed.
type sportsGroup struct {
	Label  string `json:"label"`
	Series []struct {
		ID flexString `json:"id"`
	} `json:"series"`
}

// parseMarket converts a wire row into a domain Market. Rows without both
// token IDs are rejected; missing prices default to 0.5 / complement.
func parseMarket(gm gammaMarket, category string) (types.Market, error) {
	if len(gm.ClobTokenIds) < 2 || gm.ClobTokenIds[0] == "" || gm.ClobTokenIds[1] == "" {
		return types.Market{}, fmt.Errorf("%w: clobTokenIds", errSkipMarket)
	}

	priceYes := 0.5
	if len(gm.OutcomePrices) > 0 {
		if v, err := strconv.ParseFloat(gm.OutcomePrices[0], 64); err == nil {
			priceYes = v
		}
	}
	priceNo := 1 - priceYes
	if len(gm.OutcomePrices) > 1 {
		if v, err := strconv.ParseFloat(gm.OutcomePrices[1], 64); err == nil {
			priceNo = v
		}
	}

	var endDate time.Time
	if gm.EndDate != "" {
		endDate, _ = time.Parse(time.RFC3339, gm.EndDate)
	}

	return types.Market{
		ID:          string(gm.ID),
		Question:    gm.Question,
		Slug:        gm.Slug,
		ConditionID: gm.ConditionID,
		TokenYes:    gm.ClobTokenIds[0],
		TokenNo:     gm.ClobTokenIds[1],
		PriceYes:    priceYes,
		PriceNo:     priceNo,
		Volume:      float64(gm.Volume),
		Liquidity:   float64(gm.Liquidity),
		Category:    category,
		EndDate:     endDate,
	}, nil
}

// flatten extracts markets from events, skipping closed events, malformed
// rows, and listings under the liquidity floor.
func (f *Fetcher) flatten(events []gammaEvent, category string) []types.Market {
	var out []types.Market
	for _, ev := range events {
		if ev.Closed {
			continue
		}
		for _, gm := range ev.Markets {
			m, err := parseMarket(gm, category)
			if err != nil {
				f.logger.Debug("skipping market", "slug", gm.Slug, "err", err)
				continue
			}
			if f.minLiquidity > 0 && m.Liquidity < f.minLiquidity {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

func (f *Fetcher) fetchEvents(ctx context.Context, params map[string]string) ([]gammaEvent, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var events []gammaEvent
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch events: status %d", resp.StatusCode())
	}
	return events, nil
}

// CryptoMarkets lists active crypto markets, highest volume first.
func (f *Fetcher) CryptoMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	events, err := f.fetchEvents(ctx, map[string]string{
		"tag_id":    cryptoTagID,
		"limit":     strconv.Itoa(limit),
		"order":     "volume",
		"ascending": "false",
		"active":    "true",
		"closed":    "false",
	})
	if err != nil {
		return nil, err
	}
	return f.flatten(events, "crypto"), nil
}

// sportsMetadata returns the cached league metadata, fetching it on first
// use. The lock is never held across the network call.
func (f *Fetcher) sportsMetadata(ctx context.Context) ([]sportsGroup, error) {
	f.sportsMu.Lock()
	cached := f.sportsMeta
	f.sportsMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var meta []sportsGroup
	resp, err := f.http.R().
		SetContext(ctx).
		SetResult(&meta).
		Get("/sports")
	if err != nil {
		return nil, fmt.Errorf("fetch sports metadata: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch sports metadata: status %d", resp.StatusCode())
	}

	f.sportsMu.Lock()
	f.sportsMeta = meta
	f.sportsMu.Unlock()
	return meta, nil
}

// SportsMarkets lists active sports markets across every league, soonest
// start first. A non-empty league narrows to labels containing it. Failures
// on individual leagues are logged and skipped.
func (f *Fetcher) SportsMarkets(ctx context.Context, league string, limit int) ([]types.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	meta, err := f.sportsMetadata(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Market
	for _, sport := range meta {
		if league != "" && !strings.Contains(strings.ToLower(sport.Label), strings.ToLower(league)) {
			continue
		}
		for _, series := range sport.Series {
			if series.ID == "" {
				continue
			}
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			events, err := f.fetchEvents(ctx, map[string]string{
				"series_id": string(series.ID),
				"limit":     strconv.Itoa(limit),
				"order":     "startTime",
				"ascending": "true",
				"active":    "true",
				"closed":    "false",
			})
			if err != nil {
				f.logger.Warn("series fetch failed", "sport", sport.Label, "series", series.ID, "err", err)
				continue
			}
			out = append(out, f.flatten(events, "sports:"+sport.Label)...)
		}
	}
	return out, nil
}

// TargetMarkets lists markets across the configured categories. Per-category
// failures are logged and skipped; an error is returned only when every
// category failed.
func (f *Fetcher) TargetMarkets(ctx context.Context, categories []string, limit int) ([]types.Market, error) {
	var (
		out     []types.Market
		lastErr error
		fetched int
	)
	for _, cat := range categories {
		var (
			markets []types.Market
			err     error
		)
		switch strings.ToLower(cat) {
		case "crypto":
			markets, err = f.CryptoMarkets(ctx, limit)
		case "sports":
			markets, err = f.SportsMarkets(ctx, "", limit)
		default:
			f.logger.Warn("unknown market category, skipping", "category", cat)
			continue
		}
		if err != nil {
			f.logger.Warn("category fetch failed", "category", cat, "err", err)
			lastErr = err
			continue
		}
		fetched++
		out = append(out, markets...)
		f.logger.Info("markets fetched", "category", cat, "count", len(markets))
	}
	if fetched == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// MarketBySlug fetches one market by its URL slug. Returns (nil, nil) when
// the listing does not exist.
func (f *Fetcher) MarketBySlug(ctx context.Context, slug string) (*types.Market, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var gm gammaMarket
	resp, err := f.http.R().
		SetContext(ctx).
		SetResult(&gm).
		Get("/markets/" + slug)
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch market %s: status %d", slug, resp.StatusCode())
	}

	m, err := parseMarket(gm, "unknown")
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// searchHit is one typed row of the search endpoint; only market hits are
// converted.
type searchHit struct {
	Type string `json:"type"`
	gammaMarket
}

// Search finds markets matching a free-text query.
func (f *Fetcher) Search(ctx context.Context, query string, limit int) ([]types.Market, error) {
	if limit <= 0 {
		limit = 20
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var hits []searchHit
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":     query,
			"limit": strconv.Itoa(limit),
		}).
		SetResult(&hits).
		Get("/search")
	if err != nil {
		return nil, fmt.Errorf("search markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("search markets: status %d", resp.StatusCode())
	}

	var out []types.Market
	for _, hit := range hits {
		if hit.Type != "market" {
			continue
		}
		m, err := parseMarket(hit.gammaMarket, "search")
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
