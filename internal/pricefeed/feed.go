// Package pricefeed watches prices for a chosen set of tokens: it polls
// midpoint and orderbook on an interval (or consumes pushed books over
// the market WebSocket), keeps a bounded in-memory history per token,
// persists each polled observation as a price snapshot, and fires
// one-shot alerts. It backs the `track` CLI mode; the snapshots it
// writes are the history the momentum and mean-reversion strategies
// read on later scans.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/exchange"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	defaultPollInterval = time.Minute
	maxHistoryPoints    = 1000
	changeWindow        = time.Hour
)

// Gateway serves the price reads the feed needs. Satisfied by
// *exchange.Client.
type Gateway interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error)
}

// Recorder persists price observations. Satisfied by *store.Store.
type Recorder interface {
	AppendSnapshot(ctx context.Context, snap types.PriceSnapshot) error
}

// BookStream is the slice of the market WebSocket the feed consumes.
// Satisfied by *exchange.MarketFeed.
type BookStream interface {
	Run(ctx context.Context) error
	Subscribe(ids []string) error
	BookEvents() <-chan exchange.WSBookEvent
}

// AlertCondition selects how an alert threshold is compared.
type AlertCondition string

const (
	AlertAbove  AlertCondition = "above"  // fires when price >= threshold
	AlertBelow  AlertCondition = "below"  // fires when price <= threshold
	AlertChange AlertCondition = "change" // fires when |Δprice|/old >= threshold
)

// AlertFunc receives the market question (or token ID when untitled)
// and the price that tripped the alert.
type AlertFunc func(question string, price float64)

type alert struct {
	id        string
	tokenID   string
	condition AlertCondition
	threshold float64
	triggered bool
	fn        AlertFunc
}

// History is the bounded in-memory price series for one token.
type History struct {
	TokenID  string
	Question string
	Points   []types.PriceSnapshot
}

// CurrentPrice returns the newest YES price.
func (h History) CurrentPrice() (float64, bool) {
	if len(h.Points) == 0 {
		return 0, false
	}
	return h.Points[len(h.Points)-1].PriceYes, true
}

// Change1h compares the newest point against the most recent point at
// least an hour older than now. ok is false with fewer than two points
// or when nothing that old is retained.
func (h History) Change1h(now time.Time) (change, pct float64, ok bool) {
	if len(h.Points) < 2 {
		return 0, 0, false
	}
	current := h.Points[len(h.Points)-1].PriceYes
	cutoff := now.Add(-changeWindow)
	for i := len(h.Points) - 2; i >= 0; i-- {
		p := h.Points[i]
		if p.Timestamp.After(cutoff) {
			continue
		}
		if p.PriceYes <= 0 {
			return 0, 0, false
		}
		change = current - p.PriceYes
		return change, change / p.PriceYes * 100, true
	}
	return 0, 0, false
}

// TokenStatus is one row of the feed's status view.
type TokenStatus struct {
	TokenID     string
	Question    string
	Price       float64
	HasPrice    bool
	ChangePct1h float64
	HasChange   bool
}

// Feed tracks prices for a set of tokens. All exported methods are safe
// for concurrent use; no lock is held across a network call.
type Feed struct {
	gateway  Gateway
	recorder Recorder
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	tracked map[string]*History
	alerts  []*alert
}

// New creates a feed polling at cfg.Feed.PollInterval.
func New(gateway Gateway, recorder Recorder, cfg *config.Config, logger *slog.Logger) *Feed {
	interval := cfg.Feed.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Feed{
		gateway:  gateway,
		recorder: recorder,
		logger:   logger.With("component", "pricefeed"),
		interval: interval,
		tracked:  make(map[string]*History),
	}
}

// Track adds a token to the watch set. Idempotent.
func (f *Feed) Track(tokenID, question string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tracked[tokenID]; ok {
		return
	}
	f.tracked[tokenID] = &History{TokenID: tokenID, Question: question}
	f.logger.Info("tracking", "token", tokenID, "question", question)
}

// TrackMarkets adds the YES token of each market.
func (f *Feed) TrackMarkets(markets []types.Market) {
	for _, m := range markets {
		f.Track(m.TokenYes, m.Question)
	}
}

// Untrack drops a token and its in-memory history. Persisted snapshots
// are unaffected.
func (f *Feed) Untrack(tokenID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tracked, tokenID)
}

// Tracked returns the watched token IDs, sorted.
func (f *Feed) Tracked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.tracked))
	for id := range f.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddAlert registers a one-shot alert on a token and returns its ID.
// For AlertChange the threshold is a fraction of the previous price
// (0.10 = 10%); for the others it is an absolute price.
func (f *Feed) AddAlert(tokenID string, condition AlertCondition, threshold float64, fn AlertFunc) string {
	a := &alert{
		id:        uuid.NewString(),
		tokenID:   tokenID,
		condition: condition,
		threshold: threshold,
		fn:        fn,
	}
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
	return a.id
}

// History returns a copy of a token's in-memory series.
func (f *Feed) History(tokenID string) (History, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.tracked[tokenID]
	if !ok {
		return History{}, false
	}
	return History{
		TokenID:  h.TokenID,
		Question: h.Question,
		Points:   append([]types.PriceSnapshot(nil), h.Points...),
	}, true
}

// Statuses returns the latest price and 1h change per tracked token.
func (f *Feed) Statuses() []TokenStatus {
	now := time.Now().UTC()
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.tracked))
	for id := range f.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]TokenStatus, 0, len(ids))
	for _, id := range ids {
		h := f.tracked[id]
		st := TokenStatus{TokenID: id, Question: h.Question}
		if price, ok := h.CurrentPrice(); ok {
			st.Price, st.HasPrice = price, true
		}
		if _, pct, ok := h.Change1h(now); ok {
			st.ChangePct1h, st.HasChange = pct, true
		}
		out = append(out, st)
	}
	return out
}

// UpdateOnce runs one polling sweep over every tracked token. A failed
// fetch skips that token, never the sweep.
func (f *Feed) UpdateOnce(ctx context.Context) {
	for _, tokenID := range f.Tracked() {
		if ctx.Err() != nil {
			return
		}
		snap, ok := f.fetchPrice(ctx, tokenID)
		if !ok {
			continue
		}
		f.record(snap)
	}
}

// Run polls until ctx is cancelled, logging a status line per sweep.
func (f *Feed) Run(ctx context.Context) {
	f.logger.Info("price tracker started", "interval", f.interval, "tokens", len(f.Tracked()))
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.UpdateOnce(ctx)
		f.logStatus()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunWebSocket consumes pushed book snapshots instead of polling.
// Midpoints derive from the book; history and alerts behave exactly
// like polling mode. WS observations stay in memory only: book events
// arrive far too often to append every one to the snapshot table.
func (f *Feed) RunWebSocket(ctx context.Context, stream BookStream) error {
	ids := f.Tracked()
	// Records the subscription set; the feed re-sends it on connect, so
	// a "not connected" error here is fine.
	if err := stream.Subscribe(ids); err != nil {
		f.logger.Debug("subscription queued", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	f.logger.Info("price tracker started", "mode", "websocket", "tokens", len(ids))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case ev := <-stream.BookEvents():
			f.handleBook(ev.Book())
		}
	}
}

// fetchPrice reads midpoint and book for one token and persists the
// snapshot. The midpoint is required; a missing book only costs the
// bid/ask enrichment.
func (f *Feed) fetchPrice(ctx context.Context, tokenID string) (types.PriceSnapshot, bool) {
	mid, err := f.gateway.GetMidpoint(ctx, tokenID)
	if err != nil || mid <= 0 {
		f.logger.Warn("midpoint unavailable", "token", tokenID, "error", err)
		return types.PriceSnapshot{}, false
	}

	snap := types.PriceSnapshot{
		TokenID:   tokenID,
		Timestamp: time.Now().UTC(),
		PriceYes:  mid,
		PriceNo:   1 - mid,
	}
	if book, err := f.gateway.GetOrderBook(ctx, tokenID); err == nil {
		if bid, ok := book.BestBid(); ok {
			snap.BestBid = bid.Price
		}
		if ask, ok := book.BestAsk(); ok {
			snap.BestAsk = ask.Price
		}
	}

	if err := f.recorder.AppendSnapshot(ctx, snap); err != nil {
		f.logger.Warn("snapshot persist failed", "token", tokenID, "error", err)
	}
	return snap, true
}

func (f *Feed) handleBook(book *types.OrderBook) {
	f.mu.Lock()
	_, ok := f.tracked[book.TokenID]
	f.mu.Unlock()
	if !ok {
		return
	}
	mid, ok := book.Midpoint()
	if !ok {
		return
	}

	snap := types.PriceSnapshot{
		TokenID:   book.TokenID,
		Timestamp: time.Now().UTC(),
		PriceYes:  mid,
		PriceNo:   1 - mid,
	}
	if bid, ok := book.BestBid(); ok {
		snap.BestBid = bid.Price
	}
	if ask, ok := book.BestAsk(); ok {
		snap.BestAsk = ask.Price
	}
	f.record(snap)
}

// record appends a snapshot to its token's history, trims to the cap,
// and fires any matching alerts. Callbacks run outside the lock.
func (f *Feed) record(snap types.PriceSnapshot) {
	f.mu.Lock()
	h, ok := f.tracked[snap.TokenID]
	if !ok {
		f.mu.Unlock()
		return
	}

	oldPrice, hasOld := 0.0, false
	if n := len(h.Points); n > 0 {
		oldPrice, hasOld = h.Points[n-1].PriceYes, true
	}
	h.Points = append(h.Points, snap)
	if len(h.Points) > maxHistoryPoints {
		h.Points = h.Points[len(h.Points)-maxHistoryPoints:]
	}

	question := h.Question
	if question == "" {
		question = h.TokenID
	}
	fired := f.matchAlerts(snap.TokenID, snap.PriceYes, oldPrice, hasOld)
	f.mu.Unlock()

	for _, a := range fired {
		f.logger.Warn("price alert",
			"question", question,
			"condition", a.condition,
			"threshold", a.threshold,
			"price", snap.PriceYes,
		)
		if a.fn != nil {
			a.fn(question, snap.PriceYes)
		}
	}
}

// matchAlerts marks and returns the alerts tripped by a new price.
// Caller holds f.mu. Alerts are one-shot: triggered latches.
func (f *Feed) matchAlerts(tokenID string, price, oldPrice float64, hasOld bool) []*alert {
	var fired []*alert
	for _, a := range f.alerts {
		if a.tokenID != tokenID || a.triggered {
			continue
		}
		hit := false
		switch a.condition {
		case AlertAbove:
			hit = price >= a.threshold
		case AlertBelow:
			hit = price <= a.threshold
		case AlertChange:
			hit = hasOld && oldPrice > 0 && math.Abs(price-oldPrice)/oldPrice >= a.threshold
		}
		if hit {
			a.triggered = true
			fired = append(fired, a)
		}
	}
	return fired
}

func (f *Feed) logStatus() {
	for _, st := range f.Statuses() {
		if !st.HasPrice {
			continue
		}
		if st.HasChange {
			f.logger.Info("price", "question", st.Question, "yes", st.Price, "change_1h_pct", st.ChangePct1h)
		} else {
			f.logger.Info("price", "question", st.Question, "yes", st.Price)
		}
	}
}

type exportEntry struct {
	Question string                `json:"question"`
	Prices   []types.PriceSnapshot `json:"prices"`
}

// Export writes every tracked token's in-memory history to a JSON file.
func (f *Feed) Export(path string) error {
	f.mu.Lock()
	out := make(map[string]exportEntry, len(f.tracked))
	for id, h := range f.tracked {
		out[id] = exportEntry{
			Question: h.Question,
			Prices:   append([]types.PriceSnapshot(nil), h.Points...),
		}
	}
	f.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	f.logger.Info("history exported", "path", path, "tokens", len(out))
	return nil
}
