// Package tracker bridges the gap between "order acknowledged" and
// "position in portfolio".
//
// Posting an order only means it is live on the book. The tracker polls
// per-order state, detects partial and full fills, computes volume-weighted
// fill prices, and fires callbacks; positions are mutated exclusively from
// those callbacks, in the exact amounts the exchange has confirmed.
//
// Tracked state is mirrored to the store after every transition, and the
// constructor reloads non-terminal orders, so fills that land while the
// process is down are picked up on the next poll. filled_size is
// monotonically non-decreasing; a decrease reported by the exchange is a
// contract violation and aborts the process.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultStaleAfter   = 30 * time.Minute

	// fillEpsilon separates real fill increments from float noise.
	fillEpsilon = 0.001
)

// OrderAPI is the slice of the exchange client the tracker needs.
type OrderAPI interface {
	HasAuth() bool
	GetOrder(ctx context.Context, orderID string) (*types.OrderState, error)
	Cancel(ctx context.Context, orderID string) error
}

// FillFunc receives each confirmed fill increment exactly once per observed
// increase of filled_size. Handlers must be idempotent under redelivery
// after a crash (the portfolio's averaging-in satisfies this).
type FillFunc func(ctx context.Context, order types.TrackedOrder, newFill, fillPrice float64)

// CancelFunc receives orders that reached CANCELLED or EXPIRED. Any partial
// fill already delivered stays recorded.
type CancelFunc func(ctx context.Context, order types.TrackedOrder)

// Tracker polls tracked orders on a single worker goroutine and owns all
// fill and cancel callback delivery.
type Tracker struct {
	client OrderAPI
	store  *store.Store
	logger *slog.Logger

	pollInterval time.Duration
	staleAfter   time.Duration

	onFill   FillFunc
	onCancel CancelFunc

	// exit aborts the process on fill-accounting contract violations.
	exit func(code int)

	mu     sync.Mutex
	orders map[string]*types.TrackedOrder
}

// New builds a tracker and recovers non-terminal orders from the store.
func New(ctx context.Context, client OrderAPI, st *store.Store, cfg *config.Config, logger *slog.Logger) (*Tracker, error) {
	t := &Tracker{
		client:       client,
		store:        st,
		logger:       logger.With("component", "order_tracker"),
		pollInterval: cfg.Tracker.PollInterval,
		staleAfter:   time.Duration(cfg.Tracker.OrderTTLSeconds) * time.Second,
		exit:         os.Exit,
		orders:       make(map[string]*types.TrackedOrder),
	}
	if t.pollInterval <= 0 {
		t.pollInterval = defaultPollInterval
	}
	if t.staleAfter <= 0 {
		t.staleAfter = defaultStaleAfter
	}

	pending, err := st.PendingOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover pending orders: %w", err)
	}
	for i := range pending {
		o := pending[i]
		o.StaleAfter = t.staleAfter
		t.orders[o.OrderID] = &o
	}
	if len(pending) > 0 {
		t.logger.Info("recovered pending orders", "count", len(pending))
	}
	return t, nil
}

// OnFill registers the confirmed-fill handler. Set before Run.
func (t *Tracker) OnFill(fn FillFunc) { t.onFill = fn }

// OnCancel registers the cancellation handler. Set before Run.
func (t *Tracker) OnCancel(fn CancelFunc) { t.onCancel = fn }

// Track registers a freshly acknowledged order and persists it as LIVE.
// Call it right after a successful post, never add_position directly.
func (t *Tracker) Track(ctx context.Context, o types.TrackedOrder) error {
	now := time.Now().UTC()
	o.Status = types.StatusLive
	o.FilledSize = 0
	o.AvgFillPrice = 0
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.LastChecked = now
	o.StaleAfter = t.staleAfter

	if err := t.store.UpsertPendingOrder(ctx, o); err != nil {
		return fmt.Errorf("persist tracked order: %w", err)
	}

	t.mu.Lock()
	t.orders[o.OrderID] = &o
	t.mu.Unlock()

	t.logger.Info("tracking order",
		"order_id", o.OrderID, "token", o.TokenID,
		"order_side", o.OrderSide, "side", o.Side,
		"size", o.Size, "limit", o.LimitPrice, "strategy", o.Strategy)
	return nil
}

// Run polls until the context is cancelled. Single worker; every callback
// is delivered from this goroutine, so fills within one order arrive in
// filled_size order.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	t.logger.Info("order tracker started", "interval", t.pollInterval, "stale_after", t.staleAfter)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("order tracker stopped")
			return
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce runs one pass over every non-terminal tracked order.
func (t *Tracker) PollOnce(ctx context.Context) {
	ids := t.activeIDs()
	if len(ids) == 0 || !t.client.HasAuth() {
		return
	}
	for _, orderID := range ids {
		if ctx.Err() != nil {
			return
		}
		t.pollOrder(ctx, orderID)
	}
}

func (t *Tracker) activeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.orders))
	for id, o := range t.orders {
		if !o.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) pollOrder(ctx context.Context, orderID string) {
	t.mu.Lock()
	cur, ok := t.orders[orderID]
	if !ok || cur.Terminal() {
		t.mu.Unlock()
		return
	}
	snapshot := *cur
	t.mu.Unlock()

	now := time.Now().UTC()
	if snapshot.Stale(now) {
		t.cancelStale(ctx, orderID)
		return
	}

	state, err := t.client.GetOrder(ctx, orderID)
	if err != nil || state == nil {
		// Transient: leave state untouched, retry next cycle.
		t.logger.Warn("order status unavailable", "order_id", orderID, "err", err)
		return
	}

	sizeMatched := state.SizeMatched
	var tradeSize, tradeNotional float64
	for _, tr := range state.Trades {
		tradeSize += tr.Size
		tradeNotional += tr.Size * tr.Price
	}
	if tradeSize > sizeMatched {
		sizeMatched = tradeSize
	}

	newFill := sizeMatched - snapshot.FilledSize
	if newFill < -fillEpsilon {
		t.logger.Error("filled size regressed, aborting",
			"order_id", orderID, "was", snapshot.FilledSize, "now", sizeMatched)
		t.exit(1)
		return
	}

	// Price of this increment: the trade-notional delta when trades are
	// reported, else the exchange's echoed price, else our limit.
	prevNotional := snapshot.FilledSize * snapshot.AvgFillPrice
	fillPrice := snapshot.LimitPrice
	switch {
	case tradeSize > 0 && newFill > fillEpsilon && tradeNotional-prevNotional > 0:
		fillPrice = (tradeNotional - prevNotional) / newFill
	case tradeSize > 0:
		fillPrice = tradeNotional / tradeSize
	case state.Price > 0:
		fillPrice = state.Price
	}

	t.mu.Lock()
	o, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return
	}
	hasFill := newFill > fillEpsilon
	if hasFill {
		if o.FilledSize > 0 && o.AvgFillPrice > 0 {
			o.AvgFillPrice = (o.FilledSize*o.AvgFillPrice + newFill*fillPrice) / sizeMatched
		} else {
			o.AvgFillPrice = fillPrice
		}
		o.FilledSize = sizeMatched
	}

	switch {
	case state.Status == types.StatusMatched || o.FullyFilled():
		o.Status = types.StatusMatched
	case state.Status == types.StatusCancelled:
		o.Status = types.StatusCancelled
	case state.Status == types.StatusExpired:
		o.Status = types.StatusExpired
	case o.FilledSize > fillEpsilon:
		o.Status = types.StatusPartiallyFilled
	default:
		o.Status = types.StatusLive
	}
	o.LastChecked = now
	updated := *o
	t.mu.Unlock()

	if hasFill {
		t.logger.Info("fill confirmed",
			"order_id", orderID, "new_fill", newFill, "price", fillPrice,
			"filled", updated.FilledSize, "size", updated.Size, "status", updated.Status)
		if t.onFill != nil {
			t.onFill(ctx, updated, newFill, fillPrice)
		}
	}

	switch updated.Status {
	case types.StatusMatched:
		t.logger.Info("order fully filled",
			"order_id", orderID, "avg_fill", updated.AvgFillPrice, "size", updated.FilledSize)
	case types.StatusCancelled, types.StatusExpired:
		if updated.FilledSize > fillEpsilon {
			t.logger.Warn("order cancelled with partial fill",
				"order_id", orderID, "filled", updated.FilledSize, "size", updated.Size)
		} else {
			t.logger.Warn("order cancelled unfilled", "order_id", orderID)
		}
		if t.onCancel != nil {
			t.onCancel(ctx, updated)
		}
	}

	if err := t.store.UpdatePendingOrder(ctx, orderID, updated.Status, updated.FilledSize, updated.AvgFillPrice); err != nil {
		t.logger.Error("persist fill progress failed", "order_id", orderID, "err", err)
	}
}

// cancelStale handles an order that has sat live past its horizon: cancel
// on the exchange, mark CANCELLED (or EXPIRED when the cancel is refused),
// fire on_cancel, persist. The order leaves the poll set, so this path runs
// at most once per order.
func (t *Tracker) cancelStale(ctx context.Context, orderID string) {
	status := types.StatusCancelled
	if err := t.client.Cancel(ctx, orderID); err != nil {
		status = types.StatusExpired
		t.logger.Warn("stale order cancel refused", "order_id", orderID, "err", err)
	}

	t.mu.Lock()
	o, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return
	}
	o.Status = status
	o.LastChecked = time.Now().UTC()
	updated := *o
	t.mu.Unlock()

	t.logger.Info("stale order closed out",
		"order_id", orderID, "status", status,
		"age", time.Since(updated.CreatedAt).Round(time.Second),
		"filled", updated.FilledSize)

	if t.onCancel != nil {
		t.onCancel(ctx, updated)
	}
	if err := t.store.UpdatePendingOrder(ctx, orderID, status, updated.FilledSize, updated.AvgFillPrice); err != nil {
		t.logger.Error("persist stale cancel failed", "order_id", orderID, "err", err)
	}
}

// TrackedOrders returns a snapshot of every tracked order, terminal
// included, oldest first.
func (t *Tracker) TrackedOrders() []types.TrackedOrder {
	t.mu.Lock()
	out := make([]types.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Order returns one tracked order by ID.
func (t *Tracker) Order(orderID string) (types.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	if !ok {
		return types.TrackedOrder{}, false
	}
	return *o, true
}

// PendingCount counts orders still being polled.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, o := range t.orders {
		if !o.Terminal() {
			n++
		}
	}
	return n
}

// CancelTracking stops local bookkeeping for an order. It does not cancel
// anything on the exchange and fires no callbacks.
func (t *Tracker) CancelTracking(ctx context.Context, orderID string) {
	t.mu.Lock()
	o, ok := t.orders[orderID]
	var filled, avgFill float64
	if ok {
		o.Status = types.StatusCancelled
		filled, avgFill = o.FilledSize, o.AvgFillPrice
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := t.store.UpdatePendingOrder(ctx, orderID, types.StatusCancelled, filled, avgFill); err != nil {
		t.logger.Error("persist cancel tracking failed", "order_id", orderID, "err", err)
	}
}
