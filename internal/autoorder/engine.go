// Package autoorder runs automated exits: take-profit, stop-loss, trailing
// stops, and OCO pairs, evaluated against streaming midpoints.
//
// The engine owns two maps: auto orders keyed by ID, and an exit-rule view
// of positions keyed by token. Orders are persisted on every transition and
// ACTIVE ones are reloaded on construction. Entries placed through Buy and
// BuyWithTPSL never create positions directly; the order tracker's fill
// callbacks do, and the same callbacks keep the exit-rule position view
// current.
//
// The monitor loop is the only mutator of order state. It fetches each
// distinct token's midpoint once per tick and never holds the engine lock
// across a gateway call.
package autoorder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/exchange"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const defaultMonitorInterval = 10 * time.Second

// Exit prices stay inside the exchange's valid tick range.
const (
	maxExitTrigger = 0.99
	minExitTrigger = 0.01
)

// Gateway is the slice of the exchange client the engine needs.
type Gateway interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	PostOrder(ctx context.Context, args exchange.OrderArgs) (*types.OrderResult, error)
	MarketSell(ctx context.Context, tokenID string, size float64) (*types.OrderResult, float64, error)
}

// OrderRegistry receives every acknowledged order for fill polling.
type OrderRegistry interface {
	Track(ctx context.Context, o types.TrackedOrder) error
}

// Position is the engine's exit-rule view of a held token, maintained from
// confirmed fills.
type Position struct {
	TokenID    string
	Question   string
	Side       types.Side
	Size       float64
	EntryPrice float64
}

// EntryArgs describes a BUY to submit.
type EntryArgs struct {
	TokenID  string
	Question string
	Side     types.Side
	Size     float64
	Price    float64
	Strategy string
}

// ExitPlan describes the triggers to attach to an entry. Zero means "none".
type ExitPlan struct {
	TakeProfit  float64
	StopLoss    float64
	TrailingPct float64 // 0.10 = 10% below the high-water mark
}

// EntryResult reports the submitted BUY and any registered exit orders.
type EntryResult struct {
	Buy          *types.OrderResult
	TakeProfitID string
	StopLossID   string
	TrailingID   string
}

// Engine manages automated orders and their trigger evaluation.
type Engine struct {
	gateway Gateway
	tracker OrderRegistry
	store   *store.Store
	logger  *slog.Logger

	interval time.Duration

	onTriggered func(types.AutoOrder)
	onExecuted  func(types.AutoOrder)
	onFailed    func(types.AutoOrder, error)

	mu        sync.Mutex
	orders    map[string]*types.AutoOrder
	positions map[string]*Position
	counter   int
}

// New builds the engine and reloads non-terminal auto orders from the store.
func New(ctx context.Context, gateway Gateway, tracker OrderRegistry, st *store.Store, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		gateway:   gateway,
		tracker:   tracker,
		store:     st,
		logger:    logger.With("component", "auto_orders"),
		interval:  cfg.Monitor.Interval,
		orders:    make(map[string]*types.AutoOrder),
		positions: make(map[string]*Position),
	}
	if e.interval <= 0 {
		e.interval = defaultMonitorInterval
	}

	active, err := st.ActiveAutoOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover auto orders: %w", err)
	}
	for i := range active {
		o := active[i]
		e.orders[o.ID] = &o
	}
	if len(active) > 0 {
		e.logger.Info("recovered auto orders", "count", len(active))
	}
	return e, nil
}

// OnTriggered registers the trigger callback. Set before Run.
func (e *Engine) OnTriggered(fn func(types.AutoOrder)) { e.onTriggered = fn }

// OnExecuted registers the execution callback. Set before Run.
func (e *Engine) OnExecuted(fn func(types.AutoOrder)) { e.onExecuted = fn }

// OnFailed registers the failure callback. Set before Run.
func (e *Engine) OnFailed(fn func(types.AutoOrder, error)) { e.onFailed = fn }

func (e *Engine) nextID() string {
	e.mu.Lock()
	e.counter++
	n := e.counter
	e.mu.Unlock()
	return fmt.Sprintf("AUTO_%s_%d", time.Now().UTC().Format("20060102150405"), n)
}

// Buy submits a limit BUY and registers it for fill tracking. No position
// is created here; the fill callback does that.
func (e *Engine) Buy(ctx context.Context, args EntryArgs) (*types.OrderResult, error) {
	result, err := e.gateway.PostOrder(ctx, exchange.OrderArgs{
		TokenID: args.TokenID,
		Side:    types.BUY,
		Price:   args.Price,
		Size:    args.Size,
	})
	if err != nil {
		return nil, err
	}
	if result.Success && result.OrderID != "" {
		if err := e.tracker.Track(ctx, types.TrackedOrder{
			OrderID:    result.OrderID,
			TokenID:    args.TokenID,
			Question:   args.Question,
			Side:       args.Side,
			OrderSide:  types.BUY,
			Size:       args.Size,
			LimitPrice: args.Price,
			Strategy:   args.Strategy,
		}); err != nil {
			return result, fmt.Errorf("track buy: %w", err)
		}
		e.logger.Info("buy placed, awaiting fill",
			"order_id", result.OrderID, "token", args.TokenID,
			"size", args.Size, "price", args.Price, "strategy", args.Strategy)
	}
	return result, nil
}

// BuyWithTPSL submits the BUY and, when it is accepted, registers the
// requested exits as ACTIVE auto orders. A take-profit and stop-loss on the
// same entry are linked OCO. Triggers are clamped into the valid price
// range.
func (e *Engine) BuyWithTPSL(ctx context.Context, args EntryArgs, plan ExitPlan) (EntryResult, error) {
	var out EntryResult

	buy, err := e.Buy(ctx, args)
	out.Buy = buy
	if err != nil {
		return out, err
	}
	if buy == nil || !buy.Success {
		return out, nil
	}

	tp := plan.TakeProfit
	if tp > maxExitTrigger {
		tp = maxExitTrigger
	}
	sl := plan.StopLoss
	if sl > 0 && sl < minExitTrigger {
		sl = minExitTrigger
	}

	if tp > 0 {
		id, err := e.SetTakeProfit(ctx, args.TokenID, args.Question, args.Side, tp, args.Size)
		if err != nil {
			return out, err
		}
		out.TakeProfitID = id
	}
	if sl > 0 {
		id, err := e.SetStopLoss(ctx, args.TokenID, args.Question, args.Side, sl, args.Size)
		if err != nil {
			return out, err
		}
		out.StopLossID = id
	}
	if out.TakeProfitID != "" && out.StopLossID != "" {
		if err := e.link(ctx, out.TakeProfitID, out.StopLossID); err != nil {
			return out, err
		}
	}
	if plan.TrailingPct > 0 {
		id, err := e.SetTrailingStop(ctx, args.TokenID, args.Question, args.Side, plan.TrailingPct, args.Size, args.Price)
		if err != nil {
			return out, err
		}
		out.TrailingID = id
	}
	return out, nil
}

// SetTakeProfit registers a sell trigger that fires when the midpoint rises
// to the target.
func (e *Engine) SetTakeProfit(ctx context.Context, tokenID, question string, side types.Side, price, size float64) (string, error) {
	o := types.AutoOrder{
		ID:           e.nextID(),
		TokenID:      tokenID,
		Question:     question,
		Side:         side,
		Type:         types.TakeProfit,
		Size:         size,
		TriggerPrice: price,
		State:        types.AutoActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.register(ctx, o); err != nil {
		return "", err
	}
	e.logger.Info("take profit set", "id", o.ID, "token", tokenID, "trigger", price, "size", size)
	return o.ID, nil
}

// SetStopLoss registers a sell trigger that fires when the midpoint falls
// to the stop.
func (e *Engine) SetStopLoss(ctx context.Context, tokenID, question string, side types.Side, price, size float64) (string, error) {
	o := types.AutoOrder{
		ID:           e.nextID(),
		TokenID:      tokenID,
		Question:     question,
		Side:         side,
		Type:         types.StopLoss,
		Size:         size,
		TriggerPrice: price,
		State:        types.AutoActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.register(ctx, o); err != nil {
		return "", err
	}
	e.logger.Info("stop loss set", "id", o.ID, "token", tokenID, "trigger", price, "size", size)
	return o.ID, nil
}

// SetTrailingStop registers a stop that ratchets up behind the price. The
// initial trigger sits trailPct below the current price.
func (e *Engine) SetTrailingStop(ctx context.Context, tokenID, question string, side types.Side, trailPct, size, currentPrice float64) (string, error) {
	if trailPct <= 0 || trailPct >= 1 {
		return "", fmt.Errorf("trailing percent %v out of range (0,1)", trailPct)
	}
	o := types.AutoOrder{
		ID:              e.nextID(),
		TokenID:         tokenID,
		Question:        question,
		Side:            side,
		Type:            types.TrailingStop,
		Size:            size,
		TriggerPrice:    currentPrice * (1 - trailPct),
		TrailingPercent: trailPct,
		HighestPrice:    currentPrice,
		State:           types.AutoActive,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.register(ctx, o); err != nil {
		return "", err
	}
	e.logger.Info("trailing stop set",
		"id", o.ID, "token", tokenID, "trail_pct", trailPct,
		"initial_trigger", o.TriggerPrice, "size", size)
	return o.ID, nil
}

// SetOCO registers a linked take-profit / stop-loss pair on one position.
// Whichever fires first cancels the other.
func (e *Engine) SetOCO(ctx context.Context, tokenID, question string, side types.Side, size, tpPrice, slPrice float64) (tpID, slID string, err error) {
	tpID, err = e.SetTakeProfit(ctx, tokenID, question, side, tpPrice, size)
	if err != nil {
		return "", "", err
	}
	slID, err = e.SetStopLoss(ctx, tokenID, question, side, slPrice, size)
	if err != nil {
		return "", "", err
	}
	if err := e.link(ctx, tpID, slID); err != nil {
		return "", "", err
	}
	return tpID, slID, nil
}

func (e *Engine) register(ctx context.Context, o types.AutoOrder) error {
	if err := e.store.UpsertAutoOrder(ctx, o); err != nil {
		return fmt.Errorf("persist auto order: %w", err)
	}
	e.mu.Lock()
	cp := o
	e.orders[o.ID] = &cp
	e.mu.Unlock()
	return nil
}

func (e *Engine) link(ctx context.Context, a, b string) error {
	e.mu.Lock()
	oa, okA := e.orders[a]
	ob, okB := e.orders[b]
	var copyA, copyB types.AutoOrder
	if okA && okB {
		oa.LinkedOrderID = b
		ob.LinkedOrderID = a
		copyA, copyB = *oa, *ob
	}
	e.mu.Unlock()
	if !okA || !okB {
		return fmt.Errorf("link auto orders: %s or %s not found", a, b)
	}
	if err := e.store.UpsertAutoOrder(ctx, copyA); err != nil {
		return fmt.Errorf("persist oco link: %w", err)
	}
	if err := e.store.UpsertAutoOrder(ctx, copyB); err != nil {
		return fmt.Errorf("persist oco link: %w", err)
	}
	e.logger.Info("oco pair linked", "take_profit", a, "stop_loss", b)
	return nil
}

// CancelOrder transitions one auto order to CANCELLED. Returns false when
// the order is unknown or already terminal.
func (e *Engine) CancelOrder(ctx context.Context, id string) bool {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok || o.State.Terminal() {
		e.mu.Unlock()
		return false
	}
	o.State = types.AutoCancelled
	e.mu.Unlock()

	if err := e.store.UpdateAutoOrderState(ctx, id, types.AutoCancelled, time.Now().UTC()); err != nil {
		e.logger.Error("persist cancel failed", "id", id, "err", err)
	}
	e.logger.Info("auto order cancelled", "id", id)
	return true
}

// CancelAll cancels every ACTIVE auto order, or only those on one token
// when tokenID is non-empty. Returns the number cancelled.
func (e *Engine) CancelAll(ctx context.Context, tokenID string) int {
	e.mu.Lock()
	var ids []string
	for id, o := range e.orders {
		if tokenID != "" && o.TokenID != tokenID {
			continue
		}
		if o.State == types.AutoActive {
			o.State = types.AutoCancelled
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		if err := e.store.UpdateAutoOrderState(ctx, id, types.AutoCancelled, now); err != nil {
			e.logger.Error("persist cancel failed", "id", id, "err", err)
		}
	}
	if len(ids) > 0 {
		e.logger.Info("auto orders cancelled", "count", len(ids), "token", tokenID)
	}
	return len(ids)
}

// ActiveOrders returns ACTIVE orders, optionally filtered to one token,
// oldest first.
func (e *Engine) ActiveOrders(tokenID string) []types.AutoOrder {
	e.mu.Lock()
	out := make([]types.AutoOrder, 0, len(e.orders))
	for _, o := range e.orders {
		if o.State != types.AutoActive {
			continue
		}
		if tokenID != "" && o.TokenID != tokenID {
			continue
		}
		out = append(out, *o)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Order returns one auto order by ID.
func (e *Engine) Order(id string) (types.AutoOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return types.AutoOrder{}, false
	}
	return *o, true
}

// RegisterPosition records or averages into the exit-rule view of a token.
// Called from BUY fill callbacks.
func (e *Engine) RegisterPosition(tokenID, question string, side types.Side, size, entryPrice float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[tokenID]
	if !ok {
		e.positions[tokenID] = &Position{
			TokenID:    tokenID,
			Question:   question,
			Side:       side,
			Size:       size,
			EntryPrice: entryPrice,
		}
		return
	}
	total := pos.Size + size
	if total > 0 {
		pos.EntryPrice = (pos.Size*pos.EntryPrice + size*entryPrice) / total
	}
	pos.Size = total
}

// ReducePosition shrinks the exit-rule view after a confirmed sell fill,
// dropping it at zero.
func (e *Engine) ReducePosition(tokenID string, size float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[tokenID]
	if !ok {
		return
	}
	pos.Size -= size
	if pos.Size <= 1e-9 {
		delete(e.positions, tokenID)
	}
}

// PositionFor returns the exit-rule view of one token.
func (e *Engine) PositionFor(tokenID string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[tokenID]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Run evaluates triggers until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("auto-order monitor started", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("auto-order monitor stopped")
			return
		case <-ticker.C:
			e.MonitorOnce(ctx)
		}
	}
}

// MonitorOnce runs one evaluation tick: one midpoint fetch per distinct
// token with ACTIVE orders, then trigger checks for that token's orders.
func (e *Engine) MonitorOnce(ctx context.Context) {
	for _, tokenID := range e.activeTokens() {
		if ctx.Err() != nil {
			return
		}
		mid, err := e.gateway.GetMidpoint(ctx, tokenID)
		if err != nil || mid <= 0 {
			e.logger.Warn("midpoint unavailable", "token", tokenID, "err", err)
			continue
		}
		e.evaluateToken(ctx, tokenID, mid)
	}
}

func (e *Engine) activeTokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool)
	var tokens []string
	for _, o := range e.orders {
		if o.State == types.AutoActive && !seen[o.TokenID] {
			seen[o.TokenID] = true
			tokens = append(tokens, o.TokenID)
		}
	}
	sort.Strings(tokens)
	return tokens
}

// evaluateToken ratchets trailing stops and fires any triggered orders for
// one token at the given midpoint.
func (e *Engine) evaluateToken(ctx context.Context, tokenID string, p float64) {
	e.mu.Lock()
	var trails []types.AutoOrder
	var fire []string
	for _, o := range e.orders {
		if o.TokenID != tokenID || o.State != types.AutoActive {
			continue
		}
		switch o.Type {
		case types.TakeProfit:
			if p >= o.TriggerPrice {
				fire = append(fire, o.ID)
			}
		case types.StopLoss:
			if p <= o.TriggerPrice {
				fire = append(fire, o.ID)
			}
		case types.TrailingStop:
			if p > o.HighestPrice {
				o.HighestPrice = p
				if next := p * (1 - o.TrailingPercent); next > o.TriggerPrice {
					o.TriggerPrice = next
					trails = append(trails, *o)
				}
			}
			if p <= o.TriggerPrice {
				fire = append(fire, o.ID)
			}
		}
	}
	sort.Strings(fire)
	e.mu.Unlock()

	for _, o := range trails {
		if err := e.store.UpdateAutoOrderTrail(ctx, o.ID, o.HighestPrice, o.TriggerPrice); err != nil {
			e.logger.Error("persist trail failed", "id", o.ID, "err", err)
		}
		e.logger.Info("trailing stop ratcheted",
			"id", o.ID, "highest", o.HighestPrice, "trigger", o.TriggerPrice)
	}

	for _, id := range fire {
		e.execute(ctx, id, p)
	}
}

// execute runs the TRIGGERED -> EXECUTED|FAILED leg for one order. An OCO
// partner that fired in the same tick finds the order no longer ACTIVE and
// skips. On success the still-ACTIVE partner is cancelled within this tick.
func (e *Engine) execute(ctx context.Context, orderID string, p float64) {
	now := time.Now().UTC()

	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok || o.State != types.AutoActive {
		e.mu.Unlock()
		return
	}
	o.State = types.AutoTriggered
	o.TriggeredAt = now
	triggered := *o
	e.mu.Unlock()

	e.logger.Info("exit triggered",
		"id", orderID, "type", triggered.Type, "token", triggered.TokenID,
		"midpoint", p, "trigger", triggered.TriggerPrice, "size", triggered.Size)
	if err := e.store.UpdateAutoOrderState(ctx, orderID, types.AutoTriggered, now); err != nil {
		e.logger.Error("persist trigger failed", "id", orderID, "err", err)
	}
	if e.onTriggered != nil {
		e.onTriggered(triggered)
	}

	result, err := e.MarketSell(ctx, triggered.TokenID, triggered.Question, triggered.Side, triggered.Size, strings.ToLower(string(triggered.Type)))
	if err != nil || result == nil || !result.Success {
		if err == nil {
			err = fmt.Errorf("sell rejected: %s", result.Error)
		}
		e.mu.Lock()
		if cur, ok := e.orders[orderID]; ok {
			cur.State = types.AutoFailed
		}
		e.mu.Unlock()
		if perr := e.store.UpdateAutoOrderState(ctx, orderID, types.AutoFailed, time.Now().UTC()); perr != nil {
			e.logger.Error("persist failure failed", "id", orderID, "err", perr)
		}
		e.logger.Error("exit execution failed", "id", orderID, "err", err)
		if e.onFailed != nil {
			e.onFailed(triggered, err)
		}
		return
	}

	execAt := time.Now().UTC()
	var executed types.AutoOrder
	var partner *types.AutoOrder
	e.mu.Lock()
	if cur, ok := e.orders[orderID]; ok {
		cur.State = types.AutoExecuted
		cur.ExecutedAt = execAt
		cur.ExecutionPrice = p
		executed = *cur
		if cur.LinkedOrderID != "" {
			if lk, ok := e.orders[cur.LinkedOrderID]; ok && lk.State == types.AutoActive {
				lk.State = types.AutoCancelled
				cp := *lk
				partner = &cp
			}
		}
	}
	e.mu.Unlock()

	if err := e.store.UpsertAutoOrder(ctx, executed); err != nil {
		e.logger.Error("persist execution failed", "id", orderID, "err", err)
	}
	e.logger.Info("exit executed",
		"id", orderID, "token", executed.TokenID, "size", executed.Size,
		"execution_price", p, "sell_order", result.OrderID)

	if partner != nil {
		if err := e.store.UpdateAutoOrderState(ctx, partner.ID, types.AutoCancelled, execAt); err != nil {
			e.logger.Error("persist oco cancel failed", "id", partner.ID, "err", err)
		}
		e.logger.Info("oco partner cancelled", "id", partner.ID, "executed", orderID)
	}
	if e.onExecuted != nil {
		e.onExecuted(executed)
	}
}

// MarketSell sells through the gateway and registers the acknowledged order
// for fill tracking. The position is reduced only when fills confirm.
func (e *Engine) MarketSell(ctx context.Context, tokenID, question string, side types.Side, size float64, strategy string) (*types.OrderResult, error) {
	result, limitPrice, err := e.gateway.MarketSell(ctx, tokenID, size)
	if err != nil {
		return nil, err
	}
	if result.Success && result.OrderID != "" {
		if err := e.tracker.Track(ctx, types.TrackedOrder{
			OrderID:    result.OrderID,
			TokenID:    tokenID,
			Question:   question,
			Side:       side,
			OrderSide:  types.SELL,
			Size:       size,
			LimitPrice: limitPrice,
			Strategy:   strategy,
		}); err != nil {
			e.logger.Error("track sell failed", "order_id", result.OrderID, "err", err)
		}
	}
	return result, nil
}
