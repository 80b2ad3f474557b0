// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — market metadata, order
// book snapshots, trade signals, positions, and the order records the tracker
// and exit engine move through their lifecycles. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"math"
	"time"
)

// Side identifies an outcome leg of a binary market. ARB is the synthetic
// side used by arbitrage signals that buy both legs at once.
type Side string

const (
	YES Side = "YES"
	NO  Side = "NO"
	ARB Side = "ARB"
)

// OrderSide represents the direction of an order: BUY or SELL.
type OrderSide string

const (
	BUY  OrderSide = "BUY"
	SELL OrderSide = "SELL"
)

// OrderStatus enumerates the lifecycle states of a tracked exchange order.
type OrderStatus string

const (
	StatusLive            OrderStatus = "LIVE"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusMatched         OrderStatus = "MATCHED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is final: no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusMatched, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// AutoOrderType enumerates the supported automated exit/entry triggers.
type AutoOrderType string

const (
	TakeProfit   AutoOrderType = "TAKE_PROFIT"
	StopLoss     AutoOrderType = "STOP_LOSS"
	TrailingStop AutoOrderType = "TRAILING_STOP"
	LimitBuy     AutoOrderType = "LIMIT_BUY"
	LimitSell    AutoOrderType = "LIMIT_SELL"
)

// AutoOrderState is the state machine position of an AutoOrder:
//
//	PENDING -> ACTIVE -> TRIGGERED -> EXECUTED | FAILED
//	                \-> CANCELLED (operator cancel or OCO partner firing)
type AutoOrderState string

const (
	AutoPending   AutoOrderState = "PENDING"
	AutoActive    AutoOrderState = "ACTIVE"
	AutoTriggered AutoOrderState = "TRIGGERED"
	AutoExecuted  AutoOrderState = "EXECUTED"
	AutoCancelled AutoOrderState = "CANCELLED"
	AutoFailed    AutoOrderState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s AutoOrderState) Terminal() bool {
	switch s {
	case AutoExecuted, AutoCancelled, AutoFailed:
		return true
	}
	return false
}

// Market is the internal representation of a binary prediction market.
// Populated from the listings API during scanning. A binary market has
// exactly two tokens (YES and NO) whose prices sum to ~$1.
type Market struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Slug        string `json:"slug"`
	ConditionID string `json:"condition_id"`

	TokenYes string `json:"token_yes"` // CLOB token ID for the YES outcome
	TokenNo  string `json:"token_no"`  // CLOB token ID for the NO outcome

	PriceYes float64 `json:"price_yes"` // last observed YES price in [0,1]
	PriceNo  float64 `json:"price_no"`  // last observed NO price in [0,1]

	Volume    float64 `json:"volume"`
	Liquidity float64 `json:"liquidity"`
	Category  string  `json:"category"` // "crypto", "sports", ...

	EndDate time.Time `json:"end_date"` // zero when the listing omits it
}

// TokenFor returns the token ID for a side. ARB maps to the YES token,
// which is the leg used for bookkeeping keys.
func (m Market) TokenFor(side Side) string {
	if side == NO {
		return m.TokenNo
	}
	return m.TokenYes
}

// PriceFor returns the last observed price for a side.
func (m Market) PriceFor(side Side) float64 {
	if side == NO {
		return m.PriceNo
	}
	return m.PriceYes
}

// HoursToResolution returns hours until EndDate. ok is false when the
// listing carried no end date.
func (m Market) HoursToResolution(now time.Time) (float64, bool) {
	if m.EndDate.IsZero() {
		return 0, false
	}
	return m.EndDate.Sub(now).Hours(), true
}

// BookLevel is a single bid or ask level in a normalized order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a normalized point-in-time view of one token's order book.
// Bids are sorted descending by price (best first), asks ascending.
type OrderBook struct {
	TokenID   string      `json:"token_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (BookLevel, bool) {
	if b == nil || len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (BookLevel, bool) {
	if b == nil || len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Midpoint returns (bestBid + bestAsk) / 2. ok is false when either side
// of the book is empty.
func (b *OrderBook) Midpoint() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SpreadBps returns the bid/ask spread in basis points of the midpoint:
// (ask - bid) / mid * 10000. ok is false for empty or inverted books.
func (b *OrderBook) SpreadBps() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 || ask.Price < bid.Price {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid * 10000, true
}

// Signal is a strategy's proposed trade. Ephemeral: produced each scan
// cycle, ranked, and discarded. Never persisted.
type Signal struct {
	Market     Market
	Side       Side    // YES, NO, or ARB (buy both legs)
	Strategy   string  // producing strategy name
	EdgePct    float64 // estimated advantage over the market price, in percent
	Confidence float64 // [0,1]
	EntryPrice float64 // for ARB: combined yes_ask + no_ask
	Reason     string  // human-readable justification for the log
}

// Score ranks signals: edge weighted by confidence.
func (s Signal) Score() float64 {
	return s.EdgePct * s.Confidence
}

// Position is a holding in one outcome token. Keyed by (TokenID, Side).
// Owned by the Portfolio; the store keeps a mirror.
type Position struct {
	TokenID       string    `json:"token_id"`
	Question      string    `json:"market_question"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`            // shares held, >= 0
	AvgEntryPrice float64   `json:"avg_entry_price"` // in (0,1) while Size > 0
	CurrentPrice  float64   `json:"current_price"`
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CostBasis is what was paid for the position.
func (p Position) CostBasis() float64 { return p.Size * p.AvgEntryPrice }

// CurrentValue marks the position at the last known price.
func (p Position) CurrentValue() float64 { return p.Size * p.CurrentPrice }

// UnrealizedPnL is the mark-to-market gain or loss.
func (p Position) UnrealizedPnL() float64 {
	return p.Size * (p.CurrentPrice - p.AvgEntryPrice)
}

// UnrealizedPnLPct is the unrealized return on cost basis, in percent.
func (p Position) UnrealizedPnLPct() float64 {
	basis := p.CostBasis()
	if basis == 0 {
		return 0
	}
	return p.UnrealizedPnL() / basis * 100
}

// PotentialPayout is the value if the held outcome resolves true ($1/share).
func (p Position) PotentialPayout() float64 { return p.Size }

// Trade is one row of the append-only execution ledger.
type Trade struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TokenID   string    `json:"token_id"`
	Question  string    `json:"market_question"`
	Side      Side      `json:"side"`
	Action    OrderSide `json:"action"` // BUY or SELL
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	OrderID   string    `json:"order_id,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
}

// PriceSnapshot is one observation of a token's prices. Append-only;
// old snapshots are evicted by retention cleanup. BestBid/BestAsk are 0
// when the snapshot was taken without an order book fetch.
type PriceSnapshot struct {
	TokenID   string    `json:"token_id"`
	Timestamp time.Time `json:"timestamp"`
	PriceYes  float64   `json:"price_yes"`
	PriceNo   float64   `json:"price_no"`
	BestBid   float64   `json:"best_bid,omitempty"`
	BestAsk   float64   `json:"best_ask,omitempty"`
}

// fullFillRatio is the fraction of requested size at which an order is
// considered completely filled (dust left on the book is ignored).
const fullFillRatio = 0.999

// TrackedOrder is an exchange order being walked from LIVE to a terminal
// state by the OrderTracker. FilledSize is cumulative and never decreases.
type TrackedOrder struct {
	OrderID      string        `json:"order_id"`
	TokenID      string        `json:"token_id"`
	Question     string        `json:"market_question"`
	Side         Side          `json:"side"`       // YES or NO leg
	OrderSide    OrderSide     `json:"order_side"` // BUY or SELL
	Size         float64       `json:"size"`       // requested
	LimitPrice   float64       `json:"limit_price"`
	FilledSize   float64       `json:"filled_size"`    // cumulative
	AvgFillPrice float64       `json:"avg_fill_price"` // size-weighted
	Status       OrderStatus   `json:"status"`
	Strategy     string        `json:"strategy,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastChecked  time.Time     `json:"last_checked"`
	StaleAfter   time.Duration `json:"stale_after"`
}

// Remaining returns the unfilled quantity, floored at zero.
func (o TrackedOrder) Remaining() float64 {
	return math.Max(o.Size-o.FilledSize, 0)
}

// FullyFilled reports whether the filled quantity reaches the requested
// size within the dust tolerance.
func (o TrackedOrder) FullyFilled() bool {
	return o.Size > 0 && o.FilledSize >= o.Size*fullFillRatio
}

// Terminal reports whether the order needs no further polling.
func (o TrackedOrder) Terminal() bool {
	return o.Status.Terminal() || o.FullyFilled()
}

// Stale reports whether the order has been live longer than its
// stale-cancel horizon.
func (o TrackedOrder) Stale(now time.Time) bool {
	if o.StaleAfter <= 0 {
		return false
	}
	return now.Sub(o.CreatedAt) > o.StaleAfter
}

// AutoOrder is an automated exit (or entry) trigger owned by the exit
// engine. Linked OCO pairs reference each other through LinkedOrderID;
// executing or cancelling one cancels the other.
type AutoOrder struct {
	ID              string         `json:"id"`
	TokenID         string         `json:"token_id"`
	Question        string         `json:"market_question"`
	Side            Side           `json:"side"`
	Type            AutoOrderType  `json:"order_type"`
	Size            float64        `json:"size"`
	TriggerPrice    float64        `json:"trigger_price"`
	LimitPrice      float64        `json:"limit_price,omitempty"`
	TrailingPercent float64        `json:"trailing_percent,omitempty"` // 0.05 = 5%
	HighestPrice    float64        `json:"highest_price"`              // trailing high-water mark
	State           AutoOrderState `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`
	TriggeredAt     time.Time      `json:"triggered_at,omitempty"`
	ExecutedAt      time.Time      `json:"executed_at,omitempty"`
	ExecutionPrice  float64        `json:"execution_price,omitempty"`
	LinkedOrderID   string         `json:"linked_order_id,omitempty"`
}

// OrderResult is the normalized outcome of an order submission.
type OrderResult struct {
	Success      bool    `json:"success"`
	OrderID      string  `json:"order_id,omitempty"`
	Status       string  `json:"status,omitempty"`
	FilledSize   float64 `json:"filled_size,omitempty"`
	AveragePrice float64 `json:"average_price,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// FillPart is one execution attributed to an order by the exchange.
type FillPart struct {
	Size  float64 `json:"size"`
	Price float64 `json:"price"`
}

// OrderState is the normalized response of an order-status query.
// SizeMatched and Trades may disagree upstream; consumers take the max.
type OrderState struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	Price        float64     `json:"price"` // limit price as echoed by the exchange
	OriginalSize float64     `json:"original_size"`
	SizeMatched  float64     `json:"size_matched"`
	Trades       []FillPart  `json:"associate_trades"`
}

// TradeStats is the ledger aggregate used in status reports.
type TradeStats struct {
	TotalTrades int     `json:"total_trades"`
	BuyCount    int     `json:"buy_count"`
	SellCount   int     `json:"sell_count"`
	BuyVolume   float64 `json:"buy_volume"`  // USD notional bought
	SellVolume  float64 `json:"sell_volume"` // USD notional sold
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"` // percent of decided sells that won
	TotalFees   float64 `json:"total_fees"`
}
