// Package risk gates every order the bot wants to place.
//
// The manager is a set of independent guards evaluated per scan cycle:
//
//   - Bet sizing:       available = bankroll − reserve − open cost basis;
//     each entry stakes min(max_bet_size, 25% of available), never under $5
//   - Kill switch:      blocks new BUY entries only; SELLs and exits flow
//   - Spread guard:     entries skipped when the live book is missing,
//     one-sided, inverted, or wider than max_spread_bps
//   - Circuit breakers: daily realized loss and equity drawdown against the
//     cash_start baseline; once tripped they latch until an operator
//     restarts with a fresh baseline
//   - Intent fingerprints: deterministic submission IDs persisted to the
//     store; a repeat inside the TTL window is refused as ErrDuplicateIntent
package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// ErrDuplicateIntent is returned when an identical order was already
// submitted inside the intent TTL window. Callers skip, never retry.
var ErrDuplicateIntent = errors.New("duplicate order intent")

// minBetUSD is the exchange-practical floor; entries sized below it are
// refused rather than rounded up.
const minBetUSD = 5.0

// KV keys for the circuit-breaker baselines.
const (
	kvPnLDay      = "pnl_day"
	kvDayStartPnL = "realized_pnl_day_start"
	kvCashStart   = "cash_start_usd"
)

// BookSource provides live orderbooks for the spread guard.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error)
}

// Canceler is the slice of the exchange client used by startup safety.
type Canceler interface {
	HasAuth() bool
	CancelAll(ctx context.Context) (int, error)
}

// Intent identifies one order submission for idempotency purposes.
type Intent struct {
	TokenID   string
	Side      types.Side
	OrderSide types.OrderSide
	Price     float64
	Size      float64
	Strategy  string
}

// Manager evaluates the guards. Guard limits are fixed at construction;
// only the kill switch mutates afterwards.
type Manager struct {
	store  *store.Store
	books  BookSource
	logger *slog.Logger

	bankroll         float64
	reservePct       float64
	maxBetSize       float64
	maxPositions     int
	maxSpreadBps     float64
	maxDailyLoss     float64
	maxDrawdownPct   float64
	intentTTL        time.Duration
	cancelAllOnStart bool

	now func() time.Time

	mu         sync.Mutex
	killSwitch bool
	killReason string
}

// New builds a manager from configuration. The kill switch starts in the
// configured position.
func New(st *store.Store, books BookSource, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		store:            st,
		books:            books,
		logger:           logger.With("component", "risk"),
		bankroll:         cfg.AutoTrade.Bankroll,
		reservePct:       cfg.AutoTrade.ReservePct,
		maxBetSize:       cfg.AutoTrade.MaxBetSize,
		maxPositions:     cfg.AutoTrade.MaxOpenPositions,
		maxSpreadBps:     cfg.Safety.MaxSpreadBps,
		maxDailyLoss:     math.Abs(cfg.Safety.MaxDailyLossUSD),
		maxDrawdownPct:   math.Abs(cfg.Safety.MaxDrawdownPct),
		intentTTL:        time.Duration(cfg.Safety.IntentTTLSeconds) * time.Second,
		cancelAllOnStart: cfg.Safety.CancelAllOnStartup,
		now:              time.Now,
	}
	if m.intentTTL <= 0 {
		m.intentTTL = 300 * time.Second
	}
	if cfg.Safety.KillSwitch {
		m.killSwitch = true
		m.killReason = "enabled in configuration"
	}
	return m
}

// Startup runs the boot-time safety actions: optional exchange-wide cancel,
// intent garbage collection, and seeding of the equity baseline. realized
// is the portfolio's realized P&L, used for the day-start snapshot.
func (m *Manager) Startup(ctx context.Context, exch Canceler, realized float64) error {
	if m.cancelAllOnStart && exch != nil && exch.HasAuth() {
		if n, err := exch.CancelAll(ctx); err != nil {
			m.logger.Warn("startup cancel_all failed", "err", err)
		} else {
			m.logger.Info("startup cancel_all executed", "cancelled", n)
		}
	}

	horizon := 10 * m.intentTTL
	if horizon < 10*time.Minute {
		horizon = 10 * time.Minute
	}
	if n, err := m.store.CleanupIntents(ctx, horizon); err != nil {
		m.logger.Warn("intent cleanup failed", "err", err)
	} else if n > 0 {
		m.logger.Info("expired intents removed", "count", n)
	}

	if _, found, err := m.store.GetStateFloat(ctx, kvCashStart); err != nil {
		return fmt.Errorf("read equity baseline: %w", err)
	} else if !found {
		if err := m.store.SetStateFloat(ctx, kvCashStart, m.bankroll); err != nil {
			return fmt.Errorf("seed equity baseline: %w", err)
		}
		m.logger.Info("equity baseline seeded", "cash_start_usd", m.bankroll)
	}

	today := m.now().UTC().Format("2006-01-02")
	if _, found, err := m.store.GetState(ctx, kvPnLDay); err != nil {
		return fmt.Errorf("read pnl day: %w", err)
	} else if !found {
		if err := m.store.SetState(ctx, kvPnLDay, today); err != nil {
			return fmt.Errorf("seed pnl day: %w", err)
		}
		if err := m.store.SetStateFloat(ctx, kvDayStartPnL, realized); err != nil {
			return fmt.Errorf("seed day-start pnl: %w", err)
		}
	}
	return nil
}

// BetSize returns the USD stake for the next entry given the summed cost
// basis of open positions. Never negative.
func (m *Manager) BetSize(openValue float64) float64 {
	reserve := m.bankroll * m.reservePct
	available := m.bankroll - reserve - openValue
	bet := math.Min(m.maxBetSize, 0.25*available)
	return math.Max(bet, 0)
}

// ApproveEntry checks the position count and sizing guards and returns the
// approved stake. The error names the refusing guard.
func (m *Manager) ApproveEntry(openValue float64, openCount int) (float64, error) {
	if openCount >= m.maxPositions {
		return 0, fmt.Errorf("open positions %d at limit %d", openCount, m.maxPositions)
	}
	bet := m.BetSize(openValue)
	if bet < minBetUSD {
		return 0, fmt.Errorf("bet size $%.2f below $%.2f minimum", bet, minBetUSD)
	}
	return bet, nil
}

// KillSwitchActive reports whether new BUY entries are blocked.
func (m *Manager) KillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitch
}

// KillReason returns why the switch is set, empty when it is not.
func (m *Manager) KillReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killReason
}

// TripKillSwitch latches the switch. There is no programmatic unset; an
// operator restarts with a fresh baseline to resume buying.
func (m *Manager) TripKillSwitch(reason string) {
	m.mu.Lock()
	already := m.killSwitch
	m.killSwitch = true
	if !already {
		m.killReason = reason
	}
	m.mu.Unlock()

	if !already {
		m.logger.Error("KILL SWITCH", "reason", reason)
	}
}

// SpreadGuard fetches the live book and reports whether an entry on the
// token is acceptable. ok is false for missing, one-sided, inverted, or
// too-wide books; bps is meaningful only when the book produced one.
func (m *Manager) SpreadGuard(ctx context.Context, tokenID string) (bps float64, ok bool) {
	book, err := m.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		m.logger.Warn("orderbook unavailable for spread check", "token", tokenID, "err", err)
		return 0, false
	}
	bps, valid := book.SpreadBps()
	if !valid {
		return 0, false
	}
	return bps, bps <= m.maxSpreadBps
}

// EvaluateBreakers runs the daily-loss and drawdown checks against the
// given P&L marks. On a new calendar day it snapshots the day-start
// realized P&L first. Returns the trip reason, empty when nothing tripped;
// a tripped breaker also latches the kill switch. Store errors abort the
// evaluation so the caller can skip the cycle.
func (m *Manager) EvaluateBreakers(ctx context.Context, realized, unrealized float64) (string, error) {
	today := m.now().UTC().Format("2006-01-02")
	day, found, err := m.store.GetState(ctx, kvPnLDay)
	if err != nil {
		return "", fmt.Errorf("read pnl day: %w", err)
	}
	if !found || day != today {
		if err := m.store.SetState(ctx, kvPnLDay, today); err != nil {
			return "", fmt.Errorf("rotate pnl day: %w", err)
		}
		if err := m.store.SetStateFloat(ctx, kvDayStartPnL, realized); err != nil {
			return "", fmt.Errorf("snapshot day-start pnl: %w", err)
		}
	}

	dayStart, found, err := m.store.GetStateFloat(ctx, kvDayStartPnL)
	if err != nil {
		return "", fmt.Errorf("read day-start pnl: %w", err)
	}
	if !found {
		dayStart = realized
	}

	if m.maxDailyLoss > 0 {
		if daily := realized - dayStart; daily <= -m.maxDailyLoss {
			reason := fmt.Sprintf("daily realized loss $%.2f breached limit $%.2f", daily, m.maxDailyLoss)
			m.TripKillSwitch(reason)
			return reason, nil
		}
	}

	if m.maxDrawdownPct > 0 {
		cashStart, found, err := m.store.GetStateFloat(ctx, kvCashStart)
		if err != nil {
			return "", fmt.Errorf("read equity baseline: %w", err)
		}
		// No baseline means Startup has not seeded one yet; without it a
		// drawdown cannot be measured.
		if found && cashStart > 0 {
			equity := cashStart + realized + unrealized
			dd := (cashStart - equity) / cashStart * 100
			if dd >= m.maxDrawdownPct {
				reason := fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", dd, m.maxDrawdownPct)
				m.TripKillSwitch(reason)
				return reason, nil
			}
		}
	}
	return "", nil
}

// ReserveIntent persists the submission fingerprint for one order. A
// fingerprint already present means the same order was submitted inside
// the current TTL window; the caller gets ErrDuplicateIntent and must not
// retry within the window.
func (m *Manager) ReserveIntent(ctx context.Context, in Intent) error {
	id := m.fingerprint(in, m.now().UTC())
	created, err := m.store.CreateIntent(ctx, id, in.TokenID, in.Side, in.OrderSide, in.Price, in.Size, in.Strategy)
	if err != nil {
		return fmt.Errorf("persist intent: %w", err)
	}
	if !created {
		return fmt.Errorf("%s %s on %s: %w", in.OrderSide, in.Side, in.TokenID, ErrDuplicateIntent)
	}
	return nil
}

// fingerprint hashes the order's identifying parameters plus a TTL-sized
// time bucket, so the refusal window and intent expiry agree.
func (m *Manager) fingerprint(in Intent, at time.Time) string {
	bucket := at.Unix() / int64(m.intentTTL.Seconds())
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.4f|%.2f|%s|%d",
		in.TokenID, in.Side, in.OrderSide, in.Price, in.Size, in.Strategy, bucket)
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot is the point-in-time guard state for status reports.
type Snapshot struct {
	KillSwitch     bool
	KillReason     string
	Bankroll       float64
	Reserve        float64
	MaxBetSize     float64
	MaxPositions   int
	MaxSpreadBps   float64
	MaxDailyLoss   float64
	MaxDrawdownPct float64
}

// GetSnapshot returns the current guard state.
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		KillSwitch:     m.killSwitch,
		KillReason:     m.killReason,
		Bankroll:       m.bankroll,
		Reserve:        m.bankroll * m.reservePct,
		MaxBetSize:     m.maxBetSize,
		MaxPositions:   m.maxPositions,
		MaxSpreadBps:   m.maxSpreadBps,
		MaxDailyLoss:   m.maxDailyLoss,
		MaxDrawdownPct: m.maxDrawdownPct,
	}
}
