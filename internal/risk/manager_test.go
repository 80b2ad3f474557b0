package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

type fakeBooks struct {
	books map[string]*types.OrderBook
}

func (f *fakeBooks) GetOrderBook(_ context.Context, tokenID string) (*types.OrderBook, error) {
	b, ok := f.books[tokenID]
	if !ok {
		return nil, errors.New("no book")
	}
	return b, nil
}

type fakeCanceler struct {
	authed bool
	calls  int
}

func (f *fakeCanceler) HasAuth() bool { return f.authed }

func (f *fakeCanceler) CancelAll(context.Context) (int, error) {
	f.calls++
	return 3, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.AutoTrade.Bankroll = 100
	cfg.AutoTrade.ReservePct = 0.20
	cfg.AutoTrade.MaxBetSize = 10
	cfg.AutoTrade.MaxOpenPositions = 3
	cfg.Safety.MaxSpreadBps = 150
	cfg.Safety.MaxDailyLossUSD = 50
	cfg.Safety.MaxDrawdownPct = 10
	cfg.Safety.IntentTTLSeconds = 300
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, books BookSource) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "risk.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, books, cfg, logger), st
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBetSizing(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig(), &fakeBooks{})

	// bankroll 100, reserve 20%: available = 80 - openValue.
	tests := []struct {
		openValue float64
		want      float64
	}{
		{0, 10},   // 25% of 80 = 20, capped at max_bet_size
		{40, 10},  // 25% of 40 = 10
		{60, 5},   // 25% of 20 = 5
		{72, 2},   // 25% of 8 = 2
		{100, 0},  // reserve eaten through, never negative
	}
	for _, tt := range tests {
		if got := m.BetSize(tt.openValue); !near(got, tt.want) {
			t.Errorf("BetSize(%v) = %v, want %v", tt.openValue, got, tt.want)
		}
	}
}

func TestApproveEntryRefusals(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig(), &fakeBooks{})

	if bet, err := m.ApproveEntry(0, 0); err != nil || !near(bet, 10) {
		t.Errorf("ApproveEntry(0, 0) = (%v, %v), want (10, nil)", bet, err)
	}
	if _, err := m.ApproveEntry(0, 3); err == nil || !strings.Contains(err.Error(), "positions") {
		t.Errorf("position-limit refusal = %v", err)
	}
	// open 72 leaves $2, under the $5 floor.
	if _, err := m.ApproveEntry(72, 1); err == nil || !strings.Contains(err.Error(), "below") {
		t.Errorf("minimum-size refusal = %v", err)
	}
}

func TestKillSwitchLatches(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig(), &fakeBooks{})

	if m.KillSwitchActive() {
		t.Fatal("kill switch active before any trip")
	}
	m.TripKillSwitch("first reason")
	if !m.KillSwitchActive() {
		t.Fatal("kill switch not active after trip")
	}
	m.TripKillSwitch("second reason")
	if m.KillReason() != "first reason" {
		t.Errorf("KillReason = %q, want the first trip kept", m.KillReason())
	}
}

func TestKillSwitchSeededFromConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Safety.KillSwitch = true
	m, _ := newTestManager(t, cfg, &fakeBooks{})

	if !m.KillSwitchActive() {
		t.Error("configured kill switch not active at boot")
	}
}

func TestSpreadGuard(t *testing.T) {
	t.Parallel()
	books := &fakeBooks{books: map[string]*types.OrderBook{
		"tight": {
			Bids: []types.BookLevel{{Price: 0.499, Size: 100}},
			Asks: []types.BookLevel{{Price: 0.501, Size: 100}},
		},
		"wide": {
			Bids: []types.BookLevel{{Price: 0.49, Size: 100}},
			Asks: []types.BookLevel{{Price: 0.51, Size: 100}},
		},
		"one-sided": {
			Asks: []types.BookLevel{{Price: 0.51, Size: 100}},
		},
		"inverted": {
			Bids: []types.BookLevel{{Price: 0.52, Size: 100}},
			Asks: []types.BookLevel{{Price: 0.48, Size: 100}},
		},
	}}
	m, _ := newTestManager(t, testConfig(), books)
	ctx := context.Background()

	if bps, ok := m.SpreadGuard(ctx, "tight"); !ok || !near(bps, 40) {
		t.Errorf("tight book = (%v, %v), want (40, true)", bps, ok)
	}
	if bps, ok := m.SpreadGuard(ctx, "wide"); ok || !near(bps, 400) {
		t.Errorf("wide book = (%v, %v), want (400, false)", bps, ok)
	}
	if _, ok := m.SpreadGuard(ctx, "one-sided"); ok {
		t.Error("one-sided book passed the guard")
	}
	if _, ok := m.SpreadGuard(ctx, "inverted"); ok {
		t.Error("inverted book passed the guard")
	}
	if _, ok := m.SpreadGuard(ctx, "missing"); ok {
		t.Error("missing book passed the guard")
	}
}

func TestDailyLossBreakerTripsAndLatches(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig(), &fakeBooks{})
	ctx := context.Background()

	t0 := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return t0 }

	// First evaluation seeds the day-start snapshot at the current mark.
	if reason, err := m.EvaluateBreakers(ctx, 0, 0); err != nil || reason != "" {
		t.Fatalf("first evaluation = (%q, %v)", reason, err)
	}

	// Realized drops $50 intraday: breaker trips and latches the switch.
	reason, err := m.EvaluateBreakers(ctx, -50, 0)
	if err != nil {
		t.Fatalf("EvaluateBreakers: %v", err)
	}
	if !strings.Contains(reason, "daily realized loss") {
		t.Fatalf("reason = %q, want daily loss trip", reason)
	}
	if !m.KillSwitchActive() {
		t.Fatal("kill switch not latched by breaker")
	}

	// Next day re-baselines: no fresh trip, but the latch stays set.
	t0 = t0.Add(24 * time.Hour)
	reason, err = m.EvaluateBreakers(ctx, -50, 0)
	if err != nil {
		t.Fatalf("EvaluateBreakers next day: %v", err)
	}
	if reason != "" {
		t.Errorf("new-day reason = %q, want no fresh trip", reason)
	}
	if !m.KillSwitchActive() {
		t.Error("kill switch unlatched by day rotation")
	}
}

func TestDrawdownBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m, st := newTestManager(t, testConfig(), &fakeBooks{})
	if err := st.SetStateFloat(ctx, kvCashStart, 100); err != nil {
		t.Fatalf("seed cash_start: %v", err)
	}

	// Equity 91 on a 100 baseline: 9% drawdown, under the 10% limit.
	if reason, err := m.EvaluateBreakers(ctx, -5, -4); err != nil || reason != "" {
		t.Fatalf("under-limit evaluation = (%q, %v)", reason, err)
	}
	if m.KillSwitchActive() {
		t.Fatal("kill switch tripped under the limit")
	}

	// Equity 89: 11% drawdown trips.
	reason, err := m.EvaluateBreakers(ctx, -5, -6)
	if err != nil {
		t.Fatalf("EvaluateBreakers: %v", err)
	}
	if !strings.Contains(reason, "drawdown") {
		t.Errorf("reason = %q, want drawdown trip", reason)
	}
	if !m.KillSwitchActive() {
		t.Error("kill switch not latched")
	}
}

func TestBreakersDisabledByZeroLimits(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Safety.MaxDailyLossUSD = 0
	cfg.Safety.MaxDrawdownPct = 0
	m, _ := newTestManager(t, cfg, &fakeBooks{})

	if reason, err := m.EvaluateBreakers(context.Background(), -1000, -1000); err != nil || reason != "" {
		t.Errorf("disabled breakers = (%q, %v), want no trip", reason, err)
	}
}

func TestIntentDedupe(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig(), &fakeBooks{})
	ctx := context.Background()

	t0 := time.Date(2025, 3, 10, 15, 0, 30, 0, time.UTC)
	m.now = func() time.Time { return t0 }

	in := Intent{
		TokenID: "tok1", Side: types.YES, OrderSide: types.BUY,
		Price: 0.52, Size: 19.23, Strategy: "momentum",
	}
	if err := m.ReserveIntent(ctx, in); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := m.ReserveIntent(ctx, in); !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("second reserve = %v, want ErrDuplicateIntent", err)
	}

	// A different size is a different order.
	smaller := in
	smaller.Size = 10
	if err := m.ReserveIntent(ctx, smaller); err != nil {
		t.Errorf("different size refused: %v", err)
	}

	// Past the TTL window the same order is allowed again.
	t0 = t0.Add(time.Duration(testConfig().Safety.IntentTTLSeconds+1) * time.Second)
	if err := m.ReserveIntent(ctx, in); err != nil {
		t.Errorf("post-TTL reserve refused: %v", err)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig(), &fakeBooks{})

	at := time.Date(2025, 3, 10, 15, 0, 30, 0, time.UTC)
	in := Intent{TokenID: "tok1", Side: types.YES, OrderSide: types.BUY, Price: 0.52, Size: 19.23, Strategy: "momentum"}

	if m.fingerprint(in, at) != m.fingerprint(in, at) {
		t.Error("fingerprint not deterministic")
	}
	other := in
	other.Strategy = "arbitrage"
	if m.fingerprint(in, at) == m.fingerprint(other, at) {
		t.Error("strategy not part of the fingerprint")
	}
}

func TestStartupSeedsBaselinesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := testConfig()
	cfg.Safety.CancelAllOnStartup = true
	m, st := newTestManager(t, cfg, &fakeBooks{})

	exch := &fakeCanceler{authed: true}
	if err := m.Startup(ctx, exch, 12.5); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if exch.calls != 1 {
		t.Errorf("cancel_all calls = %d, want 1", exch.calls)
	}

	cash, found, err := st.GetStateFloat(ctx, kvCashStart)
	if err != nil || !found || !near(cash, 100) {
		t.Errorf("cash_start = (%v, %v, %v), want 100 seeded", cash, found, err)
	}
	dayStart, found, err := st.GetStateFloat(ctx, kvDayStartPnL)
	if err != nil || !found || !near(dayStart, 12.5) {
		t.Errorf("day-start pnl = (%v, %v, %v), want 12.5 seeded", dayStart, found, err)
	}

	// A second startup over the same store keeps the existing baseline.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg2 := testConfig()
	cfg2.AutoTrade.Bankroll = 200
	m2 := New(st, &fakeBooks{}, cfg2, logger)
	if err := m2.Startup(ctx, &fakeCanceler{authed: false}, 0); err != nil {
		t.Fatalf("second Startup: %v", err)
	}
	cash, _, _ = st.GetStateFloat(ctx, kvCashStart)
	if !near(cash, 100) {
		t.Errorf("cash_start after restart = %v, want original 100", cash)
	}
}

func TestStartupSkipsCancelWithoutAuth(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Safety.CancelAllOnStartup = true
	m, _ := newTestManager(t, cfg, &fakeBooks{})

	exch := &fakeCanceler{authed: false}
	if err := m.Startup(context.Background(), exch, 0); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if exch.calls != 0 {
		t.Errorf("cancel_all calls = %d, want 0 without auth", exch.calls)
	}
}
