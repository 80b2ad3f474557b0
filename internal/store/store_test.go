package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPositionRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	opened := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	pos := types.Position{
		TokenID:       "tok1",
		Question:      "Will it rain?",
		Side:          types.YES,
		Size:          100,
		AvgEntryPrice: 0.42,
		CurrentPrice:  0.50,
		OpenedAt:      opened,
		UpdatedAt:     opened,
	}
	if err := s.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	loaded, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("LoadPositions returned %d rows, want 1", len(loaded))
	}
	got := loaded[0]
	if got.TokenID != pos.TokenID || got.Side != pos.Side || got.Question != pos.Question {
		t.Errorf("loaded identity = %+v, want %+v", got, pos)
	}
	if got.Size != pos.Size || got.AvgEntryPrice != pos.AvgEntryPrice || got.CurrentPrice != pos.CurrentPrice {
		t.Errorf("loaded numbers = %+v, want %+v", got, pos)
	}
	if !got.OpenedAt.Equal(opened) {
		t.Errorf("OpenedAt = %v, want %v", got.OpenedAt, opened)
	}
}

func TestPositionUpsertReplaces(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	pos := types.Position{TokenID: "tok1", Side: types.YES, Size: 40, AvgEntryPrice: 0.50, OpenedAt: now, UpdatedAt: now}
	if err := s.UpsertPosition(ctx, pos); err != nil {
		t.Fatal(err)
	}

	pos.Size = 100
	pos.AvgEntryPrice = 0.488
	if err := s.UpsertPosition(ctx, pos); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d rows, want 1", len(loaded))
	}
	if loaded[0].Size != 100 || math.Abs(loaded[0].AvgEntryPrice-0.488) > 1e-9 {
		t.Errorf("after upsert: size=%v avg=%v, want 100 / 0.488", loaded[0].Size, loaded[0].AvgEntryPrice)
	}

	// YES and NO on the same token are distinct rows.
	noSide := types.Position{TokenID: "tok1", Side: types.NO, Size: 10, AvgEntryPrice: 0.30, OpenedAt: now, UpdatedAt: now}
	if err := s.UpsertPosition(ctx, noSide); err != nil {
		t.Fatal(err)
	}
	loaded, _ = s.LoadPositions(ctx)
	if len(loaded) != 2 {
		t.Errorf("got %d rows after NO-side insert, want 2", len(loaded))
	}
}

func TestDeletePosition(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.UpsertPosition(ctx, types.Position{TokenID: "tok1", Side: types.YES, Size: 5, AvgEntryPrice: 0.5, OpenedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePosition(ctx, "tok1", types.YES); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	loaded, err := s.LoadPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Errorf("got %d rows after delete, want 0", len(loaded))
	}
	// Deleting a missing row is not an error.
	if err := s.DeletePosition(ctx, "tok1", types.YES); err != nil {
		t.Errorf("DeletePosition on absent row: %v", err)
	}
}

func TestTradeLedgerAndStats(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	trades := []types.Trade{
		{Timestamp: base, TokenID: "tok1", Side: types.YES, Action: types.BUY, Size: 100, Price: 0.40, Fee: 0.10, Strategy: "momentum"},
		{Timestamp: base.Add(time.Hour), TokenID: "tok1", Side: types.YES, Action: types.SELL, Size: 100, Price: 0.55, Fee: 0.10},
		{Timestamp: base.Add(2 * time.Hour), TokenID: "tok2", Side: types.NO, Action: types.BUY, Size: 50, Price: 0.30},
		{Timestamp: base.Add(3 * time.Hour), TokenID: "tok2", Side: types.NO, Action: types.SELL, Size: 50, Price: 0.25},
	}
	for _, tr := range trades {
		if _, err := s.AppendTrade(ctx, tr); err != nil {
			t.Fatalf("AppendTrade: %v", err)
		}
	}

	history, err := s.TradeHistory(ctx, TradeFilter{TokenID: "tok1"})
	if err != nil {
		t.Fatalf("TradeHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("tok1 history rows = %d, want 2", len(history))
	}
	// Newest first.
	if history[0].Action != types.SELL || history[1].Action != types.BUY {
		t.Errorf("history order wrong: %v then %v", history[0].Action, history[1].Action)
	}
	if history[1].Strategy != "momentum" {
		t.Errorf("Strategy = %q, want momentum", history[1].Strategy)
	}

	limited, err := s.TradeHistory(ctx, TradeFilter{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 3 {
		t.Errorf("limited history rows = %d, want 3", len(limited))
	}

	stats, err := s.TradeStats(ctx)
	if err != nil {
		t.Fatalf("TradeStats: %v", err)
	}
	if stats.TotalTrades != 4 || stats.BuyCount != 2 || stats.SellCount != 2 {
		t.Errorf("counts = %+v", stats)
	}
	// tok1 sell at 0.55 > 0.40 entry: win. tok2 sell at 0.25 <= 0.30: loss.
	if stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("wins/losses = %d/%d, want 1/1", stats.Wins, stats.Losses)
	}
	if math.Abs(stats.WinRate-50) > 1e-9 {
		t.Errorf("WinRate = %v, want 50", stats.WinRate)
	}
	if math.Abs(stats.BuyVolume-(100*0.40+50*0.30)) > 1e-9 {
		t.Errorf("BuyVolume = %v", stats.BuyVolume)
	}
	if math.Abs(stats.TotalFees-0.20) > 1e-9 {
		t.Errorf("TotalFees = %v, want 0.20", stats.TotalFees)
	}
}

func TestSnapshotsWindowAndOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	prices := []float64{0.42, 0.44, 0.46, 0.48}
	for i, p := range prices {
		snap := types.PriceSnapshot{
			TokenID:   "tok1",
			Timestamp: now.Add(-time.Duration(len(prices)-i) * time.Hour),
			PriceYes:  p,
			PriceNo:   1 - p,
		}
		if err := s.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}
	// An old observation outside every window below.
	old := types.PriceSnapshot{TokenID: "tok1", Timestamp: now.Add(-30 * time.Hour), PriceYes: 0.10, PriceNo: 0.90}
	if err := s.AppendSnapshot(ctx, old); err != nil {
		t.Fatal(err)
	}

	got, err := s.Snapshots(ctx, "tok1", 6, 0)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("rows = %d, want 4", len(got))
	}
	// Chronological: oldest first.
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("snapshots not in chronological order: %v before %v", got[i].Timestamp, got[i-1].Timestamp)
		}
	}
	if got[0].PriceYes != 0.42 || got[3].PriceYes != 0.48 {
		t.Errorf("first/last prices = %v/%v, want 0.42/0.48", got[0].PriceYes, got[3].PriceYes)
	}

	// Limit keeps the most recent N, still chronological.
	limited, err := s.Snapshots(ctx, "tok1", 6, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].PriceYes != 0.46 || limited[1].PriceYes != 0.48 {
		t.Errorf("limited = %+v, want the two most recent in order", limited)
	}

	removed, err := s.CleanupSnapshots(ctx, 1)
	if err != nil {
		t.Fatalf("CleanupSnapshots: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupSnapshots removed %d, want 1", removed)
	}
}

func TestPendingOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	order := types.TrackedOrder{
		OrderID:    "ord1",
		TokenID:    "tok1",
		Question:   "Will it rain?",
		Side:       types.YES,
		OrderSide:  types.BUY,
		Size:       100,
		LimitPrice: 0.50,
		Status:     types.StatusLive,
		Strategy:   "momentum",
		CreatedAt:  now,
	}
	if err := s.UpsertPendingOrder(ctx, order); err != nil {
		t.Fatalf("UpsertPendingOrder: %v", err)
	}

	live, err := s.HasLiveOrderForToken(ctx, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if !live {
		t.Error("HasLiveOrderForToken = false, want true")
	}

	if err := s.UpdatePendingOrder(ctx, "ord1", types.StatusPartiallyFilled, 40, 0.50); err != nil {
		t.Fatalf("UpdatePendingOrder: %v", err)
	}

	got, found, err := s.PendingOrder(ctx, "ord1")
	if err != nil || !found {
		t.Fatalf("PendingOrder: found=%v err=%v", found, err)
	}
	if got.Status != types.StatusPartiallyFilled || got.FilledSize != 40 {
		t.Errorf("after update: status=%v filled=%v", got.Status, got.FilledSize)
	}
	if got.Strategy != "momentum" {
		t.Errorf("Strategy = %q, want momentum", got.Strategy)
	}

	open, err := s.PendingOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Errorf("non-terminal orders = %d, want 1", len(open))
	}

	if err := s.UpdatePendingOrder(ctx, "ord1", types.StatusMatched, 100, 0.488); err != nil {
		t.Fatal(err)
	}
	open, err = s.PendingOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("non-terminal orders after MATCHED = %d, want 0", len(open))
	}

	live, err = s.HasLiveOrderForToken(ctx, "tok1")
	if err != nil {
		t.Fatal(err)
	}
	if live {
		t.Error("HasLiveOrderForToken after MATCHED = true, want false")
	}
}

func TestIntentIdempotency(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateIntent(ctx, "fp1", "tok1", types.YES, types.BUY, 0.50, 10, "momentum")
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if !created {
		t.Fatal("first CreateIntent: created = false, want true")
	}

	created, err = s.CreateIntent(ctx, "fp1", "tok1", types.YES, types.BUY, 0.50, 10, "momentum")
	if err != nil {
		t.Fatalf("duplicate CreateIntent: %v", err)
	}
	if created {
		t.Error("duplicate CreateIntent: created = true, want false")
	}

	exists, err := s.HasIntent(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("HasIntent = false, want true")
	}

	if err := s.DeleteIntent(ctx, "fp1"); err != nil {
		t.Fatalf("DeleteIntent: %v", err)
	}
	exists, _ = s.HasIntent(ctx, "fp1")
	if exists {
		t.Error("HasIntent after delete = true, want false")
	}
}

func TestCleanupIntents(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateIntent(ctx, "fresh", "tok1", types.YES, types.BUY, 0.5, 10, ""); err != nil {
		t.Fatal(err)
	}
	// Cleanup with a zero horizon removes everything created before "now".
	time.Sleep(5 * time.Millisecond)
	removed, err := s.CleanupIntents(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupIntents: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestAutoOrderRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	tp := types.AutoOrder{
		ID:            "AUTO_20250601_1",
		TokenID:       "tok1",
		Question:      "Will it rain?",
		Side:          types.YES,
		Type:          types.TakeProfit,
		Size:          100,
		TriggerPrice:  0.70,
		State:         types.AutoActive,
		LinkedOrderID: "AUTO_20250601_2",
		CreatedAt:     now,
	}
	sl := types.AutoOrder{
		ID:            "AUTO_20250601_2",
		TokenID:       "tok1",
		Side:          types.YES,
		Type:          types.StopLoss,
		Size:          100,
		TriggerPrice:  0.30,
		State:         types.AutoActive,
		LinkedOrderID: "AUTO_20250601_1",
		CreatedAt:     now,
	}
	for _, o := range []types.AutoOrder{tp, sl} {
		if err := s.UpsertAutoOrder(ctx, o); err != nil {
			t.Fatalf("UpsertAutoOrder: %v", err)
		}
	}

	active, err := s.ActiveAutoOrders(ctx)
	if err != nil {
		t.Fatalf("ActiveAutoOrders: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active rows = %d, want 2", len(active))
	}

	if err := s.UpdateAutoOrderState(ctx, tp.ID, types.AutoTriggered, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateAutoOrderState: %v", err)
	}
	if err := s.UpdateAutoOrderState(ctx, tp.ID, types.AutoExecuted, now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAutoOrderState(ctx, sl.ID, types.AutoCancelled, now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	active, err = s.ActiveAutoOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("active rows after terminal transitions = %d, want 0", len(active))
	}
}

func TestAutoOrderTrailUpdate(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	trail := types.AutoOrder{
		ID:              "AUTO_trail",
		TokenID:         "tok1",
		Side:            types.YES,
		Type:            types.TrailingStop,
		Size:            50,
		TriggerPrice:    0.45,
		TrailingPercent: 0.10,
		HighestPrice:    0.50,
		State:           types.AutoActive,
		CreatedAt:       now,
	}
	if err := s.UpsertAutoOrder(ctx, trail); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAutoOrderTrail(ctx, trail.ID, 0.60, 0.54); err != nil {
		t.Fatalf("UpdateAutoOrderTrail: %v", err)
	}

	active, err := s.ActiveAutoOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("active rows = %d, want 1", len(active))
	}
	if math.Abs(active[0].HighestPrice-0.60) > 1e-9 || math.Abs(active[0].TriggerPrice-0.54) > 1e-9 {
		t.Errorf("trail = %v/%v, want 0.60/0.54", active[0].HighestPrice, active[0].TriggerPrice)
	}
	if math.Abs(active[0].TrailingPercent-0.10) > 1e-9 {
		t.Errorf("TrailingPercent = %v, want 0.10", active[0].TrailingPercent)
	}
}

func TestStateKV(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.GetState(ctx, "missing"); err != nil || found {
		t.Errorf("GetState(missing) = found=%v err=%v, want absent", found, err)
	}

	if err := s.SetStateFloat(ctx, "pnl_day", -12.5); err != nil {
		t.Fatalf("SetStateFloat: %v", err)
	}
	got, found, err := s.GetStateFloat(ctx, "pnl_day")
	if err != nil || !found {
		t.Fatalf("GetStateFloat: found=%v err=%v", found, err)
	}
	if got != -12.5 {
		t.Errorf("GetStateFloat = %v, want -12.5", got)
	}

	// Overwrite under the same key.
	if err := s.SetStateFloat(ctx, "pnl_day", 3.25); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.GetStateFloat(ctx, "pnl_day")
	if got != 3.25 {
		t.Errorf("GetStateFloat after overwrite = %v, want 3.25", got)
	}

	type blob struct {
		Day   string  `json:"day"`
		Value float64 `json:"value"`
	}
	if err := s.SetJSON(ctx, "baseline", blob{Day: "2025-06-01", Value: 100}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var out blob
	found, err = s.GetJSON(ctx, "baseline", &out)
	if err != nil || !found {
		t.Fatalf("GetJSON: found=%v err=%v", found, err)
	}
	if out.Day != "2025-06-01" || out.Value != 100 {
		t.Errorf("GetJSON = %+v", out)
	}
}

func TestStatsCountsRows(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendTrade(ctx, types.Trade{TokenID: "tok1", Side: types.YES, Action: types.BUY, Size: 1, Price: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetState(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats["trades"] != 1 {
		t.Errorf("trades count = %d, want 1", stats["trades"])
	}
	if stats["bot_state"] != 1 {
		t.Errorf("bot_state count = %d, want 1", stats["bot_state"])
	}
	if stats["positions"] != 0 {
		t.Errorf("positions count = %d, want 0", stats["positions"])
	}
}
