package strategy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jaboofin/polyclaudev3/internal/odds"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// fakeBooks serves canned orderbooks and counts fetches.
type fakeBooks struct {
	books map[string]*types.OrderBook
	calls int
}

func (f *fakeBooks) GetOrderBook(_ context.Context, tokenID string) (*types.OrderBook, error) {
	f.calls++
	book, ok := f.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("no book for token %s", tokenID)
	}
	return book, nil
}

// fakeOdds serves canned sportsbook consensus.
type fakeOdds struct {
	available bool
	events    []odds.Consensus
	calls     int
}

func (f *fakeOdds) Available() bool { return f.available }

func (f *fakeOdds) AllConsensus(context.Context) []odds.Consensus {
	f.calls++
	return f.events
}

func newTestEnv(history History, books Books, src OddsSource) *Env {
	return &Env{
		History: history,
		Books:   books,
		Odds:    src,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newHistory(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "strategy.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedSnapshots appends one snapshot per price, step apart, starting at base.
func seedSnapshots(t *testing.T, st *store.Store, tokenID string, base time.Time, step time.Duration, prices []float64) {
	t.Helper()
	for i, p := range prices {
		snap := types.PriceSnapshot{
			TokenID:   tokenID,
			Timestamp: base.Add(time.Duration(i) * step),
			PriceYes:  p,
			PriceNo:   1 - p,
		}
		if err := st.AppendSnapshot(context.Background(), snap); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}
}

func testMarket(id string, priceYes float64) types.Market {
	return types.Market{
		ID:       id,
		Question: "Will it settle YES?",
		TokenYes: id + "-yes",
		TokenNo:  id + "-no",
		PriceYes: priceYes,
		PriceNo:  1 - priceYes,
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestNamesSorted(t *testing.T) {
	t.Parallel()

	want := []string{"arbitrage", "favorites", "mean_reversion", "momentum", "underdogs", "value_sports"}
	if got := Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

func TestFindSignalsRunsAllWithNilSources(t *testing.T) {
	t.Parallel()

	// No history, books, or odds: only the heuristic strategies can
	// emit. maxResults 0 falls back to the default cap.
	env := newTestEnv(nil, nil, nil)
	m := testMarket("m1", 0.80)
	m.Volume = 600000

	sigs := FindSignals(context.Background(), env, []types.Market{m}, nil, 5.0, 0)
	if len(sigs) != 2 {
		t.Fatalf("got %d signals, want 2 (favorites YES + underdogs NO): %+v", len(sigs), sigs)
	}
	byStrategy := map[string]types.Side{}
	for _, s := range sigs {
		byStrategy[s.Strategy] = s.Side
	}
	if byStrategy["favorites"] != types.YES || byStrategy["underdogs"] != types.NO {
		t.Fatalf("unexpected signal mix: %v", byStrategy)
	}
}

func TestFindSignalsDedupesKeepingHigherScore(t *testing.T) {
	t.Parallel()

	st := newHistory(t)
	m := testMarket("m1", 0.70)
	m.Volume = 600000

	// Momentum: 40% move with decay floor 0.3 gives edge 12 at
	// confidence 0.95 (score 11.4). Favorites: edge 20 at confidence
	// 0.50 (score 10.0). Same (market, side) key, momentum must win.
	now := time.Now().UTC()
	seedSnapshots(t, st, m.TokenYes, now.Add(-3*time.Hour), time.Hour, []float64{0.50, 0.60, 0.70})

	env := newTestEnv(st, nil, nil)
	sigs := FindSignals(context.Background(), env, []types.Market{m}, []string{"favorites", "momentum"}, 5.0, 10)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1 after dedupe: %+v", len(sigs), sigs)
	}
	if sigs[0].Strategy != "momentum" {
		t.Fatalf("dedupe kept %q, want momentum", sigs[0].Strategy)
	}
	if !near(sigs[0].EdgePct, 12.0) {
		t.Fatalf("EdgePct = %v, want 12.0", sigs[0].EdgePct)
	}
}

func TestFindSignalsFiltersMinEdge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(nil, nil, nil)
	strong := testMarket("m1", 0.80) // favorites edge 30
	strong.Volume = 600000
	weak := testMarket("m2", 0.70) // favorites edge 20
	weak.Volume = 600000

	sigs := FindSignals(context.Background(), env, []types.Market{strong, weak}, []string{"favorites"}, 25.0, 10)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1 above edge 25: %+v", len(sigs), sigs)
	}
	if sigs[0].Market.ID != "m1" {
		t.Fatalf("kept %s, want m1", sigs[0].Market.ID)
	}
}

func TestFindSignalsSortsAndCaps(t *testing.T) {
	t.Parallel()

	env := newTestEnv(nil, nil, nil)
	var markets []types.Market
	for i, price := range []float64{0.66, 0.84, 0.75} {
		m := testMarket(fmt.Sprintf("m%d", i+1), price)
		m.Volume = 600000
		markets = append(markets, m)
	}

	sigs := FindSignals(context.Background(), env, markets, []string{"favorites"}, 5.0, 2)
	if len(sigs) != 2 {
		t.Fatalf("got %d signals, want cap of 2", len(sigs))
	}
	// Scores: m2 (edge 34) > m3 (edge 25) > m1 (edge 16).
	if sigs[0].Market.ID != "m2" || sigs[1].Market.ID != "m3" {
		t.Fatalf("got order [%s %s], want [m2 m3]", sigs[0].Market.ID, sigs[1].Market.ID)
	}
	if sigs[0].Score() < sigs[1].Score() {
		t.Fatalf("signals not sorted by score: %v < %v", sigs[0].Score(), sigs[1].Score())
	}
}

func TestFindSignalsSkipsUnknownStrategy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(nil, nil, nil)
	m := testMarket("m1", 0.80)
	m.Volume = 600000

	sigs := FindSignals(context.Background(), env, []types.Market{m}, []string{"nope", "favorites"}, 5.0, 10)
	if len(sigs) != 1 || sigs[0].Strategy != "favorites" {
		t.Fatalf("unknown strategy not skipped cleanly: %+v", sigs)
	}
}

func TestFindSignalsResolvesValueAlias(t *testing.T) {
	t.Parallel()

	src := &fakeOdds{
		available: true,
		events: []odds.Consensus{{
			Teams:         [2]string{"Knicks", "Celtics"},
			Probabilities: map[string]float64{"Knicks": 0.62, "Celtics": 0.38},
			Books:         6,
			Source:        "consensus (6 books)",
		}},
	}
	m := testMarket("m1", 0.50)
	m.Question = "Will the Knicks beat the Celtics?"
	m.Category = "sports"

	env := newTestEnv(nil, nil, src)
	sigs := FindSignals(context.Background(), env, []types.Market{m}, []string{"value"}, 5.0, 10)
	if len(sigs) != 1 || sigs[0].Strategy != "value_sports" {
		t.Fatalf("alias did not resolve to value_sports: %+v", sigs)
	}
}

func TestRunStrategyContainsPanic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(nil, nil, nil)
	boom := func(context.Context, *Env, []types.Market) []types.Signal {
		panic("boom")
	}
	if got := runStrategy(context.Background(), env, "boom", boom, nil); got != nil {
		t.Fatalf("panicking strategy returned %+v, want nil", got)
	}
}
