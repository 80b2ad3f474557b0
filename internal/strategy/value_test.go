package strategy

import (
	"context"
	"fmt"
	"testing"

	"github.com/jaboofin/polyclaudev3/internal/odds"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

func nbaConsensus(teamA, teamB string, probA float64, books int) odds.Consensus {
	return odds.Consensus{
		Teams:         [2]string{teamA, teamB},
		Sport:         "basketball_nba",
		Probabilities: map[string]float64{teamA: probA, teamB: 1 - probA},
		Books:         books,
		Source:        fmt.Sprintf("consensus (%d books)", books),
	}
}

func sportsMarket(id, question string, priceYes float64) types.Market {
	m := testMarket(id, priceYes)
	m.Question = question
	m.Category = "sports"
	return m
}

func TestValueSportsBuysUnderpricedYes(t *testing.T) {
	t.Parallel()

	src := &fakeOdds{
		available: true,
		events:    []odds.Consensus{nbaConsensus("Knicks", "Celtics", 0.62, 6)},
	}
	m := sportsMarket("m1", "Will the Knicks beat the Celtics?", 0.50)

	env := newTestEnv(nil, nil, src)
	sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1: %+v", len(sigs), sigs)
	}

	sig := sigs[0]
	if sig.Side != types.YES || sig.Strategy != "value_sports" {
		t.Fatalf("got %s/%s, want YES/value_sports", sig.Side, sig.Strategy)
	}
	if !near(sig.EdgePct, 12.0) {
		t.Fatalf("EdgePct = %v, want 12.0", sig.EdgePct)
	}
	if !near(sig.Confidence, 0.75) { // 6 books / 8
		t.Fatalf("Confidence = %v, want 0.75", sig.Confidence)
	}
	if !near(sig.EntryPrice, 0.50) {
		t.Fatalf("EntryPrice = %v, want 0.50", sig.EntryPrice)
	}
}

func TestValueSportsBuysNoWhenYesOverpriced(t *testing.T) {
	t.Parallel()

	src := &fakeOdds{
		available: true,
		events:    []odds.Consensus{nbaConsensus("Knicks", "Celtics", 0.40, 10)},
	}
	m := sportsMarket("m1", "Will the Knicks beat the Celtics?", 0.55)

	env := newTestEnv(nil, nil, src)
	sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1: %+v", len(sigs), sigs)
	}

	sig := sigs[0]
	if sig.Side != types.NO {
		t.Fatalf("Side = %s, want NO", sig.Side)
	}
	if !near(sig.EdgePct, 15.0) {
		t.Fatalf("EdgePct = %v, want 15.0", sig.EdgePct)
	}
	if !near(sig.Confidence, 1.0) { // 10 books capped at 1.0
		t.Fatalf("Confidence = %v, want 1.0", sig.Confidence)
	}
	if !near(sig.EntryPrice, 0.45) {
		t.Fatalf("EntryPrice = %v, want PriceNo 0.45", sig.EntryPrice)
	}
}

func TestValueSportsVerbPicksSubjectTeam(t *testing.T) {
	t.Parallel()

	// Consensus lists Knicks first, but the question's subject is the
	// Celtics: YES must resolve on the Celtics' 38%.
	src := &fakeOdds{
		available: true,
		events:    []odds.Consensus{nbaConsensus("Knicks", "Celtics", 0.62, 8)},
	}
	m := sportsMarket("m1", "Will the Celtics beat the Knicks?", 0.50)

	env := newTestEnv(nil, nil, src)
	sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1: %+v", len(sigs), sigs)
	}
	if sigs[0].Side != types.NO {
		t.Fatalf("Side = %s, want NO (books say 38%% vs market 50%%)", sigs[0].Side)
	}
	if !near(sigs[0].EdgePct, 12.0) {
		t.Fatalf("EdgePct = %v, want 12.0", sigs[0].EdgePct)
	}
}

func TestValueSportsSingleTeamFallback(t *testing.T) {
	t.Parallel()

	src := &fakeOdds{
		available: true,
		events:    []odds.Consensus{nbaConsensus("Lakers", "Suns", 0.70, 8)},
	}
	m := sportsMarket("m1", "Will the Lakers win the NBA championship?", 0.55)

	env := newTestEnv(nil, nil, src)
	sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0)
	if len(sigs) != 1 {
		t.Fatalf("got %d signals, want 1: %+v", len(sigs), sigs)
	}
	if sigs[0].Side != types.YES || !near(sigs[0].EdgePct, 15.0) {
		t.Fatalf("got %s edge %v, want YES edge 15.0", sigs[0].Side, sigs[0].EdgePct)
	}
}

func TestValueSportsRequiresProvider(t *testing.T) {
	t.Parallel()

	m := sportsMarket("m1", "Will the Knicks beat the Celtics?", 0.50)

	src := &fakeOdds{available: false}
	env := newTestEnv(nil, nil, src)
	if sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0); sigs != nil {
		t.Fatalf("got %+v with unavailable provider, want nil", sigs)
	}
	if src.calls != 0 {
		t.Fatalf("consensus fetched %d times, want 0", src.calls)
	}

	env = newTestEnv(nil, nil, nil)
	if sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0); sigs != nil {
		t.Fatalf("got %+v with nil provider, want nil", sigs)
	}
}

func TestValueSportsSkipsSmallEdge(t *testing.T) {
	t.Parallel()

	src := &fakeOdds{
		available: true,
		events:    []odds.Consensus{nbaConsensus("Knicks", "Celtics", 0.55, 6)},
	}
	m := sportsMarket("m1", "Will the Knicks beat the Celtics?", 0.50)

	env := newTestEnv(nil, nil, src)
	if sigs := valueSignals(context.Background(), env, []types.Market{m}, 8.0); len(sigs) != 0 {
		t.Fatalf("got %d signals for a 5%% edge, want none", len(sigs))
	}
}
