// Package strategy turns scanned markets into ranked trade signals.
//
// A strategy is a pure function over a slice of markets plus whatever
// read-only context it needs: stored price history, live orderbooks,
// external odds consensus. Strategies never place orders and never
// mutate state; they emit Signals that the engine sizes, risk-checks,
// and executes.
//
// The dispatcher runs a configured subset of strategies, drops signals
// below the minimum edge, deduplicates by (market, side) keeping the
// higher score, and returns the top N sorted by score.
package strategy

import (
	"context"
	"log/slog"
	"sort"

	"github.com/jaboofin/polyclaudev3/internal/odds"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// History serves stored price snapshots. Satisfied by *store.Store.
// limit <= 0 means no cap; results are chronological, oldest first.
type History interface {
	Snapshots(ctx context.Context, tokenID string, lastHours float64, limit int) ([]types.PriceSnapshot, error)
}

// Books serves live orderbooks. Satisfied by *exchange.Client.
type Books interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error)
}

// OddsSource serves external sportsbook consensus. Satisfied by
// *odds.Client. Available is false when no API key is configured.
type OddsSource interface {
	Available() bool
	AllConsensus(ctx context.Context) []odds.Consensus
}

// Env carries the read-only dependencies strategies draw on. Logger
// must be set; the data sources may be nil, which silently disables
// the strategies that need them (scan-only setups run without an
// authenticated exchange client or an odds key).
type Env struct {
	History History
	Books   Books
	Odds    OddsSource
	Logger  *slog.Logger
}

// Func is a strategy implementation. It must tolerate partial data:
// per-market lookup failures skip that market, never abort the scan.
type Func func(ctx context.Context, env *Env, markets []types.Market) []types.Signal

var registry = map[string]Func{
	"momentum":       Momentum,
	"arbitrage":      Arbitrage,
	"value_sports":   ValueSports,
	"mean_reversion": MeanReversion,
	"favorites":      Favorites,
	"underdogs":      Underdogs,
}

// aliases maps legacy config names to canonical registry entries.
var aliases = map[string]string{
	"value": "value_sports",
}

// defaultMaxResults caps dispatcher output when the caller passes a
// non-positive limit.
const defaultMaxResults = 10

// Names returns the canonical strategy names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolve(name string) (Func, string, bool) {
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	fn, ok := registry[name]
	return fn, name, ok
}

// FindSignals runs the named strategies over markets and merges their
// output. Empty names runs every registered strategy. Unknown names
// are skipped with a warning, and a panic inside one strategy is
// contained so the others still run. Signals with edge below
// minEdgePct are dropped; the survivors are deduplicated per
// (market, side) keeping the higher score, sorted by score descending,
// and capped at maxResults.
func FindSignals(ctx context.Context, env *Env, markets []types.Market, names []string, minEdgePct float64, maxResults int) []types.Signal {
	if len(names) == 0 {
		names = Names()
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	var all []types.Signal
	for _, name := range names {
		fn, canonical, ok := resolve(name)
		if !ok {
			env.Logger.Warn("unknown strategy", "strategy", name)
			continue
		}
		all = append(all, runStrategy(ctx, env, canonical, fn, markets)...)
	}

	best := make(map[string]types.Signal)
	for _, s := range all {
		if s.EdgePct < minEdgePct {
			continue
		}
		key := s.Market.ID + "|" + string(s.Side)
		if cur, ok := best[key]; !ok || s.Score() > cur.Score() {
			best[key] = s
		}
	}

	out := make([]types.Signal, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sortByScore(out)
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// runStrategy invokes fn and converts a panic into an empty result so
// one broken strategy cannot take down the scan cycle.
func runStrategy(ctx context.Context, env *Env, name string, fn Func, markets []types.Market) (signals []types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error("strategy panicked", "strategy", name, "panic", r)
			signals = nil
		}
	}()
	return fn(ctx, env, markets)
}

// sortByScore orders signals by score descending with deterministic
// tie-breaks on market ID and side.
func sortByScore(signals []types.Signal) {
	sort.Slice(signals, func(i, j int) bool {
		si, sj := signals[i].Score(), signals[j].Score()
		if si != sj {
			return si > sj
		}
		if signals[i].Market.ID != signals[j].Market.ID {
			return signals[i].Market.ID < signals[j].Market.ID
		}
		return signals[i].Side < signals[j].Side
	})
}
