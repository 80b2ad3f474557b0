package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	momentumLookbackHours  = 4.0
	momentumMinSnapshots   = 3
	momentumMinMovePct     = 5.0
	momentumMinConsistency = 0.65
)

// Momentum finds markets whose YES price has moved consistently in one
// direction over the lookback window. A sustained rise buys YES, a
// sustained fall buys NO. Snapshots are stored under the YES token, so
// the YES history drives both sides.
func Momentum(ctx context.Context, env *Env, markets []types.Market) []types.Signal {
	return momentumSignals(ctx, env, markets, momentumLookbackHours, momentumMinSnapshots, momentumMinMovePct, momentumMinConsistency)
}

func momentumSignals(ctx context.Context, env *Env, markets []types.Market, lookbackHours float64, minSnapshots int, minMovePct, minConsistency float64) []types.Signal {
	if env.History == nil {
		return nil
	}

	var signals []types.Signal
	for _, m := range markets {
		// Near-resolution markets (price outside [0.10, 0.90]) have no
		// room left for a momentum trade.
		if m.PriceYes < 0.10 || m.PriceYes > 0.90 {
			continue
		}

		snaps, err := env.History.Snapshots(ctx, m.TokenYes, lookbackHours, 0)
		if err != nil {
			env.Logger.Warn("price history unavailable", "market", m.ID, "error", err)
			continue
		}
		if len(snaps) < minSnapshots {
			continue
		}

		first := snaps[0].PriceYes
		last := snaps[len(snaps)-1].PriceYes
		if first <= 0 {
			continue
		}

		move := last - first
		movePct := math.Abs(move/first) * 100
		if movePct < minMovePct {
			continue
		}

		// Consistency: fraction of consecutive deltas that agree with
		// the direction of the net move. Flat intervals count against.
		direction := 1.0
		if move < 0 {
			direction = -1.0
		}
		intervals := len(snaps) - 1
		agreeing := 0
		for i := 0; i < intervals; i++ {
			if (snaps[i+1].PriceYes-snaps[i].PriceYes)*direction > 0 {
				agreeing++
			}
		}
		consistency := float64(agreeing) / float64(intervals)
		if consistency < minConsistency {
			continue
		}

		// Big moves decay: a 50%+ move has mostly already happened.
		decay := math.Max(0.3, 1.0-movePct/50)
		edge := movePct * consistency * decay

		side := types.YES
		reason := fmt.Sprintf("YES moved +%.1f%% over %.0fh (%d/%d intervals consistent)",
			movePct, lookbackHours, agreeing, intervals)
		if direction < 0 {
			side = types.NO
			reason = fmt.Sprintf("YES fell %.1f%% over %.0fh, buying NO (%d/%d intervals consistent)",
				movePct, lookbackHours, agreeing, intervals)
		}

		signals = append(signals, types.Signal{
			Market:     m,
			Side:       side,
			Strategy:   "momentum",
			EdgePct:    edge,
			Confidence: math.Min(consistency, 0.95),
			EntryPrice: m.PriceFor(side),
			Reason:     reason,
		})
	}
	return signals
}
