package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	reversionLookbackHours = 12.0
	reversionMinSnapshots  = 5
	reversionMinSpikePct   = 10.0
	reversionWindowHours   = 2.0
)

// MeanReversion bets against sudden spikes: when the current YES price
// sits far from its lookback average AND most of that move happened
// within the last couple of hours, it fades the move. Slow sustained
// trends fail the recency check and are left to the momentum strategy.
func MeanReversion(ctx context.Context, env *Env, markets []types.Market) []types.Signal {
	return reversionSignals(ctx, env, markets, time.Now().UTC(), reversionLookbackHours, reversionMinSnapshots, reversionMinSpikePct)
}

func reversionSignals(ctx context.Context, env *Env, markets []types.Market, now time.Time, lookbackHours float64, minSnapshots int, minSpikePct float64) []types.Signal {
	if env.History == nil {
		return nil
	}
	cutoff := now.Add(-time.Duration(reversionWindowHours * float64(time.Hour)))

	var signals []types.Signal
	for _, m := range markets {
		current := m.PriceYes
		if current < 0.10 || current > 0.90 {
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

		sum := 0.0
		for _, s := range snaps {
			sum += s.PriceYes
		}
		avg := sum / float64(len(snaps))
		if avg <= 0 {
			continue
		}

		deviationPct := (current - avg) / avg * 100
		if math.Abs(deviationPct) < minSpikePct {
			continue
		}

		// The spike must be recent: most of the deviation has to come
		// from the move inside the reversion window.
		var recent []types.PriceSnapshot
		for _, s := range snaps {
			if !s.Timestamp.Before(cutoff) {
				recent = append(recent, s)
			}
		}
		if len(recent) < 2 {
			continue
		}
		firstRecent := recent[0].PriceYes
		if firstRecent <= 0 {
			continue
		}
		recentMovePct := math.Abs((recent[len(recent)-1].PriceYes-firstRecent)/firstRecent) * 100
		if recentMovePct < minSpikePct*0.6 {
			continue
		}

		// Expect roughly half the spike to retrace.
		edge := math.Abs(deviationPct) * 0.5

		if deviationPct > 0 {
			signals = append(signals, types.Signal{
				Market:     m,
				Side:       types.NO,
				Strategy:   "mean_reversion",
				EdgePct:    edge,
				Confidence: 0.55,
				EntryPrice: m.PriceNo,
				Reason: fmt.Sprintf("YES spiked %+.1f%% vs %.0fh avg (avg %.3f, now %.3f), expecting partial reversion",
					deviationPct, lookbackHours, avg, current),
			})
		} else {
			signals = append(signals, types.Signal{
				Market:     m,
				Side:       types.YES,
				Strategy:   "mean_reversion",
				EdgePct:    edge,
				Confidence: 0.55,
				EntryPrice: current,
				Reason: fmt.Sprintf("YES dropped %.1f%% vs %.0fh avg (avg %.3f, now %.3f), expecting partial reversion",
					deviationPct, lookbackHours, avg, current),
			})
		}
	}
	return signals
}
