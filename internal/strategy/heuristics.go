package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// Favorites and Underdogs are liquidity-gated price filters, not true
// edge strategies. Their confidence is deliberately low so they only
// surface when nothing better is on the board.

const (
	heuristicMinVolume = 100000.0
	// Confidence saturates once volume reaches this level.
	heuristicVolumeSaturation = 500000.0

	favoriteMinPrice = 0.65
	favoriteMaxPrice = 0.85
	underdogMinPrice = 0.20
	underdogMaxPrice = 0.40
)

// Favorites surfaces liquid high-probability outcomes. The bet is that
// a heavily traded 65-85% price is informationally efficient.
func Favorites(ctx context.Context, env *Env, markets []types.Market) []types.Signal {
	var signals []types.Signal
	for _, m := range markets {
		if m.Volume < heuristicMinVolume {
			continue
		}
		for _, side := range []types.Side{types.YES, types.NO} {
			price := m.PriceFor(side)
			if price < favoriteMinPrice || price > favoriteMaxPrice {
				continue
			}
			volFactor := math.Min(m.Volume/heuristicVolumeSaturation, 1.0)
			signals = append(signals, types.Signal{
				Market:     m,
				Side:       side,
				Strategy:   "favorites",
				EdgePct:    (price - 0.50) * 100,
				Confidence: 0.35 + 0.15*volFactor,
				EntryPrice: price,
				Reason: fmt.Sprintf("%s at %.0f%% with $%.0f volume, crowd favorite heuristic",
					side, price*100, m.Volume),
			})
		}
	}
	return signals
}

// Underdogs surfaces liquid low-probability outcomes, the risk-seeking
// mirror of Favorites.
func Underdogs(ctx context.Context, env *Env, markets []types.Market) []types.Signal {
	var signals []types.Signal
	for _, m := range markets {
		if m.Volume < heuristicMinVolume {
			continue
		}
		for _, side := range []types.Side{types.YES, types.NO} {
			price := m.PriceFor(side)
			if price < underdogMinPrice || price > underdogMaxPrice {
				continue
			}
			volFactor := math.Min(m.Volume/heuristicVolumeSaturation, 1.0)
			signals = append(signals, types.Signal{
				Market:     m,
				Side:       side,
				Strategy:   "underdogs",
				EdgePct:    (0.50 - price) * 100,
				Confidence: 0.30 + 0.10*volFactor,
				EntryPrice: price,
				Reason: fmt.Sprintf("%s underdog at %.0f%% with $%.0f volume, risk-seeking heuristic",
					side, price*100, m.Volume),
			})
		}
	}
	return signals
}
