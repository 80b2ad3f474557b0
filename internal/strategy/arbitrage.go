package strategy

import (
	"context"
	"fmt"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	// arbSumScreen is the listing-price pre-screen: YES+NO at or above
	// this can never clear fees, so the orderbook fetch is skipped.
	arbSumScreen    = 0.995
	arbMinProfitPct = 1.5
	arbFeeEstimate  = 0.002 // per-side taker fee as a fraction
)

// Arbitrage finds markets where buying both outcomes costs less than
// the guaranteed $1 payout. Listing prices only pre-screen candidates;
// the signal is confirmed against live best asks on both legs.
func Arbitrage(ctx context.Context, env *Env, markets []types.Market) []types.Signal {
	return arbitrageSignals(ctx, env, markets, arbMinProfitPct, arbFeeEstimate)
}

func arbitrageSignals(ctx context.Context, env *Env, markets []types.Market, minProfitPct, feeEstimate float64) []types.Signal {
	if env.Books == nil {
		return nil
	}

	var signals []types.Signal
	for _, m := range markets {
		if m.PriceYes+m.PriceNo >= arbSumScreen {
			continue
		}

		yesAsk, ok := bestAskPrice(ctx, env, m.TokenYes)
		if !ok {
			continue
		}
		noAsk, ok := bestAskPrice(ctx, env, m.TokenNo)
		if !ok {
			continue
		}

		combined := yesAsk + noAsk
		fees := combined * feeEstimate * 2 // buying both legs
		netProfitPct := (1.0 - combined - fees) * 100
		if netProfitPct < minProfitPct {
			continue
		}

		signals = append(signals, types.Signal{
			Market:     m,
			Side:       types.ARB,
			Strategy:   "arbitrage",
			EdgePct:    netProfitPct,
			Confidence: 0.95,
			EntryPrice: combined,
			Reason: fmt.Sprintf("buy YES@%.3f + NO@%.3f = %.3f, net %.2f%% after fees",
				yesAsk, noAsk, combined, netProfitPct),
		})
	}
	return signals
}

func bestAskPrice(ctx context.Context, env *Env, tokenID string) (float64, bool) {
	book, err := env.Books.GetOrderBook(ctx, tokenID)
	if err != nil {
		return 0, false
	}
	ask, ok := book.BestAsk()
	if !ok {
		return 0, false
	}
	return ask.Price, true
}
