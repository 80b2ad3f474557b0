package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jaboofin/polyclaudev3/internal/odds"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const valueMinEdgePct = 8.0

// sportsKeywords marks a market as sports-related when its category
// does not already say so.
var sportsKeywords = []string{
	"win", "championship", "super bowl", "nba", "nfl", "mlb", "nhl",
	"playoffs", "finals", "game", "match", "vs", "premier league",
	"ufc", "mma", "tennis",
}

// winVerbs split a question into subject and object: the team named
// before the verb is the one the YES side resolves on.
var winVerbs = []string{"win", "beat", "defeat"}

// ValueSports compares Polymarket sports prices to external sportsbook
// consensus. Returns nothing when no odds provider is configured.
func ValueSports(ctx context.Context, env *Env, markets []types.Market) []types.Signal {
	return valueSignals(ctx, env, markets, valueMinEdgePct)
}

func valueSignals(ctx context.Context, env *Env, markets []types.Market, minEdgePct float64) []types.Signal {
	if env.Odds == nil || !env.Odds.Available() {
		return nil
	}
	events := env.Odds.AllConsensus(ctx)
	if len(events) == 0 {
		return nil
	}

	var signals []types.Signal
	for _, m := range markets {
		if !isSportsMarket(m) {
			continue
		}
		prob, c, ok := matchConsensus(m, events)
		if !ok {
			continue
		}

		// Positive edge: the books think YES is likelier than the
		// market prices it.
		edge := (prob - m.PriceYes) * 100
		if math.Abs(edge) < minEdgePct {
			continue
		}

		side := types.YES
		if edge < 0 {
			side = types.NO
		}
		signals = append(signals, types.Signal{
			Market:     m,
			Side:       side,
			Strategy:   "value_sports",
			EdgePct:    math.Abs(edge),
			Confidence: math.Min(float64(c.Books)/8, 1.0),
			EntryPrice: m.PriceFor(side),
			Reason: fmt.Sprintf("%s: %.0f%% vs market %.0f%%, %s underpriced by %.1f%%",
				c.Source, prob*100, m.PriceYes*100, side, math.Abs(edge)),
		})
	}
	return signals
}

func isSportsMarket(m types.Market) bool {
	if strings.Contains(strings.ToLower(m.Category), "sports") {
		return true
	}
	q := strings.ToLower(m.Question)
	for _, kw := range sportsKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// matchConsensus pairs a market with an external event by team names.
// When both teams appear in the question, YES is the team mentioned
// before the win/beat/defeat verb. A question naming only one of the
// two teams ("Will the Knicks win?") assigns YES to that team.
func matchConsensus(m types.Market, events []odds.Consensus) (float64, odds.Consensus, bool) {
	question := strings.ToLower(m.Question)

	for _, ev := range events {
		var mentioned []string
		for _, team := range ev.Teams {
			if team != "" && strings.Contains(question, strings.ToLower(team)) {
				mentioned = append(mentioned, team)
			}
		}

		switch len(mentioned) {
		case 0:
			continue
		case 1:
			if p, ok := ev.Probabilities[mentioned[0]]; ok {
				return p, ev, true
			}
		default:
			verbPos := len(question)
			for _, verb := range winVerbs {
				if i := strings.Index(question, verb); i >= 0 && i < verbPos {
					verbPos = i
				}
			}
			for _, team := range ev.Teams {
				pos := strings.Index(question, strings.ToLower(team))
				if pos < 0 || pos >= verbPos {
					continue
				}
				if p, ok := ev.Probabilities[team]; ok {
					return p, ev, true
				}
			}
		}
	}
	return 0, odds.Consensus{}, false
}
