package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// A preset is a named transform over the auto-trade knobs. Values are
// starting points for an operator, not guarantees of profitability.
type preset func(*Config)

var presets = map[string]preset{
	// Arbitrage only, small bets, slow cycle.
	"conservative": func(c *Config) {
		c.AutoTrade.Strategies = []string{"arbitrage"}
		c.AutoTrade.MinEdgePct = 10
		c.AutoTrade.MaxBetSize = 5
		c.AutoTrade.MaxOpenPositions = 3
		c.AutoTrade.TakeProfitPct = 20
		c.AutoTrade.StopLossPct = 10
		c.AutoTrade.ScanInterval = 10 * time.Minute
	},
	// The default mix.
	"balanced": func(c *Config) {
		c.AutoTrade.Strategies = []string{"momentum", "arbitrage", "value"}
		c.AutoTrade.MinEdgePct = 8
		c.AutoTrade.MaxBetSize = 10
		c.AutoTrade.MaxOpenPositions = 5
		c.AutoTrade.TakeProfitPct = 30
		c.AutoTrade.StopLossPct = 15
		c.AutoTrade.ScanInterval = 5 * time.Minute
	},
	// Everything on, wider exits, faster cycle.
	"aggressive": func(c *Config) {
		c.AutoTrade.Strategies = []string{"momentum", "arbitrage", "value", "mean_reversion"}
		c.AutoTrade.MinEdgePct = 5
		c.AutoTrade.MaxBetSize = 25
		c.AutoTrade.MaxOpenPositions = 8
		c.AutoTrade.TakeProfitPct = 50
		c.AutoTrade.StopLossPct = 20
		c.AutoTrade.ScanInterval = 3 * time.Minute
	},
	// Quick in, quick out on arbitrage edges.
	"scalper": func(c *Config) {
		c.AutoTrade.Strategies = []string{"arbitrage"}
		c.AutoTrade.MinEdgePct = 2
		c.AutoTrade.MaxBetSize = 15
		c.AutoTrade.MaxOpenPositions = 10
		c.AutoTrade.TakeProfitPct = 10
		c.AutoTrade.StopLossPct = 5
		c.AutoTrade.MaxHoldHours = 6
		c.AutoTrade.ScanInterval = time.Minute
	},
	// Sports resolving within a day, odds-driven.
	"sports_tonight": func(c *Config) {
		c.AutoTrade.Strategies = []string{"value"}
		c.AutoTrade.Categories = []string{"sports"}
		c.AutoTrade.MinEdgePct = 8
		c.AutoTrade.MinHoursToResolution = 1
		c.AutoTrade.MaxDaysByCategory = map[string]int{"sports": 1}
		c.AutoTrade.TakeProfitPct = 40
		c.AutoTrade.StopLossPct = 20
		c.AutoTrade.MaxHoldHours = 12
		c.AutoTrade.ScanInterval = 2 * time.Minute
	},
}

// PresetNames returns the available preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset overlays a named preset onto the config. Unknown names are an
// error listing the valid choices.
func (c *Config) ApplyPreset(name string) error {
	p, ok := presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q (valid: %s)", name, strings.Join(PresetNames(), ", "))
	}
	p(c)
	return nil
}
