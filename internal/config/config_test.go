package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Wallet.ChainID != 137 {
		t.Errorf("ChainID = %d, want 137", cfg.Wallet.ChainID)
	}
	if cfg.API.CLOBBaseURL != "https://clob.polymarket.com" {
		t.Errorf("CLOBBaseURL = %q", cfg.API.CLOBBaseURL)
	}
	if cfg.API.RateLimit != 10 {
		t.Errorf("RateLimit = %v, want 10", cfg.API.RateLimit)
	}
	if cfg.Safety.MaxSpreadBps != 150 {
		t.Errorf("MaxSpreadBps = %v, want 150", cfg.Safety.MaxSpreadBps)
	}
	if cfg.Safety.IntentTTLSeconds != 300 {
		t.Errorf("IntentTTLSeconds = %d, want 300", cfg.Safety.IntentTTLSeconds)
	}
	if cfg.AutoTrade.ScanInterval != 5*time.Minute {
		t.Errorf("ScanInterval = %v, want 5m", cfg.AutoTrade.ScanInterval)
	}
	if cfg.Tracker.OrderTTLSeconds != 1800 {
		t.Errorf("OrderTTLSeconds = %d, want 1800", cfg.Tracker.OrderTTLSeconds)
	}
	if got := len(cfg.Odds.SportKeys); got != 7 {
		t.Errorf("len(SportKeys) = %d, want 7", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v, want nil", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dry_run: true
trading:
  max_trade_size: 250
auto_trade:
  strategies: [arbitrage]
  scan_interval: 90s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.DryRun {
		t.Error("DryRun = false, want true")
	}
	if cfg.Trading.MaxTradeSize != 250 {
		t.Errorf("MaxTradeSize = %v, want 250", cfg.Trading.MaxTradeSize)
	}
	if len(cfg.AutoTrade.Strategies) != 1 || cfg.AutoTrade.Strategies[0] != "arbitrage" {
		t.Errorf("Strategies = %v, want [arbitrage]", cfg.AutoTrade.Strategies)
	}
	if cfg.AutoTrade.ScanInterval != 90*time.Second {
		t.Errorf("ScanInterval = %v, want 90s", cfg.AutoTrade.ScanInterval)
	}
	// File overrides one section; untouched sections keep defaults.
	if cfg.Trading.MaxTotalExposure != 1000 {
		t.Errorf("MaxTotalExposure = %v, want default 1000", cfg.Trading.MaxTotalExposure)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "0xabc123")
	t.Setenv("MAX_TRADE_SIZE", "42.5")
	t.Setenv("KILL_SWITCH", "true")
	t.Setenv("ORDER_TTL_SECONDS", "600")
	t.Setenv("ODDS_API_KEY", "odds-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Wallet.PrivateKey != "0xabc123" {
		t.Errorf("PrivateKey = %q", cfg.Wallet.PrivateKey)
	}
	if cfg.Trading.MaxTradeSize != 42.5 {
		t.Errorf("MaxTradeSize = %v, want 42.5", cfg.Trading.MaxTradeSize)
	}
	if !cfg.Safety.KillSwitch {
		t.Error("KillSwitch = false, want true")
	}
	if cfg.Tracker.OrderTTLSeconds != 600 {
		t.Errorf("OrderTTLSeconds = %d, want 600", cfg.Tracker.OrderTTLSeconds)
	}
	if cfg.Odds.APIKey != "odds-key" {
		t.Errorf("Odds.APIKey = %q", cfg.Odds.APIKey)
	}
}

func TestEnvOverrideMalformedNumber(t *testing.T) {
	t.Setenv("MAX_TRADE_SIZE", "not-a-number")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	} else if !strings.Contains(err.Error(), "MAX_TRADE_SIZE") {
		t.Errorf("error %q does not name the offending variable", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero chain id", func(c *Config) { c.Wallet.ChainID = 0 }, "chain_id"},
		{"bad signature type", func(c *Config) { c.Wallet.SignatureType = 7 }, "signature_type"},
		{"proxy without funder", func(c *Config) {
			c.Wallet.PrivateKey = "0xabc"
			c.Wallet.SignatureType = 1
			c.Wallet.FunderAddress = ""
		}, "funder_address"},
		{"zero trade size", func(c *Config) { c.Trading.MaxTradeSize = 0 }, "max_trade_size"},
		{"negative slippage", func(c *Config) { c.Trading.Slippage = -0.1 }, "slippage"},
		{"zero bankroll", func(c *Config) { c.AutoTrade.Bankroll = 0 }, "bankroll"},
		{"reserve pct full", func(c *Config) { c.AutoTrade.ReservePct = 1.0 }, "reserve_pct"},
		{"stop loss too large", func(c *Config) { c.AutoTrade.StopLossPct = 100 }, "stop_loss_pct"},
		{"zero poll interval", func(c *Config) { c.Tracker.PollInterval = 0 }, "poll_interval"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"empty db path", func(c *Config) { c.Store.DBPath = "" }, "db_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestApplyPreset(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := cfg.ApplyPreset("scalper"); err != nil {
		t.Fatalf("ApplyPreset(scalper) error = %v", err)
	}
	if len(cfg.AutoTrade.Strategies) != 1 || cfg.AutoTrade.Strategies[0] != "arbitrage" {
		t.Errorf("Strategies = %v, want [arbitrage]", cfg.AutoTrade.Strategies)
	}
	if cfg.AutoTrade.ScanInterval != time.Minute {
		t.Errorf("ScanInterval = %v, want 1m", cfg.AutoTrade.ScanInterval)
	}
	if cfg.AutoTrade.MaxHoldHours != 6 {
		t.Errorf("MaxHoldHours = %v, want 6", cfg.AutoTrade.MaxHoldHours)
	}
	// Untouched knobs survive the preset.
	if cfg.Trading.MaxTradeSize != 100 {
		t.Errorf("MaxTradeSize = %v, want 100", cfg.Trading.MaxTradeSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after preset = %v", err)
	}
}

func TestApplyPresetUnknown(t *testing.T) {
	var cfg Config
	err := cfg.ApplyPreset("yolo")
	if err == nil {
		t.Fatal("ApplyPreset(yolo) = nil, want error")
	}
	if !strings.Contains(err.Error(), "balanced") {
		t.Errorf("error %q should list valid preset names", err)
	}
}

func TestMaxDaysFor(t *testing.T) {
	c := AutoTradeConfig{
		MaxDaysToResolution: 7,
		MaxDaysByCategory:   map[string]int{"sports": 3},
	}
	if got := c.MaxDaysFor("sports"); got != 3 {
		t.Errorf("MaxDaysFor(sports) = %d, want 3", got)
	}
	if got := c.MaxDaysFor("crypto"); got != 7 {
		t.Errorf("MaxDaysFor(crypto) = %d, want 7", got)
	}
}
