// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: config.yaml, missing file
// tolerated) with overrides via POLY_* environment variables and the bare
// operational variables listed in overrideFromEnv.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Odds      OddsConfig      `mapstructure:"odds"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	AutoTrade AutoTradeConfig `mapstructure:"auto_trade"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys. FunderAddress
// is the on-chain address that funds orders (may differ from the signer when
// trading through a proxy wallet). Optional: without a key the bot runs in
// read-only mode and `trade` requires --dry-run.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty they are derived via L1
// auth on startup. RateLimit is the global outbound request budget shared by
// every HTTP client in the process.
type APIConfig struct {
	CLOBBaseURL  string  `mapstructure:"clob_base_url"`
	GammaBaseURL string  `mapstructure:"gamma_base_url"`
	WSMarketURL  string  `mapstructure:"ws_market_url"`
	ApiKey       string  `mapstructure:"api_key"`
	Secret       string  `mapstructure:"secret"`
	Passphrase   string  `mapstructure:"passphrase"`
	RateLimit    float64 `mapstructure:"rate_limit"` // requests per second
}

// OddsConfig configures the external sports-odds provider. An empty APIKey
// disables the value_sports strategy (it returns no signals silently).
type OddsConfig struct {
	APIKey    string   `mapstructure:"api_key"`
	BaseURL   string   `mapstructure:"base_url"`
	SportKeys []string `mapstructure:"sport_keys"`
}

// TradingConfig sets per-order validation limits enforced before any
// submission reaches the exchange.
type TradingConfig struct {
	MaxTradeSize       float64 `mapstructure:"max_trade_size"`       // USD cap per order
	MaxTotalExposure   float64 `mapstructure:"max_total_exposure"`   // USD cap across all cost bases
	MinMarketLiquidity float64 `mapstructure:"min_market_liquidity"` // listing-level gate
	Slippage           float64 `mapstructure:"slippage"`             // market-order price pad, 0.01 = 1%
}

// SafetyConfig holds the guards that keep the bot from hurting itself.
//
//   - KillSwitch: seeded at boot; blocks all new BUY entries, never SELL exits.
//   - MaxSpreadBps: entries skipped when the book spread exceeds this.
//   - CancelAllOnStartup: best-effort exchange-wide cancel at boot.
//   - MaxDailyLossUSD / MaxDrawdownPct: circuit breakers; 0 disables.
//     Once tripped they latch until an operator restarts with a fresh baseline.
//   - IntentTTLSeconds: idempotency window for order-intent fingerprints.
type SafetyConfig struct {
	KillSwitch         bool    `mapstructure:"kill_switch"`
	MaxSpreadBps       float64 `mapstructure:"max_spread_bps"`
	CancelAllOnStartup bool    `mapstructure:"cancel_all_on_startup"`
	MaxDailyLossUSD    float64 `mapstructure:"max_daily_loss_usd"`
	MaxDrawdownPct     float64 `mapstructure:"max_drawdown_pct"`
	IntentTTLSeconds   int     `mapstructure:"intent_ttl_seconds"`
}

// AutoTradeConfig tunes the autonomous scan-and-trade loop.
//
//   - Bankroll / ReservePct / MaxBetSize / MaxOpenPositions drive bet sizing:
//     bet = min(MaxBetSize, 0.25 * (bankroll - reserve - open cost basis)).
//   - MinVolume / MinLiquidity / MinHoursToResolution / MaxDaysToResolution
//     prefilter the market universe before strategies run.
//   - Strategies is the set the dispatcher evaluates each cycle.
//   - TakeProfitPct / StopLossPct / TrailingStopPct shape the exits attached
//     to every non-arbitrage entry (percent of entry price; trailing 0 = off).
//   - MaxHoldHours force-closes positions the exits never fired on.
type AutoTradeConfig struct {
	Bankroll         float64  `mapstructure:"bankroll"`
	ReservePct       float64  `mapstructure:"reserve_pct"`
	MaxBetSize       float64  `mapstructure:"max_bet_size"`
	MaxOpenPositions int      `mapstructure:"max_open_positions"`
	MaxBetsPerCycle  int      `mapstructure:"max_bets_per_cycle"`
	Categories       []string `mapstructure:"categories"`
	Strategies       []string `mapstructure:"strategies"`

	MinVolume            float64        `mapstructure:"min_volume"`
	MinLiquidity         float64        `mapstructure:"min_liquidity"`
	MinEdgePct           float64        `mapstructure:"min_edge_pct"`
	MaxResults           int            `mapstructure:"max_results"`
	MinHoursToResolution float64        `mapstructure:"min_hours_to_resolution"`
	MaxDaysToResolution  int            `mapstructure:"max_days_to_resolution"`
	MaxDaysByCategory    map[string]int `mapstructure:"max_days_by_category"`
	SortByResolution     bool           `mapstructure:"sort_by_resolution"`

	TakeProfitPct   float64       `mapstructure:"take_profit_pct"`
	StopLossPct     float64       `mapstructure:"stop_loss_pct"`
	TrailingStopPct float64       `mapstructure:"trailing_stop_pct"`
	MaxHoldHours    float64       `mapstructure:"max_hold_hours"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
}

// MaxDaysFor returns the days-to-resolution cap for a category, falling back
// to the global cap when no per-category override exists. League-qualified
// categories like "sports:NBA" resolve through their "sports" prefix.
func (c AutoTradeConfig) MaxDaysFor(category string) int {
	if d, ok := c.MaxDaysByCategory[category]; ok && d > 0 {
		return d
	}
	if base, _, found := strings.Cut(category, ":"); found {
		if d, ok := c.MaxDaysByCategory[base]; ok && d > 0 {
			return d
		}
	}
	return c.MaxDaysToResolution
}

// TrackerConfig controls the order-fill poll loop. OrderTTLSeconds is the
// stale horizon: a LIVE order older than this is cancelled on the exchange.
type TrackerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	OrderTTLSeconds int           `mapstructure:"order_ttl_seconds"`
}

// MonitorConfig controls the auto-order trigger evaluation loop.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// FeedConfig controls the price tracker used by the `track` CLI mode.
type FeedConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	UseWebsocket bool          `mapstructure:"use_websocket"`
}

// StoreConfig sets where state is persisted (SQLite database file).
type StoreConfig struct {
	DBPath                string `mapstructure:"db_path"`
	SnapshotRetentionDays int    `mapstructure:"snapshot_retention_days"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: defaults plus environment carry a full configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		path = os.Getenv("POLY_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := overrideFromEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("wallet.signature_type", 0)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.rate_limit", 10.0)

	v.SetDefault("odds.base_url", "https://api.the-odds-api.com")
	v.SetDefault("odds.sport_keys", []string{
		"americanfootball_nfl",
		"basketball_nba",
		"baseball_mlb",
		"icehockey_nhl",
		"soccer_epl",
		"soccer_uefa_champs_league",
		"mma_mixed_martial_arts",
	})

	v.SetDefault("trading.max_trade_size", 100.0)
	v.SetDefault("trading.max_total_exposure", 1000.0)
	v.SetDefault("trading.min_market_liquidity", 5000.0)
	v.SetDefault("trading.slippage", 0.01)

	v.SetDefault("safety.kill_switch", false)
	v.SetDefault("safety.max_spread_bps", 150.0)
	v.SetDefault("safety.cancel_all_on_startup", false)
	v.SetDefault("safety.max_daily_loss_usd", 0.0)
	v.SetDefault("safety.max_drawdown_pct", 0.0)
	v.SetDefault("safety.intent_ttl_seconds", 300)

	v.SetDefault("auto_trade.bankroll", 100.0)
	v.SetDefault("auto_trade.reserve_pct", 0.20)
	v.SetDefault("auto_trade.max_bet_size", 10.0)
	v.SetDefault("auto_trade.max_open_positions", 5)
	v.SetDefault("auto_trade.max_bets_per_cycle", 2)
	v.SetDefault("auto_trade.categories", []string{"crypto", "sports"})
	v.SetDefault("auto_trade.strategies", []string{"momentum", "arbitrage", "value"})
	v.SetDefault("auto_trade.min_volume", 50000.0)
	v.SetDefault("auto_trade.min_liquidity", 10000.0)
	v.SetDefault("auto_trade.min_edge_pct", 5.0)
	v.SetDefault("auto_trade.max_results", 10)
	v.SetDefault("auto_trade.min_hours_to_resolution", 2.0)
	v.SetDefault("auto_trade.max_days_to_resolution", 7)
	v.SetDefault("auto_trade.max_days_by_category", map[string]int{"sports": 3})
	v.SetDefault("auto_trade.sort_by_resolution", false)
	v.SetDefault("auto_trade.take_profit_pct", 30.0)
	v.SetDefault("auto_trade.stop_loss_pct", 15.0)
	v.SetDefault("auto_trade.trailing_stop_pct", 0.0)
	v.SetDefault("auto_trade.max_hold_hours", 48.0)
	v.SetDefault("auto_trade.scan_interval", 5*time.Minute)

	v.SetDefault("tracker.poll_interval", 5*time.Second)
	v.SetDefault("tracker.order_ttl_seconds", 1800)

	v.SetDefault("monitor.interval", 10*time.Second)

	v.SetDefault("feed.poll_interval", 30*time.Second)
	v.SetDefault("feed.use_websocket", false)

	v.SetDefault("store.db_path", "polybot.db")
	v.SetDefault("store.snapshot_retention_days", 7)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// overrideFromEnv applies the bare operational variables (no POLY_ prefix).
// These are the names operators set in deployment environments; a malformed
// numeric value is a startup error rather than a silently ignored one.
func overrideFromEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var parseErr error
	setFloat := func(key string, dst *float64) {
		v := os.Getenv(key)
		if v == "" || parseErr != nil {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErr = fmt.Errorf("parse %s: %w", key, err)
			return
		}
		*dst = f
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || parseErr != nil {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErr = fmt.Errorf("parse %s: %w", key, err)
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" || parseErr != nil {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErr = fmt.Errorf("parse %s: %w", key, err)
			return
		}
		*dst = b
	}

	setString("PRIVATE_KEY", &cfg.Wallet.PrivateKey)
	setString("FUNDER_ADDRESS", &cfg.Wallet.FunderAddress)
	setString("CLOB_API_KEY", &cfg.API.ApiKey)
	setString("CLOB_SECRET", &cfg.API.Secret)
	setString("CLOB_PASS_PHRASE", &cfg.API.Passphrase)
	setString("ODDS_API_KEY", &cfg.Odds.APIKey)
	setString("DB_PATH", &cfg.Store.DBPath)

	setFloat("MAX_TRADE_SIZE", &cfg.Trading.MaxTradeSize)
	setFloat("MAX_TOTAL_EXPOSURE", &cfg.Trading.MaxTotalExposure)
	setFloat("MIN_MARKET_LIQUIDITY", &cfg.Trading.MinMarketLiquidity)
	setFloat("MAX_SPREAD_BPS", &cfg.Safety.MaxSpreadBps)
	setFloat("MAX_DAILY_LOSS_USD", &cfg.Safety.MaxDailyLossUSD)
	setFloat("MAX_DRAWDOWN_PCT", &cfg.Safety.MaxDrawdownPct)
	setFloat("API_RATE_LIMIT", &cfg.API.RateLimit)

	setInt("ORDER_TTL_SECONDS", &cfg.Tracker.OrderTTLSeconds)
	setInt("INTENT_TTL_SECONDS", &cfg.Safety.IntentTTLSeconds)

	setBool("KILL_SWITCH", &cfg.Safety.KillSwitch)
	setBool("CANCEL_ALL_ON_STARTUP", &cfg.Safety.CancelAllOnStartup)
	setBool("DRY_RUN", &cfg.DryRun)

	return parseErr
}

// Validate checks required fields and value ranges. The private key is not
// required here: read-only modes run without one, and cmd/bot enforces the
// key-or-dry-run rule for the trade mode.
func (c *Config) Validate() error {
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.PrivateKey != "" && c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.RateLimit <= 0 {
		return fmt.Errorf("api.rate_limit must be > 0")
	}
	if c.Trading.MaxTradeSize <= 0 {
		return fmt.Errorf("trading.max_trade_size must be > 0")
	}
	if c.Trading.MaxTotalExposure <= 0 {
		return fmt.Errorf("trading.max_total_exposure must be > 0")
	}
	if c.Trading.Slippage < 0 || c.Trading.Slippage >= 1 {
		return fmt.Errorf("trading.slippage must be in [0,1)")
	}
	if c.Safety.MaxSpreadBps <= 0 {
		return fmt.Errorf("safety.max_spread_bps must be > 0")
	}
	if c.Safety.IntentTTLSeconds <= 0 {
		return fmt.Errorf("safety.intent_ttl_seconds must be > 0")
	}
	if c.AutoTrade.Bankroll <= 0 {
		return fmt.Errorf("auto_trade.bankroll must be > 0")
	}
	if c.AutoTrade.ReservePct < 0 || c.AutoTrade.ReservePct >= 1 {
		return fmt.Errorf("auto_trade.reserve_pct must be in [0,1)")
	}
	if c.AutoTrade.MaxBetSize <= 0 {
		return fmt.Errorf("auto_trade.max_bet_size must be > 0")
	}
	if c.AutoTrade.MaxOpenPositions <= 0 {
		return fmt.Errorf("auto_trade.max_open_positions must be > 0")
	}
	if c.AutoTrade.MaxBetsPerCycle <= 0 {
		return fmt.Errorf("auto_trade.max_bets_per_cycle must be > 0")
	}
	if c.AutoTrade.ScanInterval <= 0 {
		return fmt.Errorf("auto_trade.scan_interval must be > 0")
	}
	if c.AutoTrade.TakeProfitPct < 0 || c.AutoTrade.StopLossPct < 0 {
		return fmt.Errorf("auto_trade take_profit_pct and stop_loss_pct must be >= 0")
	}
	if c.AutoTrade.StopLossPct >= 100 {
		return fmt.Errorf("auto_trade.stop_loss_pct must be < 100")
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("tracker.poll_interval must be > 0")
	}
	if c.Tracker.OrderTTLSeconds <= 0 {
		return fmt.Errorf("tracker.order_ttl_seconds must be > 0")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}
