// Polymarket auto trader — scans binary prediction markets for edge and
// manages positions end to end: sized entries, take-profit/stop-loss
// monitoring, fill tracking, and forced exits on stale holds.
//
// Architecture:
//
//	main.go              — entry point: flags, config, mode dispatch, signal handling
//	engine/engine.go     — cycle orchestrator: scan → signals → gates → entries → monitor → report
//	strategy/            — signal generators: momentum, arbitrage, value (odds), mean reversion, favorites
//	market/fetcher.go    — Gamma API market listing by category
//	exchange/client.go   — CLOB REST client (books, midpoints, orders) with EIP-712/HMAC auth
//	exchange/ws.go       — market WebSocket feed (book snapshots for track mode)
//	odds/odds.go         — external sportsbook consensus for the value strategy
//	autoorder/engine.go  — local TP/SL/trailing triggers executed as market sells
//	tracker/tracker.go   — order fill polling and stale-order cancellation
//	portfolio/           — position book and P&L over the SQLite store
//	risk/manager.go      — bet sizing, kill switch, spread guard, breakers, order intents
//	pricefeed/feed.go    — price history and alerts backing track mode
//	store/               — SQLite persistence: positions, trades, orders, snapshots, KV
//
// Modes:
//
//	bot --mode scan       list target markets (read-only)
//	bot --mode track      follow prices for the top markets, alert on large moves
//	bot --mode portfolio  print open positions and P&L
//	bot --mode arbitrage  one-shot scan for both-sides-cheap markets
//	bot --mode trade      run the full loop (needs a wallet key, or --dry-run)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"github.com/jaboofin/polyclaudev3/internal/autoorder"
	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/engine"
	"github.com/jaboofin/polyclaudev3/internal/exchange"
	"github.com/jaboofin/polyclaudev3/internal/market"
	"github.com/jaboofin/polyclaudev3/internal/odds"
	"github.com/jaboofin/polyclaudev3/internal/portfolio"
	"github.com/jaboofin/polyclaudev3/internal/pricefeed"
	"github.com/jaboofin/polyclaudev3/internal/risk"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/internal/strategy"
	"github.com/jaboofin/polyclaudev3/internal/tracker"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	// How many of the highest-volume markets track mode follows.
	trackTopMarkets = 10
	// Relative price move that trips the change alert in track mode.
	priceChangeAlert = 0.05
	// Listing page size shared by the read-only modes.
	scanFetchLimit = 50
)

func main() {
	mode := flag.String("mode", "scan", "operating mode: scan | track | portfolio | arbitrage | trade")
	cfgPath := flag.String("config", "", "config file (default config.yaml, or $POLY_CONFIG)")
	preset := flag.String("preset", "", "apply a named preset: "+strings.Join(config.PresetNames(), ", "))
	dryRun := flag.Bool("dry-run", false, "simulate order placement instead of trading")
	scanOnly := flag.Bool("scan-only", false, "trade mode: report opportunities, never place orders")
	once := flag.Bool("once", false, "trade mode: run a single cycle and exit")
	useWS := flag.Bool("ws", false, "track mode: stream books over WebSocket instead of polling")
	flag.Parse()

	// A .env file is optional; deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *preset != "" {
		if err := cfg.ApplyPreset(*preset); err != nil {
			slog.Error("invalid preset", "err", err)
			os.Exit(1)
		}
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if *mode == "trade" && !cfg.DryRun && cfg.Wallet.PrivateKey == "" {
		logger.Error("trade mode needs wallet.private_key (or PRIVATE_KEY in the environment); use --dry-run to simulate")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "scan":
		err = runScan(ctx, cfg, logger)
	case "track":
		err = runTrack(ctx, cfg, logger, *useWS)
	case "portfolio":
		err = runPortfolio(ctx, cfg, logger)
	case "arbitrage":
		err = runArbitrage(ctx, cfg, logger)
	case "trade":
		err = runTrade(ctx, cfg, logger, *scanOnly, *once)
	default:
		err = fmt.Errorf("unknown mode %q (valid: scan, track, portfolio, arbitrage, trade)", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exiting on error", "mode", *mode, "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// app is the fully wired trading graph shared by the trade and arbitrage
// modes.
type app struct {
	store  *store.Store
	client *exchange.Client
	trader *engine.Trader
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	limiter := exchange.NewLimiter(cfg.API.RateLimit)
	client := exchange.NewClient(cfg, limiter, logger)
	fetcher := market.NewFetcher(cfg, limiter, logger)

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	fail := func(err error) (*app, error) {
		st.Close()
		return nil, err
	}

	pf, err := portfolio.New(ctx, st, client, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("load portfolio: %w", err))
	}
	trk, err := tracker.New(ctx, client, st, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("recover tracked orders: %w", err))
	}
	orders, err := autoorder.New(ctx, client, trk, st, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("recover auto orders: %w", err))
	}

	trader := engine.New(cfg, engine.Deps{
		Store:     st,
		Fetcher:   fetcher,
		Exchange:  client,
		Portfolio: pf,
		Tracker:   trk,
		Orders:    orders,
		Risk:      risk.New(st, client, cfg, logger),
		Env: &strategy.Env{
			History: st,
			Books:   client,
			Odds:    odds.NewClient(cfg, limiter, logger),
			Logger:  logger,
		},
	}, logger)

	return &app{store: st, client: client, trader: trader}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("store close", "err", err)
	}
}

func runTrade(ctx context.Context, cfg *config.Config, logger *slog.Logger, scanOnly, once bool) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.DryRun {
		logger.Warn("dry-run mode, orders are simulated")
	} else if err := a.client.EnsureAuth(ctx); err != nil {
		return fmt.Errorf("derive api credentials: %w", err)
	}

	cycles := 0
	if once {
		cycles = 1
	}
	if scanOnly {
		return a.trader.RunScanOnly(ctx, cycles)
	}
	return a.trader.Run(ctx, cycles)
}

// runArbitrage is a one-shot report of markets where both outcomes
// together cost less than a certain dollar. The listing gate is widened
// relative to the trading defaults: arbitrage works in thin books too.
func runArbitrage(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cfg.AutoTrade.Strategies = []string{"arbitrage"}
	if cfg.AutoTrade.MinEdgePct > 1 {
		cfg.AutoTrade.MinEdgePct = 1
	}
	if cfg.AutoTrade.MinLiquidity > 1000 {
		cfg.AutoTrade.MinLiquidity = 1000
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.trader.RunScanOnly(ctx, 1)
}

func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	limiter := exchange.NewLimiter(cfg.API.RateLimit)
	fetcher := market.NewFetcher(cfg, limiter, logger)

	markets, err := fetcher.TargetMarkets(ctx, cfg.AutoTrade.Categories, scanFetchLimit)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}
	if len(markets) == 0 {
		fmt.Println("no markets matched the configured filters")
		return nil
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Volume > markets[j].Volume })

	now := time.Now().UTC()
	for _, category := range cfg.AutoTrade.Categories {
		printCategory(category, markets, now)
	}
	fmt.Printf("\n%d markets listed\n", len(markets))
	return nil
}

// printCategory renders the ten highest-volume markets of one category.
func printCategory(category string, markets []types.Market, now time.Time) {
	var rows []types.Market
	for _, m := range markets {
		if baseCategory(m.Category) != category {
			continue
		}
		rows = append(rows, m)
		if len(rows) == trackTopMarkets {
			break
		}
	}
	if len(rows) == 0 {
		return
	}

	fmt.Printf("\n%s markets:\n", strings.ToUpper(category))
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Market", "YES", "NO", "Volume", "Resolves")
	for _, m := range rows {
		resolves := "?"
		if hours, ok := m.HoursToResolution(now); ok {
			resolves = formatHours(hours)
		}
		table.Append(
			truncate(m.Question, 50),
			fmt.Sprintf("%.0f¢", m.PriceYes*100),
			fmt.Sprintf("%.0f¢", m.PriceNo*100),
			fmt.Sprintf("$%.0f", m.Volume),
			resolves,
		)
	}
	table.Render()
}

func runTrack(ctx context.Context, cfg *config.Config, logger *slog.Logger, useWS bool) error {
	limiter := exchange.NewLimiter(cfg.API.RateLimit)
	client := exchange.NewClient(cfg, limiter, logger)
	fetcher := market.NewFetcher(cfg, limiter, logger)

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	markets, err := fetcher.TargetMarkets(ctx, cfg.AutoTrade.Categories, scanFetchLimit)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}
	if len(markets) == 0 {
		return errors.New("no markets to track")
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Volume > markets[j].Volume })
	if len(markets) > trackTopMarkets {
		markets = markets[:trackTopMarkets]
	}

	feed := pricefeed.New(client, st, cfg, logger)
	feed.TrackMarkets(markets)
	for _, m := range markets {
		feed.AddAlert(m.TokenYes, pricefeed.AlertChange, priceChangeAlert, nil)
	}

	if useWS || cfg.Feed.UseWebsocket {
		stream := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
		if err := feed.RunWebSocket(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	feed.Run(ctx)
	return nil
}

func runPortfolio(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	limiter := exchange.NewLimiter(cfg.API.RateLimit)
	client := exchange.NewClient(cfg, limiter, logger)

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pf, err := portfolio.New(ctx, st, client, cfg, logger)
	if err != nil {
		return fmt.Errorf("load portfolio: %w", err)
	}
	pf.UpdatePrices(ctx)

	positions := pf.Positions()
	if len(positions) == 0 {
		fmt.Println("no open positions")
	} else {
		now := time.Now().UTC()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Side", "Market", "Entry", "Mark", "Size", "PnL", "PnL%", "Age")
		for _, pos := range positions {
			table.Append(
				string(pos.Side),
				truncate(pos.Question, 40),
				fmt.Sprintf("%.1f¢", pos.AvgEntryPrice*100),
				fmt.Sprintf("%.1f¢", pos.CurrentPrice*100),
				fmt.Sprintf("%.1f", pos.Size),
				fmt.Sprintf("$%+.2f", pos.UnrealizedPnL()),
				fmt.Sprintf("%+.1f%%", pos.UnrealizedPnLPct()),
				formatHours(now.Sub(pos.OpenedAt).Hours()),
			)
		}
		table.Render()
	}

	stats, err := pf.Stats(ctx)
	if err != nil {
		return fmt.Errorf("portfolio stats: %w", err)
	}
	fmt.Printf("\npositions %d | value $%.2f | cost $%.2f | unrealized $%+.2f | realized $%+.2f\n",
		stats.TotalPositions, stats.TotalValue, stats.TotalCostBasis,
		stats.TotalUnrealizedPnL, stats.TotalRealizedPnL)
	if stats.WinRate > 0 {
		fmt.Printf("win rate %.1f%%\n", stats.WinRate)
	}
	for _, w := range pf.CheckRiskLimits() {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func baseCategory(category string) string {
	base, _, _ := strings.Cut(category, ":")
	return base
}

func formatHours(h float64) string {
	if h < 24 {
		return fmt.Sprintf("%.1fh", h)
	}
	return fmt.Sprintf("%.1fd", h/24)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
