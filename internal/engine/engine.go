// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems and owns the scan loop:
//
//  1. The market fetcher lists candidate markets in the configured
//     categories; a prefilter drops thin or mistimed ones.
//  2. The strategy dispatcher ranks entry signals across the enabled
//     strategies.
//  3. The risk manager gates each entry: circuit breakers, kill switch,
//     spread guard, bet sizing, and the intent fingerprint.
//  4. The auto-order engine submits entries with their exits attached and
//     evaluates exit triggers; the order tracker confirms fills into the
//     portfolio.
//
// Lifecycle: New() → Run(ctx, cycles) → [runs until SIGINT] → final report.
// RunScanOnly previews opportunities without ever submitting an order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jaboofin/polyclaudev3/internal/autoorder"
	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/portfolio"
	"github.com/jaboofin/polyclaudev3/internal/risk"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/internal/strategy"
	"github.com/jaboofin/polyclaudev3/internal/tracker"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const (
	defaultScanInterval = 5 * time.Minute
	defaultMaxPerCycle  = 2

	// marketFetchLimit is the per-category listing depth requested from
	// the exchange each cycle.
	marketFetchLimit = 50
)

// MarketSource lists candidate markets per category.
type MarketSource interface {
	TargetMarkets(ctx context.Context, categories []string, limit int) ([]types.Market, error)
}

// Deps are the constructed subsystems the trader drives. Exchange is used
// for startup safety only; every other component reaches the exchange
// through its own gateway slice. Out receives the rendered reports and
// defaults to stdout.
type Deps struct {
	Store     *store.Store
	Fetcher   MarketSource
	Exchange  risk.Canceler
	Portfolio *portfolio.Portfolio
	Tracker   *tracker.Tracker
	Orders    *autoorder.Engine
	Risk      *risk.Manager
	Env       *strategy.Env
	Out       io.Writer
}

// CycleReport summarizes one scan cycle.
type CycleReport struct {
	MarketsScanned int
	SignalsFound   int
	EntriesPlaced  int
	ForcedCloses   int
	Breaker        string // non-empty when a circuit breaker tripped this cycle
}

// Trader runs the scan-and-enter loop over the wired subsystems.
type Trader struct {
	cfg       *config.Config
	store     *store.Store
	fetcher   MarketSource
	exchange  risk.Canceler
	portfolio *portfolio.Portfolio
	tracker   *tracker.Tracker
	orders    *autoorder.Engine
	risk      *risk.Manager
	env       *strategy.Env
	logger    *slog.Logger
	out       io.Writer

	now func() time.Time

	mu            sync.Mutex
	cycles        int
	entriesPlaced int
	forcedCloses  int
	startRealized float64
}

// New wires the trader and registers the cross-component callbacks: fill
// delivery from the tracker and portfolio closure on executed exits.
func New(cfg *config.Config, d Deps, logger *slog.Logger) *Trader {
	t := &Trader{
		cfg:           cfg,
		store:         d.Store,
		fetcher:       d.Fetcher,
		exchange:      d.Exchange,
		portfolio:     d.Portfolio,
		tracker:       d.Tracker,
		orders:        d.Orders,
		risk:          d.Risk,
		env:           d.Env,
		logger:        logger.With("component", "engine"),
		out:           d.Out,
		now:           time.Now,
		startRealized: d.Portfolio.RealizedPnL(),
	}
	if t.out == nil {
		t.out = os.Stdout
	}

	// Confirmed BUY fills open portfolio positions and register the
	// exit-rule view. SELL fills shrink only the exit-rule view: the
	// portfolio already closed when the sell was acknowledged.
	t.tracker.OnFill(func(ctx context.Context, o types.TrackedOrder, fill, price float64) {
		switch o.OrderSide {
		case types.BUY:
			if err := t.portfolio.AddPosition(ctx, o.TokenID, o.Question, o.Side, fill, price); err != nil {
				t.logger.Error("position add failed", "order_id", o.OrderID, "err", err)
				return
			}
			t.orders.RegisterPosition(o.TokenID, o.Question, o.Side, fill, price)
		case types.SELL:
			t.orders.ReducePosition(o.TokenID, fill)
		}
	})
	t.tracker.OnCancel(func(ctx context.Context, o types.TrackedOrder) {
		t.logger.Info("order cancelled before completion",
			"order_id", o.OrderID, "token", o.TokenID,
			"filled", o.FilledSize, "of", o.Size)
	})

	// An executed exit closes the portfolio at the trigger-evaluation
	// price; the sell's own fills are still tracked for the ledger view.
	t.orders.OnExecuted(func(o types.AutoOrder) {
		pnl, err := t.portfolio.ClosePosition(context.Background(), o.TokenID, o.Side, o.Size, o.ExecutionPrice)
		if err != nil {
			t.logger.Error("exit bookkeeping failed", "auto_order", o.ID, "err", err)
			return
		}
		t.logger.Info("position closed by exit",
			"auto_order", o.ID, "type", o.Type, "token", o.TokenID,
			"exit_price", o.ExecutionPrice, "realized_pnl", pnl)
	})

	return t
}

// Run drives scan cycles until the context is cancelled or the requested
// cycle count completes (0 = run forever). The order tracker and the exit
// monitor run as background workers for the duration; the final report is
// rendered on the way out.
func (t *Trader) Run(ctx context.Context, cycles int) error {
	if err := t.risk.Startup(ctx, t.exchange, t.portfolio.RealizedPnL()); err != nil {
		return fmt.Errorf("startup safety: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.tracker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		t.orders.Run(ctx)
	}()

	interval := t.scanInterval()
	t.logger.Info("auto trader started",
		"scan_interval", interval,
		"strategies", t.cfg.AutoTrade.Strategies,
		"categories", t.cfg.AutoTrade.Categories,
		"bankroll", t.cfg.AutoTrade.Bankroll,
		"dry_run", t.cfg.DryRun)

	count := 0
	for ctx.Err() == nil {
		t.RunOnce(ctx)
		count++
		if cycles > 0 && count >= cycles {
			break
		}
		t.logger.Info("cycle complete, sleeping", "interval", interval)
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	cancel()
	wg.Wait()
	t.FinalReport(context.Background())
	return nil
}

// RunOnce executes one full scan cycle: list and filter markets, rank
// signals, evaluate breakers, place gated entries, tick the exit monitor,
// close aged positions, and print the status block.
func (t *Trader) RunOnce(ctx context.Context) CycleReport {
	var rep CycleReport
	at := t.cfg.AutoTrade

	markets := t.scanMarkets(ctx)
	rep.MarketsScanned = len(markets)

	signals := strategy.FindSignals(ctx, t.env, markets, at.Strategies, at.MinEdgePct, at.MaxResults)
	rep.SignalsFound = len(signals)
	t.logger.Info("scan cycle", "markets", len(markets), "signals", len(signals))

	// Refresh marks first so the breakers see current unrealized P&L.
	t.portfolio.UpdatePrices(ctx)
	reason, err := t.risk.EvaluateBreakers(ctx, t.portfolio.RealizedPnL(), t.portfolio.TotalUnrealizedPnL())
	if err != nil {
		t.logger.Error("breaker evaluation failed, entries skipped this cycle", "err", err)
	} else {
		if reason != "" {
			rep.Breaker = reason
			t.logger.Error("circuit breaker halted new entries", "reason", reason)
		}
		// A tripped breaker latched the kill switch; the entry loop
		// still runs so each skip is logged per signal.
		rep.EntriesPlaced = t.placeEntries(ctx, signals)
	}

	t.orders.MonitorOnce(ctx)
	rep.ForcedCloses = t.closeAgedPositions(ctx)
	t.printStatus()

	t.mu.Lock()
	t.cycles++
	t.entriesPlaced += rep.EntriesPlaced
	t.forcedCloses += rep.ForcedCloses
	t.mu.Unlock()
	return rep
}

// RunScanOnly previews what the trader would do: scan, rank, and report
// opportunities without submitting anything.
func (t *Trader) RunScanOnly(ctx context.Context, cycles int) error {
	at := t.cfg.AutoTrade
	interval := t.scanInterval()
	t.logger.Info("scan mode, nothing will be placed",
		"bankroll", at.Bankroll,
		"strategies", at.Strategies,
		"max_bet_size", at.MaxBetSize,
		"take_profit_pct", at.TakeProfitPct,
		"stop_loss_pct", at.StopLossPct)

	count := 0
	for ctx.Err() == nil {
		markets := t.scanMarkets(ctx)
		signals := strategy.FindSignals(ctx, t.env, markets, at.Strategies, at.MinEdgePct, at.MaxResults)
		t.printOpportunities(markets, signals)

		count++
		if cycles > 0 && count >= cycles {
			break
		}
		t.logger.Info("next scan scheduled", "interval", interval)
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
	return nil
}

func (t *Trader) scanInterval() time.Duration {
	if t.cfg.AutoTrade.ScanInterval > 0 {
		return t.cfg.AutoTrade.ScanInterval
	}
	return defaultScanInterval
}

// scanMarkets lists the configured categories and applies the prefilter:
// volume, liquidity, and the per-category resolution window. Markets
// without a resolution date count as far future: they pass the minimum-
// hours check and fail any bounded maximum.
func (t *Trader) scanMarkets(ctx context.Context) []types.Market {
	at := t.cfg.AutoTrade
	listed, err := t.fetcher.TargetMarkets(ctx, at.Categories, marketFetchLimit)
	if err != nil {
		t.logger.Error("market scan failed", "err", err)
		return nil
	}

	now := t.now()
	var filtered []types.Market
	for _, m := range listed {
		if m.Volume < at.MinVolume || m.Liquidity < at.MinLiquidity {
			continue
		}
		hours, ok := m.HoursToResolution(now)
		if ok && hours < at.MinHoursToResolution {
			continue
		}
		if maxDays := at.MaxDaysFor(m.Category); maxDays > 0 {
			if !ok || hours > float64(maxDays)*24 {
				continue
			}
		}
		filtered = append(filtered, m)
	}

	if at.SortByResolution {
		sort.SliceStable(filtered, func(i, j int) bool {
			hi, oki := filtered[i].HoursToResolution(now)
			hj, okj := filtered[j].HoursToResolution(now)
			if oki != okj {
				return oki
			}
			return hi < hj
		})
	}

	t.logger.Info("markets filtered", "listed", len(listed), "eligible", len(filtered))
	return filtered
}

// placeEntries walks the ranked signals and submits entries up to the
// per-cycle cap. Gates in order: existing position, kill switch, spread
// guard, sizing. A sizing refusal ends the loop because it holds for every
// later signal in the same cycle.
func (t *Trader) placeEntries(ctx context.Context, signals []types.Signal) int {
	maxPerCycle := t.cfg.AutoTrade.MaxBetsPerCycle
	if maxPerCycle <= 0 {
		maxPerCycle = defaultMaxPerCycle
	}

	placed := 0
	for i := range signals {
		if placed >= maxPerCycle || ctx.Err() != nil {
			break
		}
		sig := signals[i]
		m := sig.Market

		if t.portfolio.HasPosition(m.TokenYes, m.TokenNo) {
			t.logger.Debug("already positioned, skipping", "market", m.ID)
			continue
		}
		if t.risk.KillSwitchActive() {
			t.logger.Warn("kill switch active, entry blocked",
				"market", m.ID, "reason", t.risk.KillReason())
			continue
		}

		token := m.TokenFor(sig.Side)
		bps, ok := t.risk.SpreadGuard(ctx, token)
		if !ok {
			t.logger.Info("spread guard rejected entry",
				"market", truncate(m.Question, 50), "side", sig.Side, "spread_bps", bps)
			continue
		}

		stake, err := t.risk.ApproveEntry(t.portfolio.TotalExposure(), t.portfolio.Count())
		if err != nil {
			t.logger.Info("sizing stopped entries for this cycle", "err", err)
			break
		}

		if t.placeEntry(ctx, sig, stake) {
			placed++
		}
	}
	return placed
}

// placeEntry submits one signal: two plain legs for ARB, otherwise a BUY
// with its exit plan attached. Returns true when the exchange accepted the
// order.
func (t *Trader) placeEntry(ctx context.Context, sig types.Signal, stake float64) bool {
	if sig.Side == types.ARB {
		return t.placeArbitrage(ctx, sig, stake)
	}

	m := sig.Market
	entry := sig.EntryPrice
	if entry <= 0 {
		entry = m.PriceFor(sig.Side)
	}
	if entry <= 0 {
		t.logger.Warn("no usable entry price", "market", m.ID, "side", sig.Side)
		return false
	}

	at := t.cfg.AutoTrade
	tp := math.Min(entry*(1+at.TakeProfitPct/100), 0.99)
	sl := math.Max(entry*(1-at.StopLossPct/100), 0.01)
	size := stake / entry
	token := m.TokenFor(sig.Side)

	if !t.reserveIntent(ctx, token, sig.Side, entry, size, sig.Strategy) {
		return false
	}

	hours, _ := m.HoursToResolution(t.now())
	t.logger.Info("placing entry",
		"market", truncate(m.Question, 50),
		"side", sig.Side,
		"stake_usd", stake,
		"entry", entry,
		"take_profit", tp,
		"stop_loss", sl,
		"strategy", sig.Strategy,
		"reason", sig.Reason,
		"resolves_in", formatHours(hours))

	res, err := t.orders.BuyWithTPSL(ctx, autoorder.EntryArgs{
		TokenID:  token,
		Question: m.Question,
		Side:     sig.Side,
		Size:     size,
		Price:    entry,
		Strategy: sig.Strategy,
	}, autoorder.ExitPlan{
		TakeProfit:  tp,
		StopLoss:    sl,
		TrailingPct: at.TrailingStopPct / 100,
	})
	if err != nil {
		t.logger.Error("entry failed", "market", m.ID, "err", err)
		return false
	}
	if res.Buy == nil || !res.Buy.Success {
		reason := ""
		if res.Buy != nil {
			reason = res.Buy.Error
		}
		t.logger.Error("entry rejected", "market", m.ID, "error", reason)
		return false
	}
	return true
}

// placeArbitrage buys both legs at their live asks, half the stake each.
// The pair pays out at resolution, so no exits are attached. When the
// second leg is refused the first is left resting for the tracker's stale
// cancel.
func (t *Trader) placeArbitrage(ctx context.Context, sig types.Signal, stake float64) bool {
	m := sig.Market

	yesAsk, ok := t.bestAsk(ctx, m.TokenYes)
	if !ok {
		return false
	}
	noAsk, ok := t.bestAsk(ctx, m.TokenNo)
	if !ok {
		return false
	}

	half := stake / 2
	yesSize := half / yesAsk
	noSize := half / noAsk

	if !t.reserveIntent(ctx, m.TokenYes, types.YES, yesAsk, yesSize, sig.Strategy) {
		return false
	}
	if !t.reserveIntent(ctx, m.TokenNo, types.NO, noAsk, noSize, sig.Strategy) {
		return false
	}

	t.logger.Info("placing arbitrage pair",
		"market", truncate(m.Question, 50),
		"yes_ask", yesAsk, "no_ask", noAsk,
		"combined", yesAsk+noAsk,
		"stake_usd", stake,
		"reason", sig.Reason)

	resYes, err := t.orders.Buy(ctx, autoorder.EntryArgs{
		TokenID:  m.TokenYes,
		Question: m.Question,
		Side:     types.YES,
		Size:     yesSize,
		Price:    yesAsk,
		Strategy: sig.Strategy,
	})
	if err != nil || resYes == nil || !resYes.Success {
		t.logger.Error("arbitrage YES leg failed", "market", m.ID, "err", err)
		return false
	}

	resNo, err := t.orders.Buy(ctx, autoorder.EntryArgs{
		TokenID:  m.TokenNo,
		Question: m.Question,
		Side:     types.NO,
		Size:     noSize,
		Price:    noAsk,
		Strategy: sig.Strategy,
	})
	if err != nil || resNo == nil || !resNo.Success {
		t.logger.Error("arbitrage NO leg failed, YES leg resting", "market", m.ID, "err", err)
		return false
	}
	return true
}

// reserveIntent persists the submission fingerprint, logging and refusing
// duplicates inside the TTL window.
func (t *Trader) reserveIntent(ctx context.Context, tokenID string, side types.Side, price, size float64, strat string) bool {
	err := t.risk.ReserveIntent(ctx, risk.Intent{
		TokenID:   tokenID,
		Side:      side,
		OrderSide: types.BUY,
		Price:     price,
		Size:      size,
		Strategy:  strat,
	})
	if err == nil {
		return true
	}
	if errors.Is(err, risk.ErrDuplicateIntent) {
		t.logger.Warn("duplicate entry refused", "token", tokenID, "side", side)
	} else {
		t.logger.Error("intent reservation failed", "token", tokenID, "err", err)
	}
	return false
}

func (t *Trader) bestAsk(ctx context.Context, tokenID string) (float64, bool) {
	book, err := t.env.Books.GetOrderBook(ctx, tokenID)
	if err != nil {
		t.logger.Warn("orderbook unavailable", "token", tokenID, "err", err)
		return 0, false
	}
	lvl, ok := book.BestAsk()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

// closeAgedPositions market-sells every position held past max_hold_hours,
// using the mark refreshed earlier in the cycle for the close bookkeeping.
// Active exits on the token are cancelled first so they cannot fire a
// second sell.
func (t *Trader) closeAgedPositions(ctx context.Context) int {
	maxHold := t.cfg.AutoTrade.MaxHoldHours
	if maxHold <= 0 {
		return 0
	}
	now := t.now()

	closed := 0
	for _, pos := range t.portfolio.Positions() {
		if ctx.Err() != nil {
			break
		}
		held := now.Sub(pos.OpenedAt).Hours()
		if held <= maxHold {
			continue
		}
		if pos.CurrentPrice <= 0 {
			t.logger.Warn("no mark for aged position, close deferred",
				"token", pos.TokenID, "held_hours", held)
			continue
		}

		t.logger.Info("max hold time reached, closing at market",
			"market", truncate(pos.Question, 40),
			"side", pos.Side,
			"held_hours", held,
			"size", pos.Size)

		t.orders.CancelAll(ctx, pos.TokenID)
		res, err := t.orders.MarketSell(ctx, pos.TokenID, pos.Question, pos.Side, pos.Size, "timeout")
		if err != nil || res == nil || !res.Success {
			t.logger.Error("timeout close failed", "token", pos.TokenID, "err", err)
			continue
		}
		pnl, err := t.portfolio.ClosePosition(ctx, pos.TokenID, pos.Side, pos.Size, pos.CurrentPrice)
		if err != nil {
			t.logger.Error("close bookkeeping failed", "token", pos.TokenID, "err", err)
			continue
		}
		t.logger.Info("position closed on timeout",
			"token", pos.TokenID, "exit", pos.CurrentPrice, "realized_pnl", pnl)
		closed++
	}
	return closed
}

// printStatus renders the per-cycle status block: headroom, P&L, pending
// fills, and the open-positions table.
func (t *Trader) printStatus() {
	snap := t.risk.GetSnapshot()
	positions := t.portfolio.Positions()
	now := t.now()

	fmt.Fprintf(t.out, "\n[%s] positions %d/%d | next stake $%.2f | realized $%.2f | unrealized $%.2f\n",
		now.Format("15:04:05"),
		len(positions), snap.MaxPositions,
		t.risk.BetSize(t.portfolio.TotalExposure()),
		t.portfolio.RealizedPnL(),
		t.portfolio.TotalUnrealizedPnL())
	if snap.KillSwitch {
		fmt.Fprintf(t.out, "kill switch: %s\n", snap.KillReason)
	}
	if pending := t.tracker.PendingCount(); pending > 0 {
		fmt.Fprintf(t.out, "pending fills: %d order(s)\n", pending)
	}
	if len(positions) == 0 {
		return
	}

	table := tablewriter.NewWriter(t.out)
	table.Header("Side", "Market", "Entry", "Mark", "Size", "PnL", "PnL%", "Age")
	for _, p := range positions {
		table.Append(
			string(p.Side),
			truncate(p.Question, 40),
			fmt.Sprintf("%.0f¢", p.AvgEntryPrice*100),
			fmt.Sprintf("%.0f¢", p.CurrentPrice*100),
			fmt.Sprintf("%.1f", p.Size),
			fmt.Sprintf("$%.2f", p.UnrealizedPnL()),
			fmt.Sprintf("%+.1f%%", p.UnrealizedPnLPct()),
			formatHours(now.Sub(p.OpenedAt).Hours()),
		)
	}
	table.Render()
}

// printOpportunities renders the scan-mode view: the ranked signals and
// the stake the trader would put on the top one.
func (t *Trader) printOpportunities(markets []types.Market, signals []types.Signal) {
	now := t.now()
	fmt.Fprintf(t.out, "\n[%s] %d markets scanned, %d opportunities\n",
		now.Format("15:04:05"), len(markets), len(signals))
	if len(signals) == 0 {
		return
	}

	table := tablewriter.NewWriter(t.out)
	table.Header("#", "Market", "Side", "Price", "Edge%", "Conf", "Strategy", "Resolves", "Volume")
	for i, sig := range signals {
		m := sig.Market
		resolves := "?"
		if hours, ok := m.HoursToResolution(now); ok {
			resolves = formatHours(hours)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(m.Question, 45),
			string(sig.Side),
			fmt.Sprintf("%.0f¢", sig.EntryPrice*100),
			fmt.Sprintf("%.1f", sig.EdgePct),
			fmt.Sprintf("%.2f", sig.Confidence),
			sig.Strategy,
			resolves,
			fmt.Sprintf("$%.0f", m.Volume),
		)
	}
	table.Render()

	stake, err := t.risk.ApproveEntry(t.portfolio.TotalExposure(), t.portfolio.Count())
	if err != nil {
		fmt.Fprintf(t.out, "would not enter: %v\n", err)
		return
	}
	fmt.Fprintf(t.out, "would stake $%.2f on the top signal\n", stake)
}

// FinalReport renders the session summary: cycle counts, bankroll
// movement, and the ledger's trade statistics.
func (t *Trader) FinalReport(ctx context.Context) {
	realized := t.portfolio.RealizedPnL()
	unrealized := t.portfolio.TotalUnrealizedPnL()
	bankroll := t.cfg.AutoTrade.Bankroll

	t.mu.Lock()
	cycles, entries, closes := t.cycles, t.entriesPlaced, t.forcedCloses
	t.mu.Unlock()

	fmt.Fprintln(t.out, "\n=== session report ===")
	table := tablewriter.NewWriter(t.out)
	table.Header("Metric", "Value")
	table.Append("Cycles", fmt.Sprintf("%d", cycles))
	table.Append("Entries placed", fmt.Sprintf("%d", entries))
	table.Append("Timeout closes", fmt.Sprintf("%d", closes))
	table.Append("Open positions", fmt.Sprintf("%d", t.portfolio.Count()))
	table.Append("Session realized P&L", fmt.Sprintf("$%.2f", realized-t.startRealized))
	table.Append("Total realized P&L", fmt.Sprintf("$%.2f", realized))
	table.Append("Unrealized P&L", fmt.Sprintf("$%.2f", unrealized))
	table.Append("Starting bankroll", fmt.Sprintf("$%.2f", bankroll))
	table.Append("Current equity", fmt.Sprintf("$%.2f", bankroll+realized+unrealized))

	if stats, err := t.store.TradeStats(ctx); err != nil {
		t.logger.Warn("trade stats unavailable", "err", err)
	} else {
		table.Append("Trades", fmt.Sprintf("%d (%d buys, %d sells)", stats.TotalTrades, stats.BuyCount, stats.SellCount))
		if stats.Wins+stats.Losses > 0 {
			table.Append("Win rate", fmt.Sprintf("%.1f%% (%dW %dL)", stats.WinRate, stats.Wins, stats.Losses))
		}
	}
	table.Render()

	for _, w := range t.portfolio.CheckRiskLimits() {
		t.logger.Warn("risk limit", "warning", w)
	}
}

// formatHours renders a horizon the way operators read it: hours under a
// day, days beyond.
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
