// Package portfolio mirrors open positions in memory and accounts realized
// and unrealized P&L.
//
// Positions are keyed by (token, side). The mirror loads from the store on
// construction and every mutation persists before the in-memory state is
// updated, so the mirror and the positions table cannot drift across
// restarts. Mutations arrive from two places only: the scan loop (forced
// closures) and the order tracker's fill callbacks; a single mutex
// serializes them. Averaging-in keeps fill delivery idempotent enough that a
// rare duplicate callback moves the average, never corrupts the ledger sum.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jaboofin/polyclaudev3/internal/config"
	"github.com/jaboofin/polyclaudev3/internal/store"
	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const realizedPnLKey = "realized_pnl"

// PriceSource supplies current marks for open positions.
type PriceSource interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
}

// Portfolio is the in-memory mirror of open positions plus the running
// realized P&L scalar.
type Portfolio struct {
	store  *store.Store
	prices PriceSource
	logger *slog.Logger

	maxTotalExposure float64
	maxTradeSize     float64

	mu        sync.Mutex
	positions map[string]*types.Position
	realized  float64
}

func posKey(tokenID string, side types.Side) string {
	return tokenID + ":" + string(side)
}

// New loads positions and realized P&L from the store.
func New(ctx context.Context, st *store.Store, prices PriceSource, cfg *config.Config, logger *slog.Logger) (*Portfolio, error) {
	p := &Portfolio{
		store:            st,
		prices:           prices,
		logger:           logger.With("component", "portfolio"),
		maxTotalExposure: cfg.Trading.MaxTotalExposure,
		maxTradeSize:     cfg.Trading.MaxTradeSize,
		positions:        make(map[string]*types.Position),
	}

	rows, err := st.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	for i := range rows {
		pos := rows[i]
		p.positions[posKey(pos.TokenID, pos.Side)] = &pos
	}

	if v, ok, err := st.GetStateFloat(ctx, realizedPnLKey); err != nil {
		return nil, fmt.Errorf("load realized pnl: %w", err)
	} else if ok {
		p.realized = v
	}

	if len(rows) > 0 {
		p.logger.Info("positions restored", "count", len(rows), "realized_pnl", p.realized)
	}
	return p, nil
}

// AddPosition opens or averages into a position on a confirmed BUY fill and
// appends the BUY to the trade ledger.
func (p *Portfolio) AddPosition(ctx context.Context, tokenID, question string, side types.Side, size, entryPrice float64) error {
	if size <= 0 {
		return fmt.Errorf("add position %s %s: size must be > 0, got %v", tokenID, side, size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	key := posKey(tokenID, side)

	var updated types.Position
	if existing, ok := p.positions[key]; ok {
		updated = *existing
		totalSize := existing.Size + size
		totalCost := existing.Size*existing.AvgEntryPrice + size*entryPrice
		updated.Size = totalSize
		if totalSize > 0 {
			updated.AvgEntryPrice = totalCost / totalSize
		}
		updated.UpdatedAt = now
	} else {
		updated = types.Position{
			TokenID:       tokenID,
			Question:      question,
			Side:          side,
			Size:          size,
			AvgEntryPrice: entryPrice,
			CurrentPrice:  entryPrice,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
	}

	if err := p.store.UpsertPosition(ctx, updated); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	p.positions[key] = &updated

	if _, err := p.store.AppendTrade(ctx, types.Trade{
		Timestamp: now,
		TokenID:   tokenID,
		Question:  question,
		Side:      side,
		Action:    types.BUY,
		Size:      size,
		Price:     entryPrice,
	}); err != nil {
		return fmt.Errorf("record buy: %w", err)
	}

	p.logger.Info("position added",
		"token", tokenID, "side", side, "size", size, "price", entryPrice,
		"total_size", updated.Size, "avg_entry", updated.AvgEntryPrice)
	return nil
}

// ClosePosition reduces or removes a position on a confirmed SELL fill,
// returning the realized P&L delta. Size is clamped to the open size. A
// close against an unknown position logs and returns zero.
func (p *Portfolio) ClosePosition(ctx context.Context, tokenID string, side types.Side, size, exitPrice float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := posKey(tokenID, side)
	pos, ok := p.positions[key]
	if !ok {
		p.logger.Warn("close for unknown position", "token", tokenID, "side", side, "size", size)
		return 0, nil
	}

	if size > pos.Size {
		size = pos.Size
	}
	realized := size * (exitPrice - pos.AvgEntryPrice)
	now := time.Now().UTC()

	remaining := pos.Size - size
	if remaining <= 1e-9 {
		if err := p.store.DeletePosition(ctx, tokenID, side); err != nil {
			return 0, fmt.Errorf("delete position: %w", err)
		}
		delete(p.positions, key)
	} else {
		updated := *pos
		updated.Size = remaining
		updated.CurrentPrice = exitPrice
		updated.UpdatedAt = now
		if err := p.store.UpsertPosition(ctx, updated); err != nil {
			return 0, fmt.Errorf("persist position: %w", err)
		}
		*pos = updated
	}

	p.realized += realized
	if err := p.store.SetStateFloat(ctx, realizedPnLKey, p.realized); err != nil {
		return realized, fmt.Errorf("persist realized pnl: %w", err)
	}

	if _, err := p.store.AppendTrade(ctx, types.Trade{
		Timestamp: now,
		TokenID:   tokenID,
		Question:  pos.Question,
		Side:      side,
		Action:    types.SELL,
		Size:      size,
		Price:     exitPrice,
	}); err != nil {
		return realized, fmt.Errorf("record sell: %w", err)
	}

	p.logger.Info("position closed",
		"token", tokenID, "side", side, "size", size, "exit", exitPrice,
		"realized", realized, "remaining", remaining)
	return realized, nil
}

// UpdatePrices refreshes the current mark on every open position from the
// price source and persists each. Individual failures are logged and
// skipped. The lock is never held across a network call.
func (p *Portfolio) UpdatePrices(ctx context.Context) {
	type target struct {
		key     string
		tokenID string
		side    types.Side
	}

	p.mu.Lock()
	targets := make([]target, 0, len(p.positions))
	for key, pos := range p.positions {
		targets = append(targets, target{key: key, tokenID: pos.TokenID, side: pos.Side})
	}
	p.mu.Unlock()

	for _, tgt := range targets {
		mid, err := p.prices.GetMidpoint(ctx, tgt.tokenID)
		if err != nil || mid <= 0 {
			p.logger.Warn("price refresh failed", "token", tgt.tokenID, "err", err)
			continue
		}
		now := time.Now().UTC()

		p.mu.Lock()
		if pos, ok := p.positions[tgt.key]; ok {
			pos.CurrentPrice = mid
			pos.UpdatedAt = now
		}
		p.mu.Unlock()

		if err := p.store.UpdatePositionPrice(ctx, tgt.tokenID, tgt.side, mid, now); err != nil {
			p.logger.Warn("price persist failed", "token", tgt.tokenID, "err", err)
		}
	}
}

// Position returns a copy of one position.
func (p *Portfolio) Position(tokenID string, side types.Side) (types.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[posKey(tokenID, side)]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// HasPosition reports whether any side of the market's tokens is held.
func (p *Portfolio) HasPosition(tokenIDs ...string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tokenID := range tokenIDs {
		for _, side := range []types.Side{types.YES, types.NO} {
			if _, ok := p.positions[posKey(tokenID, side)]; ok {
				return true
			}
		}
	}
	return false
}

// Positions returns a snapshot of all open positions, oldest first.
func (p *Portfolio) Positions() []types.Position {
	p.mu.Lock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count returns the number of open positions.
func (p *Portfolio) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

// RealizedPnL returns the accumulated realized P&L.
func (p *Portfolio) RealizedPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized
}

// TotalValue sums current value across positions.
func (p *Portfolio) TotalValue() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for _, pos := range p.positions {
		total += pos.CurrentValue()
	}
	return total
}

// TotalExposure sums cost basis across positions.
func (p *Portfolio) TotalExposure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for _, pos := range p.positions {
		total += pos.CostBasis()
	}
	return total
}

// TotalUnrealizedPnL sums unrealized P&L across positions.
func (p *Portfolio) TotalUnrealizedPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0.0
	for _, pos := range p.positions {
		total += pos.UnrealizedPnL()
	}
	return total
}

// CheckRiskLimits returns human-readable warnings for exceeded limits:
// total exposure over the configured cap, or any single position's cost
// basis over twice the max trade size.
func (p *Portfolio) CheckRiskLimits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var warnings []string
	exposure := 0.0
	for _, pos := range p.positions {
		exposure += pos.CostBasis()
	}
	if p.maxTotalExposure > 0 && exposure > p.maxTotalExposure {
		warnings = append(warnings, fmt.Sprintf(
			"total exposure $%.2f exceeds limit $%.2f", exposure, p.maxTotalExposure))
	}
	for _, pos := range p.positions {
		if p.maxTradeSize > 0 && pos.CostBasis() > 2*p.maxTradeSize {
			warnings = append(warnings, fmt.Sprintf(
				"oversized position %q: cost basis $%.2f", truncate(pos.Question, 40), pos.CostBasis()))
		}
	}
	return warnings
}

// Stats aggregates the portfolio view plus the ledger's win rate.
type Stats struct {
	TotalPositions     int                `json:"total_positions"`
	TotalValue         float64            `json:"total_value"`
	TotalCostBasis     float64            `json:"total_cost_basis"`
	TotalUnrealizedPnL float64            `json:"total_unrealized_pnl"`
	TotalRealizedPnL   float64            `json:"total_realized_pnl"`
	WinRate            float64            `json:"win_rate"`
	LargestPosition    string             `json:"largest_position,omitempty"`
	ExposureByCategory map[string]float64 `json:"exposure_by_category,omitempty"`
}

// Stats computes portfolio statistics. Win rate comes from the persisted
// trade ledger.
func (p *Portfolio) Stats(ctx context.Context) (Stats, error) {
	tradeStats, err := p.store.TradeStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("trade stats: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalPositions:     len(p.positions),
		TotalRealizedPnL:   p.realized,
		WinRate:            tradeStats.WinRate,
		ExposureByCategory: make(map[string]float64),
	}

	largestValue := 0.0
	for _, pos := range p.positions {
		s.TotalValue += pos.CurrentValue()
		s.TotalCostBasis += pos.CostBasis()
		s.TotalUnrealizedPnL += pos.UnrealizedPnL()
		s.ExposureByCategory[categorize(pos.Question)] += pos.CurrentValue()
		if pos.CurrentValue() > largestValue {
			largestValue = pos.CurrentValue()
			s.LargestPosition = pos.Question
		}
	}
	return s, nil
}

func categorize(question string) string {
	q := strings.ToLower(question)
	for _, kw := range []string{"btc", "bitcoin", "eth", "ethereum", "sol", "crypto"} {
		if strings.Contains(q, kw) {
			return "crypto"
		}
	}
	return "sports"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// exportFile is the on-disk snapshot shape. Trades are included for audit;
// importing restores positions and realized P&L but never rewrites the
// ledger.
type exportFile struct {
	ExportedAt  time.Time        `json:"exported_at"`
	Positions   []types.Position `json:"positions"`
	Trades      []types.Trade    `json:"trades"`
	RealizedPnL float64          `json:"realized_pnl"`
}

// ExportJSON writes positions, the trade ledger, and realized P&L to a file.
func (p *Portfolio) ExportJSON(ctx context.Context, path string) error {
	trades, err := p.store.TradeHistory(ctx, store.TradeFilter{})
	if err != nil {
		return fmt.Errorf("export trades: %w", err)
	}

	out := exportFile{
		ExportedAt:  time.Now().UTC(),
		Positions:   p.Positions(),
		Trades:      trades,
		RealizedPnL: p.RealizedPnL(),
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write portfolio: %w", err)
	}
	p.logger.Info("portfolio exported", "path", path, "positions", len(out.Positions))
	return nil
}

// ImportJSON replaces the position set and realized P&L with a file's
// contents, persisting the new state. Positions absent from the file are
// deleted from the store.
func (p *Portfolio) ImportJSON(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read portfolio: %w", err)
	}
	var in exportFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse portfolio: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	imported := make(map[string]*types.Position, len(in.Positions))
	for i := range in.Positions {
		pos := in.Positions[i]
		if err := p.store.UpsertPosition(ctx, pos); err != nil {
			return fmt.Errorf("persist imported position: %w", err)
		}
		imported[posKey(pos.TokenID, pos.Side)] = &pos
	}
	for key, pos := range p.positions {
		if _, ok := imported[key]; ok {
			continue
		}
		if err := p.store.DeletePosition(ctx, pos.TokenID, pos.Side); err != nil {
			return fmt.Errorf("remove stale position: %w", err)
		}
	}

	if err := p.store.SetStateFloat(ctx, realizedPnLKey, in.RealizedPnL); err != nil {
		return fmt.Errorf("persist realized pnl: %w", err)
	}

	p.positions = imported
	p.realized = in.RealizedPnL
	p.logger.Info("portfolio imported", "path", path, "positions", len(imported))
	return nil
}
