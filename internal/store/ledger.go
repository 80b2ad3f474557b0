package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// AppendTrade appends one row to the trade ledger and returns its row ID.
// The ledger is append-only; rows are never updated or deleted.
func (s *Store) AppendTrade(ctx context.Context, t types.Trade) (int64, error) {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (timestamp, token_id, market_question, side, action, size, price, fee, order_id, strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, t.TokenID, t.Question, string(t.Side), string(t.Action),
		t.Size, t.Price, t.Fee, nullString(t.OrderID), nullString(t.Strategy))
	if err != nil {
		return 0, fmt.Errorf("append trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("trade row id: %w", err)
	}
	return id, nil
}

// TradeFilter narrows TradeHistory results. Zero values mean "no constraint".
type TradeFilter struct {
	TokenID string
	Since   time.Time
	Limit   int
}

// TradeHistory returns ledger rows matching the filter, newest first.
func (s *Store) TradeHistory(ctx context.Context, f TradeFilter) ([]types.Trade, error) {
	query := `
		SELECT id, timestamp, token_id, market_question, side, action, size, price, fee, order_id, strategy
		FROM trades WHERE 1=1`
	var args []any
	if f.TokenID != "" {
		query += ` AND token_id = ?`
		args = append(args, f.TokenID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trade history: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(rows *sql.Rows) (types.Trade, error) {
	var t types.Trade
	var side, action string
	var orderID, strategy sql.NullString
	if err := rows.Scan(&t.ID, &t.Timestamp, &t.TokenID, &t.Question, &side, &action,
		&t.Size, &t.Price, &t.Fee, &orderID, &strategy); err != nil {
		return types.Trade{}, fmt.Errorf("scan trade: %w", err)
	}
	t.Side = types.Side(side)
	t.Action = types.OrderSide(action)
	t.OrderID = orderID.String
	t.Strategy = strategy.String
	return t, nil
}

// TradeStats aggregates the ledger. The win-rate heuristic replays the
// ledger in timestamp order, tracking a running average entry per
// (token, side); a SELL above that average counts as a win, at or below as
// a loss. Sells with no prior buys on record are not counted either way.
func (s *Store) TradeStats(ctx context.Context) (types.TradeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, token_id, market_question, side, action, size, price, fee, order_id, strategy
		FROM trades ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return types.TradeStats{}, fmt.Errorf("trade stats: %w", err)
	}
	defer rows.Close()

	type book struct{ size, avg float64 }
	open := make(map[string]*book)

	var stats types.TradeStats
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return types.TradeStats{}, err
		}
		stats.TotalTrades++
		stats.TotalFees += t.Fee
		key := t.TokenID + ":" + string(t.Side)

		switch t.Action {
		case types.BUY:
			stats.BuyCount++
			stats.BuyVolume += t.Size * t.Price
			b := open[key]
			if b == nil {
				b = &book{}
				open[key] = b
			}
			newSize := b.size + t.Size
			if newSize > 0 {
				b.avg = (b.size*b.avg + t.Size*t.Price) / newSize
			}
			b.size = newSize
		case types.SELL:
			stats.SellCount++
			stats.SellVolume += t.Size * t.Price
			if b, ok := open[key]; ok && b.size > 0 {
				if t.Price > b.avg {
					stats.Wins++
				} else {
					stats.Losses++
				}
				b.size -= t.Size
				if b.size < 0 {
					b.size = 0
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return types.TradeStats{}, err
	}

	if decided := stats.Wins + stats.Losses; decided > 0 {
		stats.WinRate = float64(stats.Wins) / float64(decided) * 100
	}
	return stats, nil
}

// AppendSnapshot records one price observation for a token.
func (s *Store) AppendSnapshot(ctx context.Context, snap types.PriceSnapshot) error {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (token_id, timestamp, price_yes, price_no, best_bid, best_ask)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.TokenID, ts, snap.PriceYes, snap.PriceNo,
		nullFloat(snap.BestBid), nullFloat(snap.BestAsk))
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// Snapshots returns up to limit of the most recent observations for a token
// within the past lastHours, ordered oldest first (the order strategies
// consume history in). limit <= 0 means no cap.
func (s *Store) Snapshots(ctx context.Context, tokenID string, lastHours float64, limit int) ([]types.PriceSnapshot, error) {
	since := time.Now().UTC().Add(-time.Duration(lastHours * float64(time.Hour)))

	query := `
		SELECT token_id, timestamp, price_yes, price_no, best_bid, best_ask
		FROM price_snapshots
		WHERE token_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC`
	args := []any{tokenID, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.PriceSnapshot
	for rows.Next() {
		var snap types.PriceSnapshot
		var bid, ask sql.NullFloat64
		if err := rows.Scan(&snap.TokenID, &snap.Timestamp, &snap.PriceYes, &snap.PriceNo, &bid, &ask); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.BestBid = bid.Float64
		snap.BestAsk = ask.Float64
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse the DESC-limited result back into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CleanupSnapshots deletes observations older than the retention window and
// returns the number of rows removed.
func (s *Store) CleanupSnapshots(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_snapshots WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup snapshots count: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}
