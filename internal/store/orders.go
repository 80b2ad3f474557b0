package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

// UpsertPendingOrder inserts or replaces the tracked-order mirror row.
// Called on registration (status LIVE) and after every poll transition.
func (s *Store) UpsertPendingOrder(ctx context.Context, o types.TrackedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_orders (order_id, token_id, market_question, side, order_side,
			size, limit_price, status, filled_size, avg_fill_price, strategy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			status         = excluded.status,
			filled_size    = excluded.filled_size,
			avg_fill_price = excluded.avg_fill_price,
			updated_at     = excluded.updated_at`,
		o.OrderID, o.TokenID, o.Question, string(o.Side), string(o.OrderSide),
		o.Size, o.LimitPrice, string(o.Status), o.FilledSize, o.AvgFillPrice,
		nullString(o.Strategy), o.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert pending order: %w", err)
	}
	return nil
}

// UpdatePendingOrder writes the poll-derived status and fill progress.
func (s *Store) UpdatePendingOrder(ctx context.Context, orderID string, status types.OrderStatus, filledSize, avgFillPrice float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET status = ?, filled_size = ?, avg_fill_price = ?, updated_at = ?
		WHERE order_id = ?`,
		string(status), filledSize, avgFillPrice, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("update pending order: %w", err)
	}
	return nil
}

// PendingOrders returns every non-terminal tracked order (LIVE or
// PARTIALLY_FILLED). Used for crash recovery and poll iteration.
func (s *Store) PendingOrders(ctx context.Context) ([]types.TrackedOrder, error) {
	return s.queryPendingOrders(ctx, `
		SELECT order_id, token_id, market_question, side, order_side, size, limit_price,
			status, filled_size, avg_fill_price, strategy, created_at, updated_at
		FROM pending_orders WHERE status IN (?, ?)`,
		string(types.StatusLive), string(types.StatusPartiallyFilled))
}

// PendingOrdersByStatus returns tracked orders in one status.
func (s *Store) PendingOrdersByStatus(ctx context.Context, status types.OrderStatus) ([]types.TrackedOrder, error) {
	return s.queryPendingOrders(ctx, `
		SELECT order_id, token_id, market_question, side, order_side, size, limit_price,
			status, filled_size, avg_fill_price, strategy, created_at, updated_at
		FROM pending_orders WHERE status = ?`, string(status))
}

// PendingOrder returns one tracked order by ID. found is false when absent.
func (s *Store) PendingOrder(ctx context.Context, orderID string) (types.TrackedOrder, bool, error) {
	orders, err := s.queryPendingOrders(ctx, `
		SELECT order_id, token_id, market_question, side, order_side, size, limit_price,
			status, filled_size, avg_fill_price, strategy, created_at, updated_at
		FROM pending_orders WHERE order_id = ?`, orderID)
	if err != nil {
		return types.TrackedOrder{}, false, err
	}
	if len(orders) == 0 {
		return types.TrackedOrder{}, false, nil
	}
	return orders[0], true, nil
}

// HasLiveOrderForToken reports whether any LIVE or partially filled order
// exists on a token. The orchestrator uses it to avoid stacking entries.
func (s *Store) HasLiveOrderForToken(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_orders
		WHERE token_id = ? AND status IN (?, ?)`,
		tokenID, string(types.StatusLive), string(types.StatusPartiallyFilled)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("live orders for token: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryPendingOrders(ctx context.Context, query string, args ...any) ([]types.TrackedOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	var out []types.TrackedOrder
	for rows.Next() {
		var o types.TrackedOrder
		var side, orderSide, status string
		var strategy sql.NullString
		var updatedAt time.Time
		if err := rows.Scan(&o.OrderID, &o.TokenID, &o.Question, &side, &orderSide,
			&o.Size, &o.LimitPrice, &status, &o.FilledSize, &o.AvgFillPrice,
			&strategy, &o.CreatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		o.Side = types.Side(side)
		o.OrderSide = types.OrderSide(orderSide)
		o.Status = types.OrderStatus(status)
		o.Strategy = strategy.String
		o.LastChecked = updatedAt
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateIntent inserts an idempotency record. Returns created=false when the
// fingerprint already exists; the primary-key constraint is the whole
// mechanism, so concurrent duplicates collapse to a single winner.
func (s *Store) CreateIntent(ctx context.Context, intentID, tokenID string, side types.Side, orderSide types.OrderSide, limitPrice, size float64, strategy string) (created bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO order_intents (intent_id, token_id, side, order_side, limit_price, size, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		intentID, tokenID, string(side), string(orderSide),
		limitPrice, size, nullString(strategy), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("create intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create intent count: %w", err)
	}
	return n > 0, nil
}

// HasIntent reports whether an intent fingerprint is on record.
func (s *Store) HasIntent(ctx context.Context, intentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_intents WHERE intent_id = ?`, intentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("intent lookup: %w", err)
	}
	return n > 0, nil
}

// DeleteIntent removes one intent record (used when a gated submission is
// rejected downstream and may legitimately be retried).
func (s *Store) DeleteIntent(ctx context.Context, intentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM order_intents WHERE intent_id = ?`, intentID)
	if err != nil {
		return fmt.Errorf("delete intent: %w", err)
	}
	return nil
}

// CleanupIntents bulk-deletes intents older than the given age.
func (s *Store) CleanupIntents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM order_intents WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup intents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup intents count: %w", err)
	}
	return n, nil
}

// UpsertAutoOrder inserts or replaces an auto-order row.
func (s *Store) UpsertAutoOrder(ctx context.Context, o types.AutoOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_orders (id, token_id, market_question, order_type, side, size,
			trigger_price, limit_price, trailing_percent, highest_price, state,
			linked_order_id, execution_price, created_at, triggered_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_price   = excluded.trigger_price,
			highest_price   = excluded.highest_price,
			state           = excluded.state,
			linked_order_id = excluded.linked_order_id,
			execution_price = excluded.execution_price,
			triggered_at    = excluded.triggered_at,
			executed_at     = excluded.executed_at`,
		o.ID, o.TokenID, o.Question, string(o.Type), string(o.Side), o.Size,
		o.TriggerPrice, nullFloat(o.LimitPrice), nullFloat(o.TrailingPercent),
		o.HighestPrice, string(o.State), nullString(o.LinkedOrderID),
		nullFloat(o.ExecutionPrice), o.CreatedAt, nullTime(o.TriggeredAt), nullTime(o.ExecutedAt))
	if err != nil {
		return fmt.Errorf("upsert auto order: %w", err)
	}
	return nil
}

// UpdateAutoOrderState transitions one auto order, stamping triggered_at or
// executed_at when the state calls for it.
func (s *Store) UpdateAutoOrderState(ctx context.Context, id string, state types.AutoOrderState, at time.Time) error {
	query := `UPDATE auto_orders SET state = ? WHERE id = ?`
	args := []any{string(state), id}
	switch state {
	case types.AutoTriggered:
		query = `UPDATE auto_orders SET state = ?, triggered_at = ? WHERE id = ?`
		args = []any{string(state), at, id}
	case types.AutoExecuted:
		query = `UPDATE auto_orders SET state = ?, executed_at = ? WHERE id = ?`
		args = []any{string(state), at, id}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update auto order state: %w", err)
	}
	return nil
}

// UpdateAutoOrderTrail persists a trailing stop's ratcheted high-water mark
// and trigger price.
func (s *Store) UpdateAutoOrderTrail(ctx context.Context, id string, highestPrice, triggerPrice float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auto_orders SET highest_price = ?, trigger_price = ? WHERE id = ?`,
		highestPrice, triggerPrice, id)
	if err != nil {
		return fmt.Errorf("update auto order trail: %w", err)
	}
	return nil
}

// ActiveAutoOrders returns every auto order not yet in a terminal state.
func (s *Store) ActiveAutoOrders(ctx context.Context) ([]types.AutoOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, market_question, order_type, side, size, trigger_price,
			limit_price, trailing_percent, highest_price, state, linked_order_id,
			execution_price, created_at, triggered_at, executed_at
		FROM auto_orders WHERE state NOT IN (?, ?, ?)`,
		string(types.AutoExecuted), string(types.AutoCancelled), string(types.AutoFailed))
	if err != nil {
		return nil, fmt.Errorf("query auto orders: %w", err)
	}
	defer rows.Close()

	var out []types.AutoOrder
	for rows.Next() {
		var o types.AutoOrder
		var orderType, side, state string
		var limitPrice, trailingPct, execPrice sql.NullFloat64
		var linked sql.NullString
		var triggeredAt, executedAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.TokenID, &o.Question, &orderType, &side, &o.Size,
			&o.TriggerPrice, &limitPrice, &trailingPct, &o.HighestPrice, &state,
			&linked, &execPrice, &o.CreatedAt, &triggeredAt, &executedAt); err != nil {
			return nil, fmt.Errorf("scan auto order: %w", err)
		}
		o.Type = types.AutoOrderType(orderType)
		o.Side = types.Side(side)
		o.State = types.AutoOrderState(state)
		o.LimitPrice = limitPrice.Float64
		o.TrailingPercent = trailingPct.Float64
		o.ExecutionPrice = execPrice.Float64
		o.LinkedOrderID = linked.String
		o.TriggeredAt = triggeredAt.Time
		o.ExecutedAt = executedAt.Time
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
