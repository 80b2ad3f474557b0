// Package store provides durable state persistence backed by SQLite.
//
// One database file holds every table the bot needs: positions, the
// append-only trade ledger, price snapshots, pending (exchange) orders,
// order intents, auto orders, and a small key-value table for scalars like
// daily P&L baselines. The store is the only cross-component source of truth
// for order and position state; in-memory owners (Portfolio, OrderTracker,
// the auto-order engine) mirror into it after every mutation and reload from
// it on startup.
//
// The driver is modernc.org/sqlite (pure Go, no cgo). The pool is capped at
// a single connection so every logical call is serialized; WAL mode keeps
// concurrent readers cheap if that ever changes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaboofin/polyclaudev3/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id              TEXT PRIMARY KEY,
	token_id        TEXT NOT NULL,
	market_question TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	size            REAL NOT NULL,
	avg_entry_price REAL NOT NULL,
	current_price   REAL NOT NULL DEFAULT 0,
	opened_at       TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp       TIMESTAMP NOT NULL,
	token_id        TEXT NOT NULL,
	market_question TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	action          TEXT NOT NULL,
	size            REAL NOT NULL,
	price           REAL NOT NULL,
	fee             REAL NOT NULL DEFAULT 0,
	order_id        TEXT,
	strategy        TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_token_time ON trades(token_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_time ON trades(timestamp);

CREATE TABLE IF NOT EXISTS price_snapshots (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	token_id  TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	price_yes REAL NOT NULL,
	price_no  REAL NOT NULL,
	best_bid  REAL,
	best_ask  REAL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_token_time ON price_snapshots(token_id, timestamp);

CREATE TABLE IF NOT EXISTS bot_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS auto_orders (
	id               TEXT PRIMARY KEY,
	token_id         TEXT NOT NULL,
	market_question  TEXT NOT NULL DEFAULT '',
	order_type       TEXT NOT NULL,
	side             TEXT NOT NULL,
	size             REAL NOT NULL,
	trigger_price    REAL NOT NULL,
	limit_price      REAL,
	trailing_percent REAL,
	highest_price    REAL NOT NULL DEFAULT 0,
	state            TEXT NOT NULL,
	linked_order_id  TEXT,
	execution_price  REAL,
	created_at       TIMESTAMP NOT NULL,
	triggered_at     TIMESTAMP,
	executed_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_auto_orders_state ON auto_orders(state);

CREATE TABLE IF NOT EXISTS pending_orders (
	order_id        TEXT PRIMARY KEY,
	token_id        TEXT NOT NULL,
	market_question TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	order_side      TEXT NOT NULL,
	size            REAL NOT NULL,
	limit_price     REAL NOT NULL,
	status          TEXT NOT NULL,
	filled_size     REAL NOT NULL DEFAULT 0,
	avg_fill_price  REAL NOT NULL DEFAULT 0,
	strategy        TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_status ON pending_orders(status);

CREATE TABLE IF NOT EXISTS order_intents (
	intent_id   TEXT PRIMARY KEY,
	token_id    TEXT NOT NULL,
	side        TEXT NOT NULL,
	order_side  TEXT NOT NULL,
	limit_price REAL,
	size        REAL,
	strategy    TEXT,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_token_time ON order_intents(token_id, created_at);
`

// Store wraps the SQLite database. Safe for concurrent use: the single
// pooled connection serializes every call.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// positionKey builds the positions primary key. One row per (token, side).
func positionKey(tokenID string, side types.Side) string {
	return tokenID + ":" + string(side)
}

// UpsertPosition inserts or replaces the position row for (token, side).
func (s *Store) UpsertPosition(ctx context.Context, p types.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, token_id, market_question, side, size, avg_entry_price, current_price, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			market_question = excluded.market_question,
			size            = excluded.size,
			avg_entry_price = excluded.avg_entry_price,
			current_price   = excluded.current_price,
			updated_at      = excluded.updated_at`,
		positionKey(p.TokenID, p.Side), p.TokenID, p.Question, string(p.Side),
		p.Size, p.AvgEntryPrice, p.CurrentPrice, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes the row for (token, side). Missing rows are not an error.
func (s *Store) DeletePosition(ctx context.Context, tokenID string, side types.Side) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, positionKey(tokenID, side))
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// UpdatePositionPrice refreshes current_price for (token, side).
func (s *Store) UpdatePositionPrice(ctx context.Context, tokenID string, side types.Side, price float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE positions SET current_price = ?, updated_at = ? WHERE id = ?`,
		price, at, positionKey(tokenID, side))
	if err != nil {
		return fmt.Errorf("update position price: %w", err)
	}
	return nil
}

// LoadPositions returns every persisted position.
func (s *Store) LoadPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, market_question, side, size, avg_entry_price, current_price, opened_at, updated_at
		FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var side string
		if err := rows.Scan(&p.TokenID, &p.Question, &side, &p.Size, &p.AvgEntryPrice,
			&p.CurrentPrice, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Side = types.Side(side)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetState stores a string value under key in bot_state.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads a string value. found is false when the key is absent.
func (s *Store) GetState(ctx context.Context, key string) (value string, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// SetStateFloat stores a float scalar (formatted, not binary).
func (s *Store) SetStateFloat(ctx context.Context, key string, value float64) error {
	return s.SetState(ctx, key, strconv.FormatFloat(value, 'f', -1, 64))
}

// GetStateFloat reads a float scalar previously written with SetStateFloat.
func (s *Store) GetStateFloat(ctx context.Context, key string) (float64, bool, error) {
	raw, found, err := s.GetState(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse state %s: %w", key, err)
	}
	return f, true, nil
}

// SetJSON stores a JSON-encoded value under key.
func (s *Store) SetJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	return s.SetState(ctx, key, string(data))
}

// GetJSON decodes the value under key into dst. found is false when absent.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, found, err := s.GetState(ctx, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("unmarshal state %s: %w", key, err)
	}
	return true, nil
}

// Stats returns per-table row counts for the status report.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	tables := []string{
		"positions", "trades", "price_snapshots", "bot_state",
		"auto_orders", "pending_orders", "order_intents",
	}
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		// Table names come from the fixed list above, never from input.
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}
