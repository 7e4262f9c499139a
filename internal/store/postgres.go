package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/ticker"
)

// PostgresStore keeps the latest snapshot in a single-row table and the
// fill history in buy_orders / sell_orders tables so past transactions
// can be queried after the fact.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(connStr string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			taken TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS buy_orders (
			buy_order_id BIGINT PRIMARY KEY,
			stock_ticker TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			time_placed TIMESTAMPTZ,
			time_filled TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sell_orders (
			sell_order_id BIGINT PRIMARY KEY,
			stock_ticker TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			time_placed TIMESTAMPTZ,
			time_filled TIMESTAMPTZ,
			buy_order_id_link BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			description TEXT,
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("postgres store: schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap ticker.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, taken, data) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET taken = EXCLUDED.taken, data = EXCLUDED.data`,
		snap.Taken, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (ticker.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return ticker.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return ticker.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap ticker.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ticker.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) RecordFill(ctx context.Context, f Fill) error {
	var err error
	switch f.Side {
	case broker.SideBuy:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO buy_orders (buy_order_id, stock_ticker, price, quantity, time_placed, time_filled)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (buy_order_id) DO UPDATE SET quantity = EXCLUDED.quantity, time_filled = EXCLUDED.time_filled`,
			f.OrderID, f.Symbol, f.Price, f.Quantity, f.PlacedAt, f.FilledAt)
	case broker.SideSell:
		var link any
		if f.ParentOrderID != 0 {
			link = f.ParentOrderID
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sell_orders (sell_order_id, stock_ticker, price, quantity, time_placed, time_filled, buy_order_id_link)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sell_order_id) DO UPDATE SET quantity = EXCLUDED.quantity, time_filled = EXCLUDED.time_filled`,
			f.OrderID, f.Symbol, f.Price, f.Quantity, f.PlacedAt, f.FilledAt, link)
	default:
		return fmt.Errorf("record fill: unknown side %q", f.Side)
	}
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogEvent(ctx context.Context, e journal.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (time, type, description, data) VALUES ($1, $2, $3, $4)`,
		e.Time, e.Type, e.Description, data)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	// Zero bounds mean unbounded, matching the other stores.
	if end.IsZero() {
		end = time.Now().AddDate(100, 0, 0)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, type, description, data FROM events
		WHERE ($1 = '' OR type = $1) AND time >= $2 AND time <= $3
		ORDER BY time`,
		eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return out, fmt.Errorf("scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return out, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }
