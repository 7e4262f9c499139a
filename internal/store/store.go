// Package store
package store

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/ticker"
)

// ErrNoSnapshot is returned by LoadSnapshot when nothing was persisted yet.
var ErrNoSnapshot = errors.New("store: no snapshot available")

// Fill is a completed (or partially completed) order execution kept for
// the trade history.
type Fill struct {
	OrderID       int64       `json:"order_id"`
	ParentOrderID int64       `json:"parent_order_id,omitempty"` // for sells: the buy being liquidated, 0 if unknown
	Symbol        string      `json:"symbol"`
	Side          broker.Side `json:"side"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	PlacedAt      time.Time   `json:"placed_at"`
	FilledAt      time.Time   `json:"filled_at"`
}

// Storage persists session snapshots, the fill history and journaled
// events. The snapshot is overwritten atomically; loading it after a
// restart must lose none of the working-order IDs, balances or lifetime
// counters.
type Storage interface {
	SaveSnapshot(ctx context.Context, s ticker.Snapshot) error
	LoadSnapshot(ctx context.Context) (ticker.Snapshot, error)
	RecordFill(ctx context.Context, f Fill) error
	journal.Journaler
	Close() error
}
