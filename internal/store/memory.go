package store

import (
	"context"
	"sync"
	"time"

	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/ticker"
)

// MemoryStore is an in-memory Storage for tests and dry runs.
type MemoryStore struct {
	mu sync.RWMutex

	snapshot    ticker.Snapshot
	hasSnapshot bool
	fills       []Fill
	events      []journal.Event
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		fills:  make([]Fill, 0, 64),
		events: make([]journal.Event, 0, 256),
	}
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, s ticker.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
	m.hasSnapshot = true
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context) (ticker.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasSnapshot {
		return ticker.Snapshot{}, ErrNoSnapshot
	}
	return m.snapshot, nil
}

func (m *MemoryStore) RecordFill(ctx context.Context, f Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
	return nil
}

// Fills returns the recorded fill history, oldest first.
func (m *MemoryStore) Fills() []Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Fill, len(m.fills))
	copy(out, m.fills)
	return out
}

func (m *MemoryStore) LogEvent(ctx context.Context, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if !start.IsZero() && e.Time.Before(start) {
			continue
		}
		if !end.IsZero() && e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
