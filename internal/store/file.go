package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/ticker"
)

// FileStore keeps the snapshot as a JSON file (written via a temp file
// and rename so a crash never leaves a torn snapshot) and appends fills
// and events to JSON-lines files next to it.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) snapshotPath() string { return filepath.Join(f.dir, "snapshot.json") }

func (f *FileStore) SaveSnapshot(ctx context.Context, s ticker.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := f.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.snapshotPath()); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) LoadSnapshot(ctx context.Context) (ticker.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.snapshotPath())
	if os.IsNotExist(err) {
		return ticker.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return ticker.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var s ticker.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return ticker.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func (f *FileStore) RecordFill(ctx context.Context, fill Fill) error {
	return f.appendLine("fills.jsonl", fill)
}

func (f *FileStore) LogEvent(ctx context.Context, e journal.Event) error {
	return f.appendLine("events.jsonl", e)
}

func (f *FileStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.dir, "events.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	var out []journal.Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e journal.Event
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode event: %w", err)
		}
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

func (f *FileStore) appendLine(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	file, err := os.OpenFile(filepath.Join(f.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
