// Package ratelimit paces outbound brokerage calls under the
// provider's per-second request allowance.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Window is the trailing period inside which at most K calls may start.
const Window = time.Second

// Limiter bounds outbound API calls to at most K per trailing second.
//
// It keeps the start time of the K most recent calls in a fixed set of
// slots. Acquire blocks until a new call may start and returns the index
// of the least-recently-used slot; the caller overwrites that slot with
// Record once its request has gone out. Deferring the write means a call
// that fails before reaching the wire does not burn a slot.
type Limiter struct {
	mu    sync.Mutex
	slots []time.Time

	// Injected for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Limiter with k slots. k is the provider's minimum
// concurrent-request allowance (2 for the brokerage API).
func New(k int) *Limiter {
	if k < 1 {
		k = 1
	}
	return &Limiter{
		slots: make([]time.Time, k),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Acquire blocks until another call may start within the rate limit and
// returns the index of the oldest slot. The caller must call Record with
// that index once the request has been issued.
//
// The wait rule: with K slots occupied, a new call may start only after
// the oldest recorded call is at least one Window old. Zero-valued slots
// never force a wait, so the first K calls go straight through.
func (l *Limiter) Acquire() int {
	l.mu.Lock()

	sorted := make([]time.Time, len(l.slots))
	copy(sorted, l.slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	oldest := sorted[0]
	wait := time.Duration(0)
	if !oldest.IsZero() {
		if elapsed := l.now().Sub(oldest); elapsed < Window {
			wait = Window - elapsed
		}
	}

	idx := 0
	for i, t := range l.slots {
		if t.Before(l.slots[idx]) {
			idx = i
		}
	}
	l.mu.Unlock()

	if wait > 0 {
		// Bounded by Window, so this cannot stall the caller indefinitely.
		if wait > Window {
			wait = Window
		}
		l.sleep(wait)
	}
	return idx
}

// Record stamps slot idx with the current time. Call it right after the
// request for the acquired slot has been issued.
func (l *Limiter) Record(idx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx >= 0 && idx < len(l.slots) {
		l.slots[idx] = l.now()
	}
}

// Slots returns a copy of the recorded call times, oldest first not
// guaranteed. Used by snapshots and tests.
func (l *Limiter) Slots() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, len(l.slots))
	copy(out, l.slots)
	return out
}

// Restore reloads previously snapshotted call times, e.g. after a restart.
// Extra entries are ignored; missing ones stay zero.
func (l *Limiter) Restore(times []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < len(l.slots) && i < len(times); i++ {
		l.slots[i] = times[i]
	}
}
