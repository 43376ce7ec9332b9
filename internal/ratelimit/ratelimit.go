// Package ratelimit implements per-key sliding-window admission limits.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/seantiz/qgate/internal/clock"
)

// Limiter decides whether another event for key fits in the window. When it
// does not, retryAfter is the whole number of seconds after which the next
// call is guaranteed to succeed if no other events are recorded.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter int, err error)
}

// RetryAfter converts the time until the oldest event leaves the window
// into whole seconds, never less than one.
func RetryAfter(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// minSweep is the key count below which idle windows are never swept.
const minSweep = 1024

// Memory is an in-process sliding-window limiter. Each key holds the
// timestamps of its admitted events in arrival order. Keys are serialized
// independently so unrelated identities never contend. Windows whose events
// have all expired are dropped once the key count doubles since the last
// sweep.
type Memory struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	keys    map[string]*window
	sweepAt int
}

var _ Limiter = (*Memory)(nil)

type window struct {
	mu     sync.Mutex
	events []time.Time
	head   int
	// refs counts in-flight Allow calls; guarded by Memory.mu.
	refs int
}

// NewMemory creates a limiter admitting at most limit events per window.
func NewMemory(limit int, w time.Duration, c clock.Clock) *Memory {
	return &Memory{
		limit:   limit,
		window:  w,
		clock:   c,
		keys:    make(map[string]*window),
		sweepAt: minSweep,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, int, error) {
	w := m.acquire(key)
	defer m.release(w)
	now := m.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now.Add(-m.window))
	if w.len() >= m.limit {
		oldest := w.events[w.head]
		return false, RetryAfter(oldest.Add(m.window).Sub(now)), nil
	}
	w.events = append(w.events, now)
	return true, 0, nil
}

// Keys reports how many keys currently hold a window.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *Memory) acquire(key string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.keys[key]
	if !ok {
		if len(m.keys) >= m.sweepAt {
			m.sweep(m.clock.Now().Add(-m.window))
			m.sweepAt = max(minSweep, 2*len(m.keys))
		}
		w = &window{}
		m.keys[key] = w
	}
	w.refs++
	return w
}

func (m *Memory) release(w *window) {
	m.mu.Lock()
	w.refs--
	m.mu.Unlock()
}

// sweep drops windows that no caller holds and that have no event after
// cutoff. Callers must hold m.mu.
func (m *Memory) sweep(cutoff time.Time) {
	for k, w := range m.keys {
		if w.refs > 0 {
			continue
		}
		w.mu.Lock()
		w.prune(cutoff)
		empty := w.len() == 0
		w.mu.Unlock()
		if empty {
			delete(m.keys, k)
		}
	}
}

func (w *window) len() int {
	return len(w.events) - w.head
}

// prune drops events at or before cutoff. Events are appended in time
// order, so eviction only ever happens at the front.
func (w *window) prune(cutoff time.Time) {
	for w.head < len(w.events) && !w.events[w.head].After(cutoff) {
		w.head++
	}
	if w.head == len(w.events) {
		w.events = w.events[:0]
		w.head = 0
		return
	}
	if w.head > len(w.events)/2 {
		n := copy(w.events, w.events[w.head:])
		w.events = w.events[:n]
		w.head = 0
	}
}
