// Package window tracks per-identity touch history: sliding-window counts,
// per-day totals, last observed dwell, and the last genuine visit. State is
// held on a capacity-bounded LRU so cold identities fall out instead of
// growing the process without bound.
package window

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dayLayout = "2006-01-02"

type entry struct {
	mu        sync.Mutex
	touches   []time.Time
	days      map[string]int
	lastDwell int64 // ms; 0 = not recorded
	lastGood  time.Time
	lastSeen  time.Time
}

// Tracker is the bounded per-identity touch store.
type Tracker struct {
	entries *lru.Cache[string, *entry]
}

// New creates a Tracker bounded to capacity identities.
func New(capacity int) (*Tracker, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("identity store capacity must be >= 1, got %d", capacity)
	}
	cache, err := lru.New[string, *entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create identity store: %w", err)
	}
	return &Tracker{entries: cache}, nil
}

func (t *Tracker) get(id string) *entry {
	if e, ok := t.entries.Get(id); ok {
		return e
	}
	e := &entry{days: make(map[string]int)}
	// Racing passes for a brand-new identity may both construct; the second
	// Add wins, losing at most one touch on the very first observation.
	if prev, ok, _ := t.entries.PeekOrAdd(id, e); ok {
		return prev
	}
	return e
}

// Touch appends a timestamp to the identity's touch history and bumps its
// daily counter.
func (t *Tracker) Touch(id string, now time.Time) {
	e := t.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touches = append(e.touches, now)
	e.lastSeen = now

	day := now.UTC().Format(dayLayout)
	e.days[day]++
	// Older day buckets are dead weight once the date rolls over.
	for k := range e.days {
		if k != day {
			delete(e.days, k)
		}
	}
}

// CountWithin prunes touches older than now-window and returns the remaining
// count, in one pass. Timestamps arrive in order, so pruning from the front
// is always correct. Idempotent for a fixed now.
func (t *Tracker) CountWithin(id string, window time.Duration, now time.Time) int {
	e, ok := t.entries.Peek(id)
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	e.mu.Lock()
	defer e.mu.Unlock()
	i := 0
	for i < len(e.touches) && e.touches[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.touches = append(e.touches[:0], e.touches[i:]...)
	}
	return len(e.touches)
}

// DayCount returns the identity's touch count for the UTC day containing now.
func (t *Tracker) DayCount(id string, now time.Time) int {
	e, ok := t.entries.Peek(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.days[now.UTC().Format(dayLayout)]
}

// LastDwell returns the previously recorded dwell for the identity.
func (t *Tracker) LastDwell(id string) (int64, bool) {
	e, ok := t.entries.Peek(id)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastDwell == 0 {
		return 0, false
	}
	return e.lastDwell, true
}

// SetLastDwell records a dwell observation for the repeat-dwell signal.
// Zero dwells are not recorded.
func (t *Tracker) SetLastDwell(id string, ms int64) {
	if ms == 0 {
		return
	}
	e := t.get(id)
	e.mu.Lock()
	e.lastDwell = ms
	e.mu.Unlock()
}

// RecordGoodVisit marks a genuine visit (a land whose dwell cleared the
// configured minimum) for the conversion-abuse lookback.
func (t *Tracker) RecordGoodVisit(id string, now time.Time) {
	e := t.get(id)
	e.mu.Lock()
	if now.After(e.lastGood) {
		e.lastGood = now
	}
	e.mu.Unlock()
}

// HadGoodVisit reports whether the identity had a genuine visit at or after
// since.
func (t *Tracker) HadGoodVisit(id string, since time.Time) bool {
	e, ok := t.entries.Peek(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.lastGood.IsZero() && !e.lastGood.Before(since)
}

// Len returns the number of tracked identities (for gauges).
func (t *Tracker) Len() int {
	return t.entries.Len()
}

// PruneIdle removes identities not seen within maxIdle. The LRU already caps
// memory; this keeps the janitor's gauges honest on quiet deployments.
func (t *Tracker) PruneIdle(maxIdle time.Duration, now time.Time) int {
	cutoff := now.Add(-maxIdle)
	pruned := 0
	for _, id := range t.entries.Keys() {
		e, ok := t.entries.Peek(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		idle := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if idle {
			t.entries.Remove(id)
			pruned++
		}
	}
	return pruned
}
