package window

import (
	"testing"
	"time"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestNewRejectsBadCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("capacity 0 should be rejected")
	}
}

func TestCountWithin(t *testing.T) {
	tr := newTracker(t)
	now := time.Now()

	tr.Touch("id", now.Add(-90*time.Second))
	tr.Touch("id", now.Add(-30*time.Second))
	tr.Touch("id", now.Add(-5*time.Second))

	if got := tr.CountWithin("id", 60*time.Second, now); got != 2 {
		t.Errorf("CountWithin(60s) = %d, want 2", got)
	}
	if got := tr.CountWithin("id", 10*time.Second, now); got != 1 {
		t.Errorf("CountWithin(10s) = %d, want 1", got)
	}
}

func TestCountWithinIdempotent(t *testing.T) {
	tr := newTracker(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr.Touch("id", now.Add(time.Duration(-i)*time.Minute))
	}
	first := tr.CountWithin("id", 2*time.Minute, now)
	second := tr.CountWithin("id", 2*time.Minute, now)
	if first != second {
		t.Errorf("CountWithin not idempotent: %d then %d", first, second)
	}
}

func TestCountWithinUnknownIdentity(t *testing.T) {
	tr := newTracker(t)
	if got := tr.CountWithin("ghost", time.Minute, time.Now()); got != 0 {
		t.Errorf("CountWithin(unknown) = %d, want 0", got)
	}
}

func TestDayCount(t *testing.T) {
	tr := newTracker(t)
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		tr.Touch("id", now.Add(time.Duration(i)*time.Minute))
	}
	if got := tr.DayCount("id", now); got != 3 {
		t.Errorf("DayCount = %d, want 3", got)
	}

	// Date rollover resets the bucket.
	next := now.Add(24 * time.Hour)
	tr.Touch("id", next)
	if got := tr.DayCount("id", next); got != 1 {
		t.Errorf("DayCount after rollover = %d, want 1", got)
	}
}

func TestLastDwell(t *testing.T) {
	tr := newTracker(t)
	if _, ok := tr.LastDwell("id"); ok {
		t.Error("unset dwell should report false")
	}
	tr.SetLastDwell("id", 0)
	if _, ok := tr.LastDwell("id"); ok {
		t.Error("zero dwell must not be recorded")
	}
	tr.SetLastDwell("id", 230)
	if got, ok := tr.LastDwell("id"); !ok || got != 230 {
		t.Errorf("LastDwell = %d ok=%v, want 230", got, ok)
	}
}

func TestGoodVisitLookback(t *testing.T) {
	tr := newTracker(t)
	now := time.Now()

	if tr.HadGoodVisit("id", now.Add(-5*time.Minute)) {
		t.Error("no visit recorded yet")
	}
	tr.RecordGoodVisit("id", now.Add(-2*time.Minute))
	if !tr.HadGoodVisit("id", now.Add(-5*time.Minute)) {
		t.Error("visit within lookback should count")
	}
	if tr.HadGoodVisit("id", now.Add(-1*time.Minute)) {
		t.Error("visit older than lookback should not count")
	}
}

func TestBoundedCapacityEvicts(t *testing.T) {
	tr, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i := 0; i < 10; i++ {
		tr.Touch(string(rune('a'+i)), now)
	}
	if got := tr.Len(); got != 4 {
		t.Errorf("Len = %d, want capacity 4", got)
	}
	// The oldest identity fell out entirely.
	if got := tr.CountWithin("a", time.Hour, now); got != 0 {
		t.Errorf("evicted identity still counted: %d", got)
	}
}

func TestPruneIdle(t *testing.T) {
	tr := newTracker(t)
	now := time.Now()
	tr.Touch("old", now.Add(-2*time.Hour))
	tr.Touch("fresh", now)

	if pruned := tr.PruneIdle(time.Hour, now); pruned != 1 {
		t.Errorf("PruneIdle = %d, want 1", pruned)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d after prune, want 1", tr.Len())
	}
	if got := tr.CountWithin("fresh", time.Hour, now); got != 1 {
		t.Errorf("fresh identity lost: count = %d", got)
	}
}
