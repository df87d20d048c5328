package engine

import (
	"strconv"
	"testing"
	"time"

	"clickguardian/internal/sanction"
	"clickguardian/internal/testutil"
)

func TestEventLogRecentNewestFirst(t *testing.T) {
	l := NewEventLog(10)
	for i := 0; i < 5; i++ {
		l.Append(Event{IP: strconv.Itoa(i), Time: time.Unix(int64(i), 0)})
	}

	got := l.Recent(3)
	if len(got) != 3 {
		t.Fatalf("Recent(3) returned %d events", len(got))
	}
	for i, want := range []string{"4", "3", "2"} {
		if got[i].IP != want {
			t.Errorf("Recent[%d].IP = %q, want %q", i, got[i].IP, want)
		}
	}
}

func TestEventLogEvictsOldest(t *testing.T) {
	l := NewEventLog(3)
	for i := 0; i < 5; i++ {
		l.Append(Event{IP: strconv.Itoa(i)})
	}

	if l.Len() != 3 {
		t.Fatalf("Len = %d, want capacity 3", l.Len())
	}
	got := l.Recent(0)
	for i, want := range []string{"4", "3", "2"} {
		if got[i].IP != want {
			t.Errorf("Recent[%d].IP = %q, want %q (oldest evicted)", i, got[i].IP, want)
		}
	}
}

func TestEventLogRecentBeyondCount(t *testing.T) {
	l := NewEventLog(8)
	l.Append(Event{IP: "only"})
	if got := l.Recent(100); len(got) != 1 || got[0].IP != "only" {
		t.Errorf("Recent(100) = %v, want the single stored event", got)
	}
}

func TestJanitorPrunesAndUpdatesGauges(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{})
	eng.reg.Escalate("stale", sanction.StateMasked, testBase.Add(time.Minute), "test")

	j := NewJanitor(eng, time.Minute)
	setClock(eng, testBase.Add(2*time.Minute))
	j.tick()

	if n := eng.reg.TempLen(); n != 0 {
		t.Errorf("TempLen after tick = %d, want 0", n)
	}
}
