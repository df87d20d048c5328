package engine

import (
	"sync"
	"time"

	"clickguardian/internal/metrics"
)

// Event is one audited decision pass. Immutable once appended.
type Event struct {
	Time       time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	IP         string    `json:"ip"`
	DeviceID   string    `json:"device_id,omitempty"`
	UserAgent  string    `json:"ua,omitempty"`
	Referrer   string    `json:"referrer,omitempty"`
	URL        string    `json:"url,omitempty"`
	Keyword    string    `json:"keyword,omitempty"`
	DwellMs    int64     `json:"dwell_ms,omitempty"`
	Country    string    `json:"country"`
	City       string    `json:"city"`
	ISP        string    `json:"isp"`
	VPN        bool      `json:"vpn"`
	Score      int       `json:"score"`
	Threshold  int       `json:"threshold_used"`
	Suspicious bool      `json:"suspicious"`
	Reasons    []string  `json:"reasons,omitempty"`
	Rules      []string  `json:"rules_fired,omitempty"`
	Sanction   string    `json:"sanction"`
	Outcome    string    `json:"outcome"`
}

// EventLog is a bounded insertion-ordered ring: appending past capacity
// evicts the oldest event.
type EventLog struct {
	mu    sync.RWMutex
	buf   []Event
	head  int // index of the oldest event
	count int
}

// NewEventLog creates a ring holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Append stores ev, evicting the oldest event when full.
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	if l.count < len(l.buf) {
		l.buf[(l.head+l.count)%len(l.buf)] = ev
		l.count++
	} else {
		l.buf[l.head] = ev
		l.head = (l.head + 1) % len(l.buf)
	}
	n := l.count
	l.mu.Unlock()
	metrics.EventLogSize.Set(float64(n))
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.head + l.count - 1 - i) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of stored events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
