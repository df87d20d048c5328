// Package testutil provides in-memory doubles for the engine's external
// capabilities: geo enrichment, persistence, and notification delivery.
package testutil

import (
	"context"
	"sync"

	"clickguardian/internal/geo"
	"clickguardian/internal/notify"
	"clickguardian/internal/storage"
)

// GeoStub returns a fixed Result for every public address and the LOCAL
// result for private ones.
type GeoStub struct {
	Result geo.Result

	mu      sync.Mutex
	lookups []string
}

func (g *GeoStub) Lookup(_ context.Context, ip string) geo.Result {
	g.mu.Lock()
	g.lookups = append(g.lookups, ip)
	g.mu.Unlock()
	if geo.IsLocal(ip) {
		return geo.Local()
	}
	return g.Result
}

// Lookups returns the IPs queried so far.
func (g *GeoStub) Lookups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.lookups))
	copy(out, g.lookups)
	return out
}

// MemStore is an in-memory StateStore double.
type MemStore struct {
	mu    sync.Mutex
	snap  storage.Snapshot
	found bool
	saves int

	// FailSave, when set, makes Save return this error.
	FailSave error
}

func (m *MemStore) Load() (storage.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.found, nil
}

func (m *MemStore) Save(snap storage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.snap = snap
	m.found = true
	m.saves++
	return nil
}

func (m *MemStore) SizeBytes() (int64, error) { return 1, nil }

func (m *MemStore) Close() error { return nil }

// Saves returns the number of successful snapshot writes.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Snapshot returns the last saved snapshot.
func (m *MemStore) Snapshot() storage.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// MemSink records exclusion jobs instead of delivering them.
type MemSink struct {
	mu   sync.Mutex
	jobs []notify.Exclusion
}

func (s *MemSink) Exclude(_ context.Context, job notify.Exclusion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Enqueue lets MemSink double as an engine.Notifier, skipping the pool.
func (s *MemSink) Enqueue(job notify.Exclusion) bool {
	return s.Exclude(context.Background(), job) == nil
}

// Jobs returns the recorded exclusions.
func (s *MemSink) Jobs() []notify.Exclusion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Exclusion, len(s.jobs))
	copy(out, s.jobs)
	return out
}
