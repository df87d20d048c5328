package storage

import (
	"time"

	"clickguardian/internal/settings"
)

// Snapshot is the single structured record that survives a restart: the
// permanent block sets, whitelist sets, and operator settings. Temporary
// sanctions, window counters, and the event log are session-scoped and
// deliberately absent.
type Snapshot struct {
	BlockDevices     []string          `msgpack:"block_devices"`
	BlockIPs         []string          `msgpack:"block_ips"`
	BlockedNetworks  []string          `msgpack:"blocked_networks"`
	WhitelistDevices []string          `msgpack:"whitelist_devices"`
	WhitelistIPs     []string          `msgpack:"whitelist_ips"`
	Settings         settings.Settings `msgpack:"settings"`
	SavedAt          time.Time         `msgpack:"saved_at"`
}

// Store is the persistence capability consumed by the engine: load at
// start, rewrite in full on every mutation that must survive a restart.
type Store interface {
	// Load returns the persisted snapshot. found=false means a fresh
	// database (not an error): the caller starts from empty sets.
	Load() (snap Snapshot, found bool, err error)

	// Save rewrites the whole snapshot.
	Save(snap Snapshot) error

	// SizeBytes reports the on-disk size (for gauges).
	SizeBytes() (int64, error)

	Close() error
}
