package sanction

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is a temporary sanction held against one identity.
type Record struct {
	State     State
	ExpiresAt time.Time
	Reason    string
}

// Status is the effective standing of a request's identity pair after
// precedence resolution: whitelist > perma block > soft block > mask > none.
type Status struct {
	State       State
	Whitelisted bool
	By          string // "device", "ip", "network", or "" when none applies
}

// Registry holds sanction state per identity. Temporary sanctions (masked,
// soft-blocked) expire; perma blocks and whitelist membership live in
// separate unexpiring sets and survive restarts via the state store.
type Registry struct {
	mu sync.RWMutex

	temp map[string]Record

	permaDevices map[string]struct{}
	permaIPs     map[string]struct{}
	blockedNets  map[string]*net.IPNet

	wlDevices map[string]struct{}
	wlIPs     map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		temp:         make(map[string]Record),
		permaDevices: make(map[string]struct{}),
		permaIPs:     make(map[string]struct{}),
		blockedNets:  make(map[string]*net.IPNet),
		wlDevices:    make(map[string]struct{}),
		wlIPs:        make(map[string]struct{}),
	}
}

// Escalate applies a temporary sanction to id. It is escalation-only: a
// weaker state never replaces a stronger one, and an equal state with an
// earlier expiry never shortens the remaining sanction. Returns true if the
// record was created or strengthened.
func (r *Registry) Escalate(id string, st State, expiresAt time.Time, reason string) bool {
	if !st.Temporary() || id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.temp[id]
	if ok {
		if cur.State > st {
			return false
		}
		if cur.State == st && !expiresAt.After(cur.ExpiresAt) {
			return false
		}
	}
	r.temp[id] = Record{State: st, ExpiresAt: expiresAt, Reason: reason}
	return true
}

// TempRecord returns the live temporary sanction for id, lazily dropping an
// expired one.
func (r *Registry) TempRecord(id string, now time.Time) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.temp[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	if !rec.ExpiresAt.After(now) {
		r.mu.Lock()
		// Re-check under the write lock: a concurrent pass may have escalated.
		if cur, still := r.temp[id]; still && !cur.ExpiresAt.After(now) {
			delete(r.temp, id)
		}
		r.mu.Unlock()
		return Record{}, false
	}
	return rec, true
}

// Evaluate resolves the effective state for a device/IP pair.
// Whitelist membership terminates evaluation immediately.
func (r *Registry) Evaluate(deviceID, ip string, now time.Time) Status {
	r.mu.RLock()
	if deviceID != "" {
		if _, ok := r.wlDevices[deviceID]; ok {
			r.mu.RUnlock()
			return Status{State: StateNone, Whitelisted: true, By: "device"}
		}
	}
	if _, ok := r.wlIPs[ip]; ok {
		r.mu.RUnlock()
		return Status{State: StateNone, Whitelisted: true, By: "ip"}
	}

	if deviceID != "" {
		if _, ok := r.permaDevices[deviceID]; ok {
			r.mu.RUnlock()
			return Status{State: StatePermaBlocked, By: "device"}
		}
	}
	if _, ok := r.permaIPs[ip]; ok {
		r.mu.RUnlock()
		return Status{State: StatePermaBlocked, By: "ip"}
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		for _, n := range r.blockedNets {
			if n.Contains(parsed) {
				r.mu.RUnlock()
				return Status{State: StatePermaBlocked, By: "network"}
			}
		}
	}
	r.mu.RUnlock()

	st := StateNone
	by := ""
	if deviceID != "" {
		if rec, ok := r.TempRecord(deviceID, now); ok {
			st = Merge(st, rec.State)
			by = "device"
		}
	}
	if rec, ok := r.TempRecord(ip, now); ok {
		if Merge(st, rec.State) != st {
			by = "ip"
		}
		st = Merge(st, rec.State)
	}
	return Status{State: st, By: by}
}

// PruneExpired drops all temporary records whose expiry has passed.
// Returns the number of records removed.
func (r *Registry) PruneExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, rec := range r.temp {
		if !rec.ExpiresAt.After(now) {
			delete(r.temp, id)
			pruned++
		}
	}
	return pruned
}

// TempLen returns the number of live temporary records (for gauges).
func (r *Registry) TempLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.temp)
}

// ---- Operator mutations ----------------------------------------------------

// BlockDevice adds a device fingerprint to the perma-block set and clears any
// temporary record for it.
func (r *Registry) BlockDevice(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permaDevices[id] = struct{}{}
	delete(r.temp, id)
}

// UnblockDevice removes a device from the perma-block set.
// Returns false if it was not blocked.
func (r *Registry) UnblockDevice(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.permaDevices[id]; !ok {
		return false
	}
	delete(r.permaDevices, id)
	return true
}

// BlockIP adds an address to the perma-block set.
func (r *Registry) BlockIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permaIPs[ip] = struct{}{}
	delete(r.temp, ip)
}

// UnblockIP removes an address from the perma-block set.
func (r *Registry) UnblockIP(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.permaIPs[ip]; !ok {
		return false
	}
	delete(r.permaIPs, ip)
	return true
}

// BlockNetwork adds a CIDR to the blocked network set. Used to broaden a
// datacenter-ISP sanction from a single address to its containing block.
func (r *Registry) BlockNetwork(cidr string) error {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedNets[network.String()] = network
	return nil
}

// UnblockNetwork removes a CIDR from the blocked network set.
func (r *Registry) UnblockNetwork(cidr string) bool {
	_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := network.String()
	if _, ok := r.blockedNets[key]; !ok {
		return false
	}
	delete(r.blockedNets, key)
	return true
}

// WhitelistDevice adds a device to the whitelist. Whitelisting always wins,
// so any standing sanction for the device is cleared.
func (r *Registry) WhitelistDevice(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wlDevices[id] = struct{}{}
	delete(r.permaDevices, id)
	delete(r.temp, id)
}

// UnwhitelistDevice removes a device from the whitelist.
func (r *Registry) UnwhitelistDevice(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wlDevices[id]; !ok {
		return false
	}
	delete(r.wlDevices, id)
	return true
}

// WhitelistIP adds an address to the whitelist.
func (r *Registry) WhitelistIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wlIPs[ip] = struct{}{}
	delete(r.permaIPs, ip)
	delete(r.temp, ip)
}

// UnwhitelistIP removes an address from the whitelist.
func (r *Registry) UnwhitelistIP(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wlIPs[ip]; !ok {
		return false
	}
	delete(r.wlIPs, ip)
	return true
}

// ---- Persistence interchange ------------------------------------------------

// Sets is the persistent portion of the registry: the unexpiring sets.
// Temporary sanctions are session-scoped and never leave the process.
type Sets struct {
	BlockDevices     []string
	BlockIPs         []string
	BlockedNetworks  []string
	WhitelistDevices []string
	WhitelistIPs     []string
}

// Export copies the unexpiring sets out of the registry, sorted for stable
// serialization.
func (r *Registry) Export() Sets {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Sets{
		BlockDevices:     sortedKeys(r.permaDevices),
		BlockIPs:         sortedKeys(r.permaIPs),
		BlockedNetworks:  sortedNetKeys(r.blockedNets),
		WhitelistDevices: sortedKeys(r.wlDevices),
		WhitelistIPs:     sortedKeys(r.wlIPs),
	}
}

// Restore replaces the unexpiring sets with the persisted ones. Unparseable
// network entries are skipped rather than failing the whole load.
func (r *Registry) Restore(s Sets) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permaDevices = toSet(s.BlockDevices)
	r.permaIPs = toSet(s.BlockIPs)
	r.wlDevices = toSet(s.WhitelistDevices)
	r.wlIPs = toSet(s.WhitelistIPs)
	r.blockedNets = make(map[string]*net.IPNet, len(s.BlockedNetworks))
	for _, c := range s.BlockedNetworks {
		if _, network, err := net.ParseCIDR(c); err == nil {
			r.blockedNets[network.String()] = network
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNetKeys(m map[string]*net.IPNet) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it != "" {
			m[it] = struct{}{}
		}
	}
	return m
}
