// Package engine runs the decision pass: one enriched, scored, rule-checked
// evaluation per telemetry event, producing an outcome and an audit record.
package engine

import (
	"context"
	"fmt"
	"time"

	"clickguardian/internal/geo"
	"clickguardian/internal/identity"
	"clickguardian/internal/metrics"
	"clickguardian/internal/notify"
	"clickguardian/internal/sanction"
	"clickguardian/internal/score"
	"clickguardian/internal/settings"
	"clickguardian/internal/storage"
	"clickguardian/internal/window"
	"github.com/rs/zerolog"
)

// Outcome is the caller-facing verdict of one pass.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeMask
	OutcomeDeny
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMask:
		return "mask"
	case OutcomeDeny:
		return "deny"
	default:
		return "allow"
	}
}

// Rule names, as recorded in the audit log and metrics.
const (
	RuleRepeatWindow    = "repeat_window"
	RuleFastDwellRepeat = "fast_dwell_repeat"
	RuleConversionAbuse = "conversion_abuse"
	RuleVPN             = "vpn"
	RuleDatacenter      = "datacenter_network"
	RuleNightHours      = "night_hours"
	RuleDailyCeiling    = "daily_ceiling"
	RuleRiskScore       = "risk_score"
)

// KindLand is the page-view telemetry kind; dwell observations and good-visit
// records only apply to it.
const KindLand = "land"

// StateStore is the persistence capability the engine needs. Nil disables
// persistence (tests, ephemeral deployments).
type StateStore interface {
	Save(storage.Snapshot) error
	SizeBytes() (int64, error)
}

// Notifier accepts ad-platform exclusion jobs. Nil disables notification.
type Notifier interface {
	Enqueue(job notify.Exclusion) bool
}

// Request is one raw telemetry event as received by the track endpoint.
type Request struct {
	Kind      string
	IP        string
	DeviceID  string
	UserAgent string
	Referrer  string
	URL       string
	Keyword   string
	DwellMs   int64
}

// Decision is the full result of a pass.
type Decision struct {
	Outcome Outcome
	Event   Event
}

// Config sizes the engine's bounded stores and seeds the scorer.
type Config struct {
	HomeCountries    []string
	HighRiskKeywords []string
	EventLogCapacity int
	IdentityCapacity int
}

// Engine owns the full decision state: sanction registry, window tracker,
// settings, scorer, and audit log.
type Engine struct {
	reg      *sanction.Registry
	windows  *window.Tracker
	geo      geo.Provider
	scorer   *score.Scorer
	settings *settings.Store
	events   *EventLog
	store    StateStore
	notifier Notifier
	locks    keyLock
	log      zerolog.Logger

	now func() time.Time
}

// New assembles an Engine. geoProvider must not be nil; store and notifier
// may be.
func New(cfg Config, geoProvider geo.Provider, store StateStore, notifier Notifier, log zerolog.Logger) (*Engine, error) {
	if cfg.EventLogCapacity < 1 {
		cfg.EventLogCapacity = 30000
	}
	if cfg.IdentityCapacity < 1 {
		cfg.IdentityCapacity = 100000
	}
	windows, err := window.New(cfg.IdentityCapacity)
	if err != nil {
		return nil, fmt.Errorf("create window tracker: %w", err)
	}
	return &Engine{
		reg:      sanction.NewRegistry(),
		windows:  windows,
		geo:      geoProvider,
		scorer:   score.New(cfg.HomeCountries, cfg.HighRiskKeywords),
		settings: settings.NewStore(),
		events:   NewEventLog(cfg.EventLogCapacity),
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}, nil
}

// Restore loads a persisted snapshot into the registry and settings store.
func (e *Engine) Restore(snap storage.Snapshot) {
	e.reg.Restore(sanction.Sets{
		BlockDevices:     snap.BlockDevices,
		BlockIPs:         snap.BlockIPs,
		BlockedNetworks:  snap.BlockedNetworks,
		WhitelistDevices: snap.WhitelistDevices,
		WhitelistIPs:     snap.WhitelistIPs,
	})
	e.settings.Replace(snap.Settings)
}

// Settings exposes the live settings store for the admin API.
func (e *Engine) Settings() *settings.Store { return e.settings }

// Recent returns the newest n audit events.
func (e *Engine) Recent(n int) []Event { return e.events.Recent(n) }

// Blocklist returns the current unexpiring sets.
func (e *Engine) Blocklist() sanction.Sets { return e.reg.Export() }

// Status resolves the standing sanction for a device/IP pair without
// recording a touch. Backs the read-only guard endpoint.
func (e *Engine) Status(deviceID, ip string) sanction.Status {
	return e.reg.Evaluate(deviceID, ip, e.now())
}

// Decide runs one full pass for a telemetry event.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	now := e.now()
	st := e.settings.Snapshot()
	id := identity.Key(req.DeviceID, req.IP)

	ev := Event{
		Time:      now,
		Kind:      req.Kind,
		IP:        req.IP,
		DeviceID:  req.DeviceID,
		UserAgent: req.UserAgent,
		Referrer:  req.Referrer,
		URL:       req.URL,
		Keyword:   req.Keyword,
		DwellMs:   req.DwellMs,
	}

	// No identity at all: nothing to count or sanction against.
	if id == "" {
		ev.Sanction = sanction.StateNone.String()
		return e.finish(ev, OutcomeAllow)
	}

	// Enrichment runs before the identity stripe: network IO stays outside
	// locks, and the cache keeps the repeat cost flat.
	g := e.geo.Lookup(ctx, req.IP)
	ev.Country, ev.City, ev.ISP, ev.VPN = g.Country, g.City, g.ISP, g.VPN

	lock := e.locks.Lock(id)
	defer lock.Unlock()

	status := e.reg.Evaluate(req.DeviceID, req.IP, now)
	if status.Whitelisted {
		ev.Sanction = sanction.StateNone.String()
		return e.finish(ev, OutcomeAllow)
	}
	if status.State.Blocking() {
		ev.Sanction = status.State.String()
		e.log.Debug().Str("identity", id).Str("by", status.By).
			Str("state", status.State.String()).Msg("blocked identity touched")
		return e.finish(ev, OutcomeDeny)
	}

	// Record the touch first, then count: the current event participates in
	// its own repeat window.
	e.windows.Touch(id, now)
	repeats := e.windows.CountWithin(id, st.RepeatWindow(), now)
	dayCount := e.windows.DayCount(id, now)

	lastDwellDev, lastDwellIP := e.lastDwells(req.DeviceID, req.IP)

	res := e.scorer.Evaluate(score.Input{
		Kind:            req.Kind,
		DwellMs:         req.DwellMs,
		UserAgent:       req.UserAgent,
		Referrer:        req.Referrer,
		URL:             req.URL,
		Keyword:         req.Keyword,
		Country:         g.Country,
		ISP:             g.ISP,
		VPN:             g.VPN,
		LastDwellDevice: lastDwellDev,
		LastDwellIP:     lastDwellIP,
	}, st)
	ev.Score, ev.Threshold, ev.Suspicious, ev.Reasons = res.Score, res.Threshold, res.Suspicious, res.Reasons

	e.recordDwell(req, st, now)

	target, rules := e.applyRules(req, g, res, status, st, id, repeats, dayCount, now)
	ev.Rules = rules

	effective := sanction.Merge(status.State, e.sanctionWrite(req, st, id, target, rules, now))
	ev.Sanction = effective.String()

	switch {
	case effective.Blocking():
		return e.finish(ev, OutcomeDeny)
	case effective == sanction.StateMasked:
		return e.finish(ev, OutcomeMask)
	default:
		return e.finish(ev, OutcomeAllow)
	}
}

// lastDwells reads the previous dwell observations for both identity axes.
func (e *Engine) lastDwells(deviceID, ip string) (dev, byIP int64) {
	if deviceID != "" {
		dev, _ = e.windows.LastDwell(deviceID)
	}
	if ip != "" {
		byIP, _ = e.windows.LastDwell(ip)
	}
	return dev, byIP
}

// recordDwell stores this event's dwell for the repeat-dwell signal and marks
// a genuine visit when the dwell clears the configured minimum.
func (e *Engine) recordDwell(req Request, st settings.Settings, now time.Time) {
	if req.Kind != KindLand || req.DwellMs <= 0 {
		return
	}
	if req.DeviceID != "" {
		e.windows.SetLastDwell(req.DeviceID, req.DwellMs)
	}
	if req.IP != "" {
		e.windows.SetLastDwell(req.IP, req.DwellMs)
	}
	if req.DwellMs >= st.MinGoodDwellMs {
		e.windows.RecordGoodVisit(identity.Key(req.DeviceID, req.IP), now)
	}
}

// applyRules evaluates every rule cumulatively; the returned target is the
// strongest sanction any rule reached.
func (e *Engine) applyRules(req Request, g geo.Result, res score.Result, status sanction.Status,
	st settings.Settings, id string, repeats, dayCount int, now time.Time) (sanction.State, []string) {

	target := sanction.StateNone
	var rules []string
	hit := func(rule string, s sanction.State) {
		rules = append(rules, rule)
		target = sanction.Merge(target, s)
		metrics.RulesFired.WithLabelValues(rule).Inc()
	}

	if repeats >= st.RepeatRequired {
		if status.State == sanction.StateMasked {
			hit(RuleRepeatWindow, sanction.StateSoftBlocked)
		} else {
			hit(RuleRepeatWindow, sanction.StateMasked)
		}
	}

	if req.DwellMs > 0 && req.DwellMs < st.FastDwellMs && repeats >= st.FastRepeatRequired {
		hit(RuleFastDwellRepeat, sanction.StateSoftBlocked)
	}

	if req.Kind == score.KindConversion && repeats >= st.RepeatRequired &&
		!e.windows.HadGoodVisit(id, now.Add(-st.GoodDwellWindow())) {
		hit(RuleConversionAbuse, sanction.StateSoftBlocked)
	}

	if g.VPN {
		if repeats >= st.VPNRepeatRequired {
			hit(RuleVPN, sanction.StateSoftBlocked)
		} else {
			hit(RuleVPN, sanction.StateMasked)
		}
	}

	if score.IsDatacenterISP(g.ISP) {
		hit(RuleDatacenter, sanction.StateSoftBlocked)
		if cidr, ok := identity.NetworkBlock(req.IP); ok {
			if err := e.reg.BlockNetwork(cidr); err != nil {
				e.log.Warn().Err(err).Str("ip", req.IP).Msg("network broadening failed")
			} else {
				e.log.Info().Str("network", cidr).Str("isp", g.ISP).Msg("datacenter network blocked")
				e.persist()
			}
		}
	}

	if st.NightHours(now.UTC().Hour()) && repeats >= st.NightRepeatRequired {
		hit(RuleNightHours, sanction.StateSoftBlocked)
	}

	switch {
	case dayCount >= st.DailyPermaCeiling:
		hit(RuleDailyCeiling, sanction.StatePermaBlocked)
	case dayCount >= st.DailySoftCeiling:
		hit(RuleDailyCeiling, sanction.StateSoftBlocked)
	case dayCount >= st.DailyMaskCeiling:
		hit(RuleDailyCeiling, sanction.StateMasked)
	}

	if st.RiskAutoblock && res.Suspicious {
		if st.RiskStrict {
			hit(RuleRiskScore, sanction.StateSoftBlocked)
		} else {
			hit(RuleRiskScore, sanction.StateMasked)
		}
	}

	return target, rules
}

// sanctionWrite commits the rules' target to the registry and returns the
// state actually written (StateNone when no rule fired).
func (e *Engine) sanctionWrite(req Request, st settings.Settings, id string,
	target sanction.State, rules []string, now time.Time) sanction.State {

	reason := ""
	if len(rules) > 0 {
		reason = rules[0]
	}

	switch target {
	case sanction.StatePermaBlocked:
		if req.DeviceID != "" {
			e.reg.BlockDevice(req.DeviceID)
		}
		if req.IP != "" {
			e.reg.BlockIP(req.IP)
		}
		metrics.SanctionsApplied.WithLabelValues(target.String()).Inc()
		e.log.Warn().Str("identity", id).Str("reason", reason).Msg("identity perma-blocked")
		e.persist()
		if e.notifier != nil {
			e.notifier.Enqueue(notify.Exclusion{
				IP:        req.IP,
				DeviceID:  req.DeviceID,
				Reason:    reason,
				BlockedAt: now,
			})
		}
	case sanction.StateSoftBlocked:
		if e.reg.Escalate(id, target, now.Add(st.SoftBlockDuration()), reason) {
			metrics.SanctionsApplied.WithLabelValues(target.String()).Inc()
			e.log.Warn().Str("identity", id).Str("reason", reason).Msg("identity soft-blocked")
		}
	case sanction.StateMasked:
		if e.reg.Escalate(id, target, now.Add(st.MaskDuration()), reason) {
			metrics.SanctionsApplied.WithLabelValues(target.String()).Inc()
			e.log.Info().Str("identity", id).Str("reason", reason).Msg("identity masked")
		}
	}
	return target
}

func (e *Engine) finish(ev Event, out Outcome) Decision {
	ev.Outcome = out.String()
	e.events.Append(ev)
	kind := ev.Kind
	if kind == "" {
		kind = "unknown"
	}
	metrics.EventsProcessed.WithLabelValues(kind, ev.Outcome).Inc()
	return Decision{Outcome: out, Event: ev}
}

// persist rewrites the full snapshot. Failures log and continue: the
// in-memory registry stays authoritative for the session.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	sets := e.reg.Export()
	err := e.store.Save(storage.Snapshot{
		BlockDevices:     sets.BlockDevices,
		BlockIPs:         sets.BlockIPs,
		BlockedNetworks:  sets.BlockedNetworks,
		WhitelistDevices: sets.WhitelistDevices,
		WhitelistIPs:     sets.WhitelistIPs,
		Settings:         e.settings.Snapshot(),
	})
	if err != nil {
		metrics.StateSaves.WithLabelValues("error").Inc()
		e.log.Error().Err(err).Msg("state snapshot save failed")
		return
	}
	metrics.StateSaves.WithLabelValues("success").Inc()
}

// ---- Operator mutations (admin API) -----------------------------------------
//
// Every mutation that changes an unexpiring set persists the snapshot.

func (e *Engine) BlockDevice(id string) {
	e.reg.BlockDevice(id)
	e.persist()
}

func (e *Engine) UnblockDevice(id string) bool {
	ok := e.reg.UnblockDevice(id)
	if ok {
		e.persist()
	}
	return ok
}

func (e *Engine) BlockIP(ip string) {
	e.reg.BlockIP(ip)
	e.persist()
}

func (e *Engine) UnblockIP(ip string) bool {
	ok := e.reg.UnblockIP(ip)
	if ok {
		e.persist()
	}
	return ok
}

func (e *Engine) WhitelistDevice(id string) {
	e.reg.WhitelistDevice(id)
	e.persist()
}

func (e *Engine) UnwhitelistDevice(id string) bool {
	ok := e.reg.UnwhitelistDevice(id)
	if ok {
		e.persist()
	}
	return ok
}

func (e *Engine) WhitelistIP(ip string) {
	e.reg.WhitelistIP(ip)
	e.persist()
}

func (e *Engine) UnwhitelistIP(ip string) bool {
	ok := e.reg.UnwhitelistIP(ip)
	if ok {
		e.persist()
	}
	return ok
}

// ApplySettings validates and applies a settings patch, persisting on any
// applied key.
func (e *Engine) ApplySettings(patch map[string]any) (applied []string, rejected map[string]string) {
	applied, rejected = e.settings.Apply(patch)
	if len(applied) > 0 {
		e.persist()
	}
	return applied, rejected
}
