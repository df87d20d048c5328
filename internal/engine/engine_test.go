package engine

import (
	"context"
	"testing"
	"time"

	"clickguardian/internal/geo"
	"clickguardian/internal/sanction"
	"clickguardian/internal/testutil"
	"github.com/rs/zerolog"
)

// Noon UTC keeps tests clear of the night-hours window.
var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, g geo.Provider) (*Engine, *testutil.MemStore, *testutil.MemSink) {
	t.Helper()
	store := &testutil.MemStore{}
	notifier := &testutil.MemSink{}
	eng, err := New(Config{
		HomeCountries:    []string{"Colombia"},
		EventLogCapacity: 128,
		IdentityCapacity: 128,
	}, g, store, notifier, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.now = func() time.Time { return testBase }
	return eng, store, notifier
}

func setClock(eng *Engine, at time.Time) {
	eng.now = func() time.Time { return at }
}

func landEvent(ip string, dwell int64) Request {
	return Request{Kind: KindLand, IP: ip, DeviceID: "dev-1", DwellMs: dwell, UserAgent: "Mozilla/5.0"}
}

func TestRepeatEscalationMaskedThenSoft(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	ctx := context.Background()

	d1 := eng.Decide(ctx, landEvent("190.0.0.1", 200))
	if d1.Outcome != OutcomeAllow {
		t.Fatalf("event 1 outcome = %s, want allow", d1.Outcome)
	}

	setClock(eng, testBase.Add(10*time.Second))
	d2 := eng.Decide(ctx, landEvent("190.0.0.1", 200))
	if d2.Outcome != OutcomeMask {
		t.Fatalf("event 2 outcome = %s, want mask (repeat window)", d2.Outcome)
	}

	setClock(eng, testBase.Add(20*time.Second))
	d3 := eng.Decide(ctx, landEvent("190.0.0.1", 200))
	if d3.Outcome != OutcomeDeny {
		t.Fatalf("event 3 outcome = %s, want deny (repeat offense while masked)", d3.Outcome)
	}
	if d3.Event.Sanction != "soft_blocked" {
		t.Errorf("event 3 sanction = %q, want soft_blocked", d3.Event.Sanction)
	}
}

func TestWhitelistBypassesAllRules(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{
		Country: "Panama", ISP: "Amazon AWS EC2", VPN: true,
	}})
	eng.WhitelistDevice("dev-1")
	ctx := context.Background()

	req := Request{
		Kind: KindLand, IP: "3.3.3.3", DeviceID: "dev-1",
		UserAgent: "curl/8.0", DwellMs: 50,
	}
	for i := 0; i < 5; i++ {
		setClock(eng, testBase.Add(time.Duration(i)*time.Second))
		if d := eng.Decide(ctx, req); d.Outcome != OutcomeAllow {
			t.Fatalf("event %d outcome = %s, want allow for whitelisted device", i+1, d.Outcome)
		}
	}
	if got := eng.Status("dev-1", "3.3.3.3"); !got.Whitelisted {
		t.Error("device should still report whitelisted")
	}
}

func TestGeoFailureDegradesToNeutral(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Neutral()})

	d := eng.Decide(context.Background(), landEvent("190.0.0.9", 5000))
	if d.Outcome != OutcomeAllow {
		t.Fatalf("outcome = %s, want allow on neutral geo", d.Outcome)
	}
	if d.Event.Country != "-" || d.Event.VPN {
		t.Errorf("event geo = %q/%v, want neutral -/false", d.Event.Country, d.Event.VPN)
	}
}

func TestDailyCeilingPermaBlocksAndPersists(t *testing.T) {
	eng, store, notifier := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	st := eng.Settings().Snapshot()
	st.RepeatRequired = 100
	st.FastRepeatRequired = 100
	st.DailyMaskCeiling = 100
	st.DailySoftCeiling = 100
	st.DailyPermaCeiling = 3
	eng.Settings().Replace(st)
	ctx := context.Background()

	// Touches spread minutes apart on the same UTC day.
	var last Decision
	for i := 0; i < 3; i++ {
		setClock(eng, testBase.Add(time.Duration(i)*5*time.Minute))
		last = eng.Decide(ctx, landEvent("190.0.0.7", 5000))
	}
	if last.Outcome != OutcomeDeny {
		t.Fatalf("3rd same-day touch outcome = %s, want deny", last.Outcome)
	}
	if last.Event.Sanction != "perma_blocked" {
		t.Fatalf("sanction = %q, want perma_blocked", last.Event.Sanction)
	}
	if got := len(notifier.Jobs()); got != 1 {
		t.Errorf("exclusion jobs = %d, want 1", got)
	}

	// A fresh engine restored from the persisted snapshot still blocks.
	if store.Saves() == 0 {
		t.Fatal("perma escalation should persist the snapshot")
	}
	snap := store.Snapshot()
	fresh, _, _ := newTestEngine(t, &testutil.GeoStub{})
	fresh.Restore(snap)
	if got := fresh.Status("dev-1", "190.0.0.7"); got.State != sanction.StatePermaBlocked {
		t.Errorf("restored status = %v, want perma_blocked", got.State)
	}
}

func TestSoftBlockLazyExpiry(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	ctx := context.Background()

	// Drive the identity to soft-blocked via fast-dwell repeats.
	for i := 0; i < 3; i++ {
		setClock(eng, testBase.Add(time.Duration(i)*time.Second))
		eng.Decide(ctx, landEvent("190.0.0.2", 100))
	}
	if got := eng.Status("dev-1", "190.0.0.2"); got.State != sanction.StateSoftBlocked {
		t.Fatalf("status = %v, want soft_blocked", got.State)
	}

	setClock(eng, testBase.Add(73*time.Hour))
	if got := eng.Status("dev-1", "190.0.0.2"); got.State != sanction.StateNone {
		t.Errorf("status after 73h = %v, want lazily expired to none", got.State)
	}
}

func TestBlockedIdentityShortCircuits(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	eng.BlockIP("190.0.0.3")
	ctx := context.Background()

	before := eng.events.Len()
	d := eng.Decide(ctx, Request{Kind: KindLand, IP: "190.0.0.3"})
	if d.Outcome != OutcomeDeny {
		t.Fatalf("outcome = %s, want deny for perma-blocked IP", d.Outcome)
	}
	if eng.events.Len() != before+1 {
		t.Error("blocked touch should still be logged")
	}
	if got := eng.windows.DayCount("190.0.0.3", testBase); got != 0 {
		t.Errorf("blocked touch counted in windows: DayCount = %d", got)
	}
}

func TestVPNMasksThenEscalates(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "NordVPN", VPN: true}})
	st := eng.Settings().Snapshot()
	st.RepeatRequired = 100
	eng.Settings().Replace(st)
	ctx := context.Background()

	d1 := eng.Decide(ctx, landEvent("190.0.0.4", 5000))
	if d1.Outcome != OutcomeMask {
		t.Fatalf("first VPN touch outcome = %s, want mask", d1.Outcome)
	}

	setClock(eng, testBase.Add(10*time.Second))
	eng.Decide(ctx, landEvent("190.0.0.4", 5000))
	setClock(eng, testBase.Add(20*time.Second))
	d3 := eng.Decide(ctx, landEvent("190.0.0.4", 5000))
	if d3.Outcome != OutcomeDeny {
		t.Fatalf("3rd VPN touch outcome = %s, want deny at vpn_repeat_required", d3.Outcome)
	}
}

func TestDatacenterISPBlocksNetwork(t *testing.T) {
	eng, store, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "United States", ISP: "DigitalOcean LLC"}})

	d := eng.Decide(context.Background(), landEvent("159.65.1.10", 5000))
	if d.Outcome != OutcomeDeny {
		t.Fatalf("outcome = %s, want deny for datacenter ISP", d.Outcome)
	}

	nets := eng.Blocklist().BlockedNetworks
	if len(nets) != 1 || nets[0] != "159.65.1.0/24" {
		t.Fatalf("BlockedNetworks = %v, want [159.65.1.0/24]", nets)
	}
	if store.Saves() == 0 {
		t.Error("network broadening should persist the snapshot")
	}

	// Another address in the same /24 is blocked without any history.
	if got := eng.Status("", "159.65.1.200"); got.State != sanction.StatePermaBlocked || got.By != "network" {
		t.Errorf("sibling address status = %+v, want perma via network", got)
	}
}

func TestNightHoursRepeats(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	st := eng.Settings().Snapshot()
	st.RepeatRequired = 100
	st.FastRepeatRequired = 100
	eng.Settings().Replace(st)
	night := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	ctx := context.Background()

	var last Decision
	for i := 0; i < 3; i++ {
		setClock(eng, night.Add(time.Duration(i)*time.Second))
		last = eng.Decide(ctx, landEvent("190.0.0.5", 5000))
	}
	if last.Outcome != OutcomeDeny {
		t.Fatalf("3rd night touch outcome = %s, want deny", last.Outcome)
	}
	if len(last.Event.Rules) != 1 || last.Event.Rules[0] != RuleNightHours {
		t.Errorf("Rules = %v, want [%s]", last.Event.Rules, RuleNightHours)
	}
}

func TestConversionRepeatsWithoutGoodVisit(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	ctx := context.Background()
	conv := Request{Kind: "whatsapp_click", IP: "190.0.0.6", DeviceID: "dev-1"}

	eng.Decide(ctx, conv)
	setClock(eng, testBase.Add(10*time.Second))
	d2 := eng.Decide(ctx, conv)
	if d2.Outcome != OutcomeDeny {
		t.Fatalf("repeated conversion without good visit = %s, want deny", d2.Outcome)
	}
}

func TestConversionAfterGoodVisitIsNotAbuse(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Colombia", ISP: "Claro"}})
	ctx := context.Background()

	// Genuine land, dwell above the good-visit minimum.
	eng.Decide(ctx, landEvent("190.0.0.8", 5000))

	setClock(eng, testBase.Add(30*time.Second))
	d := eng.Decide(ctx, Request{Kind: "whatsapp_click", IP: "190.0.0.8", DeviceID: "dev-1"})
	if d.Outcome != OutcomeMask {
		t.Fatalf("conversion after good visit = %s, want mask (repeat window only)", d.Outcome)
	}
	for _, r := range d.Event.Rules {
		if r == RuleConversionAbuse {
			t.Error("conversion-abuse rule fired despite recent good visit")
		}
	}
}

func TestIdentitylessEventAllowed(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{})

	before := eng.events.Len()
	d := eng.Decide(context.Background(), Request{Kind: KindLand})
	if d.Outcome != OutcomeAllow {
		t.Fatalf("outcome = %s, want allow for identity-less event", d.Outcome)
	}
	if eng.events.Len() != before+1 {
		t.Error("identity-less event should still be logged")
	}
}

func TestRiskStrictDeniesSuspiciousEvent(t *testing.T) {
	// Datacenter +40, bot UA +25, foreign +10, VPN +15 = 90 >= 80.
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Germany", ISP: "Hetzner Online", VPN: true}})
	st := eng.Settings().Snapshot()
	st.RiskStrict = true
	eng.Settings().Replace(st)

	d := eng.Decide(context.Background(), Request{
		Kind: KindLand, IP: "65.108.1.1", DeviceID: "dev-1", UserAgent: "curl/8.0",
	})
	if d.Outcome != OutcomeDeny {
		t.Fatalf("outcome = %s, want deny under risk_strict", d.Outcome)
	}
	if !d.Event.Suspicious {
		t.Error("event should carry the suspicious verdict")
	}
}

func TestRiskAutoblockOffLeavesScoreAdvisory(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{Result: geo.Result{Country: "Germany", ISP: "Claro", VPN: false}})
	st := eng.Settings().Snapshot()
	st.RiskAutoblock = false
	st.RiskThreshold = 10
	eng.Settings().Replace(st)

	d := eng.Decide(context.Background(), Request{
		Kind: KindLand, IP: "190.0.0.10", DeviceID: "dev-1", UserAgent: "curl/8.0",
	})
	if !d.Event.Suspicious {
		t.Fatal("score should still be computed and suspicious")
	}
	for _, r := range d.Event.Rules {
		if r == RuleRiskScore {
			t.Error("risk rule fired with autoblock disabled")
		}
	}
}

func TestApplySettingsPersists(t *testing.T) {
	eng, store, _ := newTestEngine(t, &testutil.GeoStub{})

	applied, rejected := eng.ApplySettings(map[string]any{
		"risk_threshold": float64(70),
		"bogus_key":      true,
	})
	if len(applied) != 1 || applied[0] != "risk_threshold" {
		t.Fatalf("applied = %v", applied)
	}
	if len(rejected) != 0 {
		t.Fatalf("rejected = %v, unknown keys should be ignored", rejected)
	}
	if store.Saves() == 0 {
		t.Fatal("settings change should persist")
	}
	snap := store.Snapshot()
	if snap.Settings.RiskThreshold != 70 {
		t.Errorf("persisted risk_threshold = %d, want 70", snap.Settings.RiskThreshold)
	}
}

func TestOperatorUnblockRoundTrip(t *testing.T) {
	eng, _, _ := newTestEngine(t, &testutil.GeoStub{})

	eng.BlockDevice("dev-x")
	if got := eng.Status("dev-x", "1.1.1.1"); got.State != sanction.StatePermaBlocked {
		t.Fatalf("status after block = %v", got.State)
	}
	if !eng.UnblockDevice("dev-x") {
		t.Fatal("unblock should report success")
	}
	if eng.UnblockDevice("dev-x") {
		t.Error("second unblock should report absence")
	}
	if got := eng.Status("dev-x", "1.1.1.1"); got.State != sanction.StateNone {
		t.Errorf("status after unblock = %v, want none", got.State)
	}
}
