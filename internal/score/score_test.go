package score

import (
	"testing"

	"clickguardian/internal/settings"
)

func newScorer() *Scorer {
	return New([]string{"Colombia", "CO"}, nil)
}

func TestCleanEventScoresZero(t *testing.T) {
	r := newScorer().Evaluate(Input{
		Kind:      "land",
		DwellMs:   5000,
		UserAgent: "Mozilla/5.0 (Linux; Android 14)",
		Country:   "Colombia",
	}, settings.Defaults())
	if r.Score != 0 || r.Suspicious {
		t.Errorf("clean event: score=%d suspicious=%v reasons=%v", r.Score, r.Suspicious, r.Reasons)
	}
}

func TestIndividualWeights(t *testing.T) {
	st := settings.Defaults()
	s := newScorer()

	tests := []struct {
		name   string
		in     Input
		score  int
		reason string
	}{
		{"fast dwell", Input{Kind: "land", DwellMs: 200}, 30, ReasonFastDwell},
		{"bot ua", Input{Kind: "land", UserAgent: "AhrefsBot/7.0"}, 25, ReasonBotUA},
		{"curl ua", Input{Kind: "land", UserAgent: "curl/8.4.0"}, 25, ReasonBotUA},
		{"ads no gclid", Input{Kind: "land", Referrer: "https://www.google.com/aclk"}, 25, ReasonAdsNoClickID},
		{"foreign country", Input{Kind: "land", Country: "Russia"}, 10, ReasonForeignCountry},
		{"vpn", Input{Kind: "land", VPN: true}, 15, ReasonVPN},
		{"datacenter isp", Input{Kind: "land", ISP: "Hetzner Online GmbH"}, 40, ReasonDatacenterISP},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := s.Evaluate(tc.in, st)
			if r.Score != tc.score {
				t.Errorf("score = %d, want %d (reasons %v)", r.Score, tc.score, r.Reasons)
			}
			if len(r.Reasons) != 1 || r.Reasons[0] != tc.reason {
				t.Errorf("reasons = %v, want [%s]", r.Reasons, tc.reason)
			}
		})
	}
}

func TestWeightsAreAdditive(t *testing.T) {
	r := newScorer().Evaluate(Input{
		Kind:      "land",
		DwellMs:   200,                // +30
		UserAgent: "python-requests",  // no bot match
		Referrer:  "https://google.com", // +25
		Country:   "Germany",          // +10
		VPN:       true,               // +15
	}, settings.Defaults())
	if r.Score != 80 {
		t.Errorf("score = %d, want 80; reasons %v", r.Score, r.Reasons)
	}
	if !r.Suspicious {
		t.Error("80 >= default threshold 80 should be suspicious")
	}
}

func TestScoreClampedAt100(t *testing.T) {
	r := newScorer().Evaluate(Input{
		Kind:      "land",
		DwellMs:   100,
		UserAgent: "GoogleBot",
		Referrer:  "https://google.com",
		Country:   "Netherlands",
		VPN:       true,
		ISP:       "DigitalOcean LLC",
	}, settings.Defaults())
	if r.Score != 100 {
		t.Errorf("score = %d, want clamp at 100", r.Score)
	}
}

func TestConversionMitigationFloorsAtZero(t *testing.T) {
	s := newScorer()
	st := settings.Defaults()

	r := s.Evaluate(Input{Kind: KindConversion, Country: "Germany"}, st)
	if r.Score != 0 {
		t.Errorf("10-30 should floor at 0, got %d", r.Score)
	}

	r = s.Evaluate(Input{Kind: KindConversion, DwellMs: 100, VPN: true}, st)
	if r.Score != 15 { // 30+15-30
		t.Errorf("score = %d, want 15", r.Score)
	}
}

func TestRepeatDwellDevicePreferredOverIP(t *testing.T) {
	s := newScorer()
	st := settings.Defaults()

	r := s.Evaluate(Input{Kind: "land", DwellMs: 1000, LastDwellDevice: 1050, LastDwellIP: 1010}, st)
	if r.Score != 20 || r.Reasons[0] != ReasonRepeatDwellDev {
		t.Errorf("device repeat: score=%d reasons=%v", r.Score, r.Reasons)
	}

	r = s.Evaluate(Input{Kind: "land", DwellMs: 1000, LastDwellIP: 1010}, st)
	if r.Score != 15 || r.Reasons[0] != ReasonRepeatDwellIP {
		t.Errorf("ip repeat: score=%d reasons=%v", r.Score, r.Reasons)
	}

	// Delta at or above 80ms is organic variance.
	r = s.Evaluate(Input{Kind: "land", DwellMs: 1000, LastDwellDevice: 1080}, st)
	if r.Score != 0 {
		t.Errorf("wide delta should not fire, got %d", r.Score)
	}
}

func TestHighRiskKeywordLowersThreshold(t *testing.T) {
	s := newScorer()
	st := settings.Defaults()

	in := Input{
		Kind:    "land",
		DwellMs: 200,               // +30
		Country: "Peru",            // +10
		VPN:     true,              // +15
		Keyword: "doctor urgente",
	}
	r := s.Evaluate(in, st)
	if r.Threshold != st.HighRiskThreshold {
		t.Errorf("threshold = %d, want lowered %d", r.Threshold, st.HighRiskThreshold)
	}
	if r.Score != 55 || r.Suspicious {
		t.Errorf("55 < 60 must not be suspicious: score=%d suspicious=%v", r.Score, r.Suspicious)
	}

	in.Referrer = "https://www.google.com" // +25 -> 80
	r = s.Evaluate(in, st)
	if !r.Suspicious {
		t.Error("80 >= 60 should be suspicious under high-risk keyword")
	}

	in.Keyword = "zapatos baratos"
	r = s.Evaluate(in, st)
	if r.Threshold != st.RiskThreshold {
		t.Errorf("ordinary keyword threshold = %d, want %d", r.Threshold, st.RiskThreshold)
	}
}

func TestLocalAndUnknownCountriesNotForeign(t *testing.T) {
	s := newScorer()
	st := settings.Defaults()
	for _, c := range []string{"", "-", "LOCAL", "Colombia", "CO", "colombia"} {
		if r := s.Evaluate(Input{Kind: "land", Country: c}, st); r.Score != 0 {
			t.Errorf("country %q scored %d, want 0", c, r.Score)
		}
	}
}

func TestGclidPresentSuppressesAdsRule(t *testing.T) {
	r := newScorer().Evaluate(Input{
		Kind:     "land",
		Referrer: "https://www.google.com",
		URL:      "https://example.com/?gclid=abc123",
	}, settings.Defaults())
	if r.Score != 0 {
		t.Errorf("gclid present should not fire, got %d (%v)", r.Score, r.Reasons)
	}
}

func TestIsDatacenterISP(t *testing.T) {
	for isp, want := range map[string]bool{
		"Hetzner Online GmbH": true,
		"OVH SAS":             true,
		"Claro Colombia":      false,
		"":                    false,
	} {
		if got := IsDatacenterISP(isp); got != want {
			t.Errorf("IsDatacenterISP(%q) = %v, want %v", isp, got, want)
		}
	}
}
