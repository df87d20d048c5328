// Package score computes the heuristic risk score for one enriched event.
// Scoring is pure and deterministic: the same event, settings, and
// enrichment always produce the same score and reason list. The score is
// advisory input to the decision engine, never a sanction by itself.
package score

import (
	"regexp"
	"strings"

	"clickguardian/internal/settings"
)

// Reason codes, in the order rules are evaluated.
const (
	ReasonFastDwell       = "fast_dwell"
	ReasonBotUA           = "bot_ua"
	ReasonAdsNoClickID    = "ads_ref_no_gclid"
	ReasonForeignCountry  = "foreign_country"
	ReasonVPN             = "vpn_detected"
	ReasonRepeatDwellDev  = "repeat_dwell_device"
	ReasonRepeatDwellIP   = "repeat_dwell_ip"
	ReasonDatacenterISP   = "datacenter_isp"
	ReasonConversionClick = "conversion_click_mitigation"
)

// KindConversion is the contact conversion action that mitigates the score.
const KindConversion = "whatsapp_click"

// repeatDwellDelta is the maximum difference (ms) between two consecutive
// dwells that still counts as a scripted replay.
const repeatDwellDelta = 80

// botUAPattern matches crawler, scanner, and automation-tool user agents.
var botUAPattern = regexp.MustCompile(
	`(?i)bot|crawler|spider|preview|scan|archiver|linkchecker|monitor|pingdom|ahrefs|semrush|curl|wget`)

// knownDatacenters are ISP name substrings of hosting providers that real
// landing-page visitors do not browse from.
var knownDatacenters = []string{
	"aws", "amazon", "google cloud", "gcp", "azure",
	"microsoft", "ovh", "digitalocean", "contabo",
	"vultr", "linode", "hetzner",
}

// DefaultHighRiskKeywords are the high-value campaign keywords that tighten
// the suspicion threshold.
var DefaultHighRiskKeywords = []string{
	"urgencias médicas",
	"urgencias medicas",
	"médico 24 horas",
	"medico 24 horas",
	"urgencias médicas domicilio",
	"urgencias medicas domicilio",
	"doctor urgente",
	"doctor a domicilio urgente",
}

// Input carries the event fields and enrichment the scorer reads.
type Input struct {
	Kind      string
	DwellMs   int64
	UserAgent string
	Referrer  string
	URL       string
	Keyword   string

	Country string
	ISP     string
	VPN     bool

	// Previously recorded dwell for the same device / same IP; 0 = none.
	LastDwellDevice int64
	LastDwellIP     int64
}

// Result is the scorer's verdict.
type Result struct {
	Score      int      `json:"score"`
	Threshold  int      `json:"threshold_used"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

// Scorer evaluates the weighted rule set against single events.
type Scorer struct {
	homeCountries    map[string]struct{}
	highRiskKeywords map[string]struct{}
}

// New builds a Scorer. homeCountries are country names/codes considered
// domestic traffic; empty keyword list falls back to the defaults.
func New(homeCountries, highRiskKeywords []string) *Scorer {
	if len(highRiskKeywords) == 0 {
		highRiskKeywords = DefaultHighRiskKeywords
	}
	return &Scorer{
		homeCountries:    lowerSet(homeCountries),
		highRiskKeywords: lowerSet(highRiskKeywords),
	}
}

// Evaluate runs every rule; conditions are additive and independent, except
// the conversion mitigation which subtracts. The final score is clamped to
// [0,100].
func (s *Scorer) Evaluate(in Input, st settings.Settings) Result {
	score := 0
	var reasons []string

	if in.DwellMs > 0 && in.DwellMs < st.FastDwellMs {
		score += 30
		reasons = append(reasons, ReasonFastDwell)
	}

	if in.UserAgent != "" && botUAPattern.MatchString(in.UserAgent) {
		score += 25
		reasons = append(reasons, ReasonBotUA)
	}

	if s.adsWithoutClickID(in.Referrer, in.URL) {
		score += 25
		reasons = append(reasons, ReasonAdsNoClickID)
	}

	if s.foreignCountry(in.Country) {
		score += 10
		reasons = append(reasons, ReasonForeignCountry)
	}

	if in.VPN {
		score += 15
		reasons = append(reasons, ReasonVPN)
	}

	if in.DwellMs > 0 {
		if in.LastDwellDevice > 0 && absDiff(in.DwellMs, in.LastDwellDevice) < repeatDwellDelta {
			score += 20
			reasons = append(reasons, ReasonRepeatDwellDev)
		} else if in.LastDwellIP > 0 && absDiff(in.DwellMs, in.LastDwellIP) < repeatDwellDelta {
			score += 15
			reasons = append(reasons, ReasonRepeatDwellIP)
		}
	}

	if IsDatacenterISP(in.ISP) {
		score += 40
		reasons = append(reasons, ReasonDatacenterISP)
	}

	if strings.EqualFold(in.Kind, KindConversion) {
		score -= 30
		reasons = append(reasons, ReasonConversionClick)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	threshold := st.RiskThreshold
	if _, ok := s.highRiskKeywords[strings.ToLower(strings.TrimSpace(in.Keyword))]; ok && in.Keyword != "" {
		threshold = st.HighRiskThreshold
	}

	return Result{
		Score:      score,
		Threshold:  threshold,
		Suspicious: score >= threshold,
		Reasons:    reasons,
	}
}

// adsWithoutClickID fires when the traffic claims to come from the ad
// network but carries no click id to bill against.
func (s *Scorer) adsWithoutClickID(ref, url string) bool {
	ref = strings.ToLower(ref)
	url = strings.ToLower(url)
	fromAds := strings.Contains(ref, "google") || strings.Contains(url, "utm_source=google")
	return fromAds && !strings.Contains(url, "gclid=")
}

// foreignCountry is true for a resolved country that is neither domestic,
// local, nor unknown.
func (s *Scorer) foreignCountry(country string) bool {
	c := strings.ToLower(strings.TrimSpace(country))
	switch c {
	case "", "-", "local":
		return false
	}
	_, home := s.homeCountries[c]
	return !home
}

// IsDatacenterISP reports whether the ISP name matches the hosting-provider
// list. Exported for the decision engine's network-broadening rule.
func IsDatacenterISP(isp string) bool {
	isp = strings.ToLower(isp)
	if isp == "" {
		return false
	}
	for _, dc := range knownDatacenters {
		if strings.Contains(isp, dc) {
			return true
		}
	}
	return false
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func lowerSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			m[it] = struct{}{}
		}
	}
	return m
}
