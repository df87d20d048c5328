// Package settings holds the operator-tunable decision thresholds. Decision
// passes read a whole-map snapshot; operator writes replace the snapshot
// atomically so a pass never observes a partially-updated mix.
package settings

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Settings is the flat threshold map, read-mostly during decisioning.
type Settings struct {
	RiskAutoblock          bool  `json:"risk_autoblock" msgpack:"risk_autoblock"`
	RiskStrict             bool  `json:"risk_strict" msgpack:"risk_strict"`
	RiskThreshold          int   `json:"risk_threshold" msgpack:"risk_threshold"`
	HighRiskThreshold      int   `json:"high_risk_threshold" msgpack:"high_risk_threshold"`
	RepeatWindowSeconds    int   `json:"repeat_window_seconds" msgpack:"repeat_window_seconds"`
	RepeatRequired         int   `json:"repeat_required" msgpack:"repeat_required"`
	FastDwellMs            int64 `json:"fast_dwell_ms" msgpack:"fast_dwell_ms"`
	FastRepeatRequired     int   `json:"fast_repeat_required" msgpack:"fast_repeat_required"`
	MinGoodDwellMs         int64 `json:"min_good_dwell_ms" msgpack:"min_good_dwell_ms"`
	GoodDwellWindowMinutes int   `json:"good_dwell_window_minutes" msgpack:"good_dwell_window_minutes"`
	MaskMinutes            int   `json:"mask_minutes" msgpack:"mask_minutes"`
	SoftBlockHours         int   `json:"soft_block_hours" msgpack:"soft_block_hours"`
	VPNRepeatRequired      int   `json:"vpn_repeat_required" msgpack:"vpn_repeat_required"`
	NightStartHour         int   `json:"night_start_hour" msgpack:"night_start_hour"`
	NightEndHour           int   `json:"night_end_hour" msgpack:"night_end_hour"`
	NightRepeatRequired    int   `json:"night_repeat_required" msgpack:"night_repeat_required"`
	DailyMaskCeiling       int   `json:"daily_mask_ceiling" msgpack:"daily_mask_ceiling"`
	DailySoftCeiling       int   `json:"daily_soft_ceiling" msgpack:"daily_soft_ceiling"`
	DailyPermaCeiling      int   `json:"daily_perma_ceiling" msgpack:"daily_perma_ceiling"`
}

// Defaults returns the shipped policy thresholds.
func Defaults() Settings {
	return Settings{
		RiskAutoblock:          true,
		RiskStrict:             false,
		RiskThreshold:          80,
		HighRiskThreshold:      60,
		RepeatWindowSeconds:    60,
		RepeatRequired:         2,
		FastDwellMs:            600,
		FastRepeatRequired:     3,
		MinGoodDwellMs:         2000,
		GoodDwellWindowMinutes: 5,
		MaskMinutes:            30,
		SoftBlockHours:         72,
		VPNRepeatRequired:      3,
		NightStartHour:         1,
		NightEndHour:           5,
		NightRepeatRequired:    3,
		DailyMaskCeiling:       4,
		DailySoftCeiling:       6,
		DailyPermaCeiling:      7,
	}
}

// Duration accessors used by the decision engine.

func (s Settings) RepeatWindow() time.Duration {
	return time.Duration(s.RepeatWindowSeconds) * time.Second
}

func (s Settings) GoodDwellWindow() time.Duration {
	return time.Duration(s.GoodDwellWindowMinutes) * time.Minute
}

func (s Settings) MaskDuration() time.Duration {
	return time.Duration(s.MaskMinutes) * time.Minute
}

func (s Settings) SoftBlockDuration() time.Duration {
	return time.Duration(s.SoftBlockHours) * time.Hour
}

// NightHours reports whether hour (UTC) falls inside the configured night
// window. The window may wrap midnight (e.g. 22..5).
func (s Settings) NightHours(hour int) bool {
	if s.NightStartHour == s.NightEndHour {
		return false
	}
	if s.NightStartHour < s.NightEndHour {
		return hour >= s.NightStartHour && hour < s.NightEndHour
	}
	return hour >= s.NightStartHour || hour < s.NightEndHour
}

// Store publishes Settings snapshots to concurrent decision passes. Reads
// are lock-free off the atomic pointer; writers serialize on mu so two
// concurrent patches cannot lose each other's keys.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Settings]
}

// NewStore returns a Store initialized to Defaults.
func NewStore() *Store {
	s := &Store{}
	def := Defaults()
	s.cur.Store(&def)
	return s
}

// Snapshot returns the current settings by value.
func (s *Store) Snapshot() Settings {
	return *s.cur.Load()
}

// Replace swaps in a complete new settings value.
func (s *Store) Replace(next Settings) {
	s.mu.Lock()
	s.cur.Store(&next)
	s.mu.Unlock()
}

// Apply merges a raw patch (decoded JSON object) into the current settings.
// Validation is per key: invalid values are rejected and reported without
// blocking valid keys in the same patch; unknown keys are ignored. Returns
// the applied key names and a key->error map for the rejected ones.
func (s *Store) Apply(patch map[string]any) (applied []string, rejected map[string]string) {
	rejected = make(map[string]string)

	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.cur.Load()

	for key, raw := range patch {
		field, known := fields[key]
		if !known {
			continue
		}
		if err := field.set(&next, raw); err != nil {
			rejected[key] = err.Error()
			continue
		}
		applied = append(applied, key)
	}

	if len(applied) > 0 {
		s.cur.Store(&next)
	}
	return applied, rejected
}

type fieldSpec struct {
	set func(*Settings, any) error
}

func boolField(assign func(*Settings, bool)) fieldSpec {
	return fieldSpec{set: func(s *Settings, raw any) error {
		v, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("expected boolean, got %T", raw)
		}
		assign(s, v)
		return nil
	}}
}

func intField(min, max int, assign func(*Settings, int)) fieldSpec {
	return fieldSpec{set: func(s *Settings, raw any) error {
		v, err := asInt(raw)
		if err != nil {
			return err
		}
		if v < min || v > max {
			return fmt.Errorf("out of range [%d,%d]: %d", min, max, v)
		}
		assign(s, v)
		return nil
	}}
}

func int64Field(min, max int64, assign func(*Settings, int64)) fieldSpec {
	return fieldSpec{set: func(s *Settings, raw any) error {
		v, err := asInt(raw)
		if err != nil {
			return err
		}
		v64 := int64(v)
		if v64 < min || v64 > max {
			return fmt.Errorf("out of range [%d,%d]: %d", min, max, v64)
		}
		assign(s, v64)
		return nil
	}}
}

// asInt accepts the numeric shapes a decoded JSON or msgpack payload can
// produce. Fractional values are rejected rather than truncated.
func asInt(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

var fields = map[string]fieldSpec{
	"risk_autoblock":            boolField(func(s *Settings, v bool) { s.RiskAutoblock = v }),
	"risk_strict":               boolField(func(s *Settings, v bool) { s.RiskStrict = v }),
	"risk_threshold":            intField(1, 100, func(s *Settings, v int) { s.RiskThreshold = v }),
	"high_risk_threshold":       intField(1, 100, func(s *Settings, v int) { s.HighRiskThreshold = v }),
	"repeat_window_seconds":     intField(1, 86400, func(s *Settings, v int) { s.RepeatWindowSeconds = v }),
	"repeat_required":           intField(1, 1000, func(s *Settings, v int) { s.RepeatRequired = v }),
	"fast_dwell_ms":             int64Field(1, 3600000, func(s *Settings, v int64) { s.FastDwellMs = v }),
	"fast_repeat_required":      intField(1, 1000, func(s *Settings, v int) { s.FastRepeatRequired = v }),
	"min_good_dwell_ms":         int64Field(1, 3600000, func(s *Settings, v int64) { s.MinGoodDwellMs = v }),
	"good_dwell_window_minutes": intField(1, 1440, func(s *Settings, v int) { s.GoodDwellWindowMinutes = v }),
	"mask_minutes":              intField(1, 10080, func(s *Settings, v int) { s.MaskMinutes = v }),
	"soft_block_hours":          intField(1, 8760, func(s *Settings, v int) { s.SoftBlockHours = v }),
	"vpn_repeat_required":       intField(1, 1000, func(s *Settings, v int) { s.VPNRepeatRequired = v }),
	"night_start_hour":          intField(0, 23, func(s *Settings, v int) { s.NightStartHour = v }),
	"night_end_hour":            intField(0, 23, func(s *Settings, v int) { s.NightEndHour = v }),
	"night_repeat_required":     intField(1, 1000, func(s *Settings, v int) { s.NightRepeatRequired = v }),
	"daily_mask_ceiling":        intField(1, 100000, func(s *Settings, v int) { s.DailyMaskCeiling = v }),
	"daily_soft_ceiling":        intField(1, 100000, func(s *Settings, v int) { s.DailySoftCeiling = v }),
	"daily_perma_ceiling":       intField(1, 100000, func(s *Settings, v int) { s.DailyPermaCeiling = v }),
}
