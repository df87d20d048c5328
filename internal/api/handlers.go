package api

import (
	"io"
	"net/http"
	"strconv"

	"clickguardian/internal/engine"
	"clickguardian/internal/identity"
	json "github.com/goccy/go-json"
)

const maxBodyBytes = 64 << 10

// trackPayload is the telemetry beacon body sent by the landing page.
type trackPayload struct {
	DeviceID string `json:"device_id"`
	Kind     string `json:"type"`
	DwellMs  int64  `json:"dwell_ms"`
	Lang     string `json:"lang"`
	TZ       string `json:"tz"`
	Screen   string `json:"screen"`
	Platform string `json:"platform"`
	Referrer string `json:"ref"`
	URL      string `json:"url"`
	Keyword  string `json:"keyword"`
}

// handleTrack runs the full decision pass. It never returns a 5xx: an
// unparseable body degrades to an identity-by-IP event.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var p trackPayload
	if body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes)); err == nil {
		if err := json.Unmarshal(body, &p); err != nil {
			s.log.Debug().Err(err).Msg("track: unparseable body, degrading to IP identity")
			p = trackPayload{}
		}
	}

	// The client-declared device id is the primary identity; a server-side
	// fingerprint stands in when the page did not send one.
	ua := r.UserAgent()
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = identity.Fingerprint(ua, p.Lang, p.TZ, p.Screen, p.Platform)
	}
	d := s.engine.Decide(r.Context(), engine.Request{
		Kind:      p.Kind,
		IP:        identity.ClientIP(r),
		DeviceID:  deviceID,
		UserAgent: ua,
		Referrer:  p.Referrer,
		URL:       p.URL,
		Keyword:   p.Keyword,
		DwellMs:   p.DwellMs,
	})

	switch d.Outcome {
	case engine.OutcomeDeny:
		writeJSON(w, http.StatusForbidden, map[string]any{"blocked": true})
	case engine.OutcomeMask:
		writeJSON(w, http.StatusOK, map[string]any{"mask": true})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// guardPayload carries the declared device id (or the fingerprint parts to
// derive one) for a read-only status check.
type guardPayload struct {
	DeviceID string `json:"device_id"`
	Lang     string `json:"lang"`
	TZ       string `json:"tz"`
	Screen   string `json:"screen"`
	Platform string `json:"platform"`
}

// handleGuard checks standing sanctions without recording a touch.
func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	var p guardPayload
	if body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes)); err == nil {
		_ = json.Unmarshal(body, &p)
	}

	ua := r.UserAgent()
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = identity.Fingerprint(ua, p.Lang, p.TZ, p.Screen, p.Platform)
	}
	status := s.engine.Status(deviceID, identity.ClientIP(r))

	if status.State.Blocking() && !status.Whitelisted {
		writeJSON(w, http.StatusForbidden, map[string]any{"blocked": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": false})
}

// eventView is an audit event annotated with the identity's live standing.
type eventView struct {
	engine.Event
	BlockedNow bool   `json:"blocked_now"`
	BlockedBy  string `json:"blocked_by,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}

	events := s.engine.Recent(limit)
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		status := s.engine.Status(ev.DeviceID, ev.IP)
		views = append(views, eventView{
			Event:      ev,
			BlockedNow: status.State.Blocking() && !status.Whitelisted,
			BlockedBy:  status.By,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views, "count": len(views)})
}

func (s *Server) handleBlocklist(w http.ResponseWriter, _ *http.Request) {
	sets := s.engine.Blocklist()
	writeJSON(w, http.StatusOK, map[string]any{
		"block_devices":     sets.BlockDevices,
		"block_ips":         sets.BlockIPs,
		"blocked_networks":  sets.BlockedNetworks,
		"whitelist_devices": sets.WhitelistDevices,
		"whitelist_ips":     sets.WhitelistIPs,
	})
}

func (s *Server) handleListBlockDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.engine.Blocklist().BlockDevices})
}

func (s *Server) handleListBlockIPs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ips": s.engine.Blocklist().BlockIPs})
}

// ---- Manual overrides --------------------------------------------------------

type devicePayload struct {
	DeviceID string `json:"device_id"`
}

type ipPayload struct {
	IP string `json:"ip"`
}

func (s *Server) handleBlockDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeDevice(w, r)
	if !ok {
		return
	}
	s.engine.BlockDevice(id)
	s.log.Info().Str("device_id", id).Msg("device blocked by operator")
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleUnblockDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeDevice(w, r)
	if !ok {
		return
	}
	if !s.engine.UnblockDevice(id) {
		writeJSON(w, http.StatusNotFound, errorBody("device not blocked"))
		return
	}
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeIP(w, r)
	if !ok {
		return
	}
	s.engine.BlockIP(ip)
	s.log.Info().Str("ip", ip).Msg("address blocked by operator")
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeIP(w, r)
	if !ok {
		return
	}
	if !s.engine.UnblockIP(ip) {
		writeJSON(w, http.StatusNotFound, errorBody("address not blocked"))
		return
	}
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleWhitelistDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeDevice(w, r)
	if !ok {
		return
	}
	s.engine.WhitelistDevice(id)
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleUnwhitelistDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeDevice(w, r)
	if !ok {
		return
	}
	if !s.engine.UnwhitelistDevice(id) {
		writeJSON(w, http.StatusNotFound, errorBody("device not whitelisted"))
		return
	}
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleWhitelistIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeIP(w, r)
	if !ok {
		return
	}
	s.engine.WhitelistIP(ip)
	writeJSON(w, http.StatusOK, okBody())
}

func (s *Server) handleUnwhitelistIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := decodeIP(w, r)
	if !ok {
		return
	}
	if !s.engine.UnwhitelistIP(ip) {
		writeJSON(w, http.StatusNotFound, errorBody("address not whitelisted"))
		return
	}
	writeJSON(w, http.StatusOK, okBody())
}

// ---- Settings ----------------------------------------------------------------

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Settings().Snapshot())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !decodeBody(w, r, &patch) {
		return
	}
	applied, rejected := s.engine.ApplySettings(patch)
	status := http.StatusOK
	if len(applied) == 0 && len(rejected) > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"ok":       len(rejected) == 0,
		"applied":  applied,
		"rejected": rejected,
	})
}

// ---- Helpers -----------------------------------------------------------------

func decodeDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	var p devicePayload
	if !decodeBody(w, r, &p) {
		return "", false
	}
	if p.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("device_id is required"))
		return "", false
	}
	return p.DeviceID, true
}

func decodeIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	var p ipPayload
	if !decodeBody(w, r, &p) {
		return "", false
	}
	if p.IP == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("ip is required"))
		return "", false
	}
	return p.IP, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("read body: "+err.Error()))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func okBody() map[string]any {
	return map[string]any{"ok": true}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}
