package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/starfix/internal/alg"
	"github.com/banshee-data/starfix/internal/assemble"
	"github.com/banshee-data/starfix/internal/modectrl"
	"github.com/banshee-data/starfix/internal/monitoring"
	"github.com/banshee-data/starfix/internal/prefs"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Opsf("api: encode response: %v", err)
	}
}

type apiError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, reason, format string, args ...interface{}) {
	writeJSON(w, status, apiError{Error: fmt.Sprintf(format, args...), Reason: reason})
}

// frameEnvelope wraps the long-poll reply; HasResult is false on timeout.
type frameEnvelope struct {
	HasResult   bool                  `json:"has_result"`
	FrameResult *assemble.FrameResult `json:"frame_result,omitempty"`
}

// handleGetFrame is the long-poll endpoint. The caller passes its last-seen
// frame id; the reply blocks until the current snapshot differs, or the
// deadline passes. Every client keeps its own cursor; snapshots are never
// consumed.
func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prevID := int64(0)
	if v := q.Get("prev_frame_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "bad prev_frame_id %q", v)
			return
		}
		prevID = id
	}
	nonBlocking := q.Get("non_blocking") == "true"

	if nonBlocking {
		cur := s.snaps.Current()
		if cur == nil || cur.FrameID == prevID {
			writeJSON(w, http.StatusOK, frameEnvelope{HasResult: false})
			return
		}
		writeJSON(w, http.StatusOK, frameEnvelope{HasResult: true, FrameResult: cur})
		return
	}

	timeout := s.DefaultPollTimeout
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "bad timeout_ms %q", v)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	cur := s.snaps.Await(ctx, prevID)
	if cur == nil {
		writeJSON(w, http.StatusOK, frameEnvelope{HasResult: false})
		return
	}
	writeJSON(w, http.StatusOK, frameEnvelope{HasResult: true, FrameResult: cur})
}

func decodePatch(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleFixedSettings applies a partial update and returns the full record.
func (s *Server) handleFixedSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var patch modectrl.FixedSettingsPatch
	if err := decodePatch(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "bad patch: %v", err)
		return
	}
	cur, err := s.ctrl.UpdateFixedSettings(patch)
	if err != nil {
		// Rejected whole: the unchanged record is returned.
		writeJSON(w, http.StatusBadRequest, struct {
			apiError
			FixedSettings assemble.FixedSettings `json:"fixed_settings"`
		}{apiError{Error: err.Error(), Reason: "invalid_argument"}, cur})
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// handleOperationSettings applies a partial update (mode changes included)
// and returns the full record.
func (s *Server) handleOperationSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var patch modectrl.OperationSettingsPatch
	if err := decodePatch(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "bad patch: %v", err)
		return
	}
	cur, err := s.ctrl.UpdateOperationSettings(patch)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, struct {
			apiError
			OperationSettings assemble.OperationSettings `json:"operation_settings"`
		}{apiError{Error: err.Error(), Reason: "invalid_argument"}, cur})
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// handlePreferences applies a partial update, writes it through to durable
// storage, and returns the full record. An empty patch reads the record.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var patch prefs.Patch
	if err := decodePatch(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "bad patch: %v", err)
		return
	}
	cur, err := s.prefs.Update(patch)
	if err != nil {
		monitoring.Opsf("api: preferences write: %v", err)
	}
	writeJSON(w, http.StatusOK, cur)
}

// actionRequest is the union of initiate-able actions.
type actionRequest struct {
	Action string `json:"action"`

	// designate_boresight
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`

	// initiate_slew
	Target       *alg.CelestialCoord `json:"target,omitempty"`
	CatalogEntry string              `json:"catalog_entry,omitempty"`

	// update_wifi_access_point
	SSID string `json:"ssid,omitempty"`
	PSK  string `json:"psk,omitempty"`

	// get_server_log compatibility
	Bytes int `json:"bytes,omitempty"`
}

type actionAck struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// handleAction dispatches the action union. All actions are idempotent
// except shutdown_server and restart_server.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req actionRequest
	if err := decodePatch(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "bad action: %v", err)
		return
	}
	s.audit(req)

	var detail string
	var err error
	switch req.Action {
	case "capture_boresight":
		err = s.ctrl.CaptureBoresight()
	case "designate_boresight":
		if req.X == nil || req.Y == nil {
			err = fmt.Errorf("%w: designate_boresight needs x and y", modectrl.ErrInvalidSettings)
			break
		}
		err = s.ctrl.DesignateBoresight(alg.ImageCoord{X: *req.X, Y: *req.Y})
	case "initiate_slew":
		if req.Target == nil {
			err = fmt.Errorf("%w: initiate_slew needs a target", modectrl.ErrInvalidSettings)
			break
		}
		s.slews.Initiate(*req.Target, req.CatalogEntry)
	case "stop_slew":
		s.slews.Stop()
	case "cancel_calibration":
		s.ctrl.CancelCalibration()
	case "save_image":
		detail, err = s.ctrl.SaveImage()
	case "clear_dont_shows":
		err = s.ctrl.ClearDontShows()
	case "update_wifi_access_point":
		// Recorded and logged; the access point is never changed.
		monitoring.Opsf("api: wifi access point update requested (ssid %q); not configured on this host", req.SSID)
		detail = "not_configured"
	case "shutdown_server":
		writeJSON(w, http.StatusOK, actionAck{OK: true})
		s.ctrl.Shutdown(false)
		return
	case "restart_server":
		writeJSON(w, http.StatusOK, actionAck{OK: true})
		s.ctrl.Shutdown(true)
		return
	default:
		writeError(w, http.StatusBadRequest, "invalid_argument", "unknown action %q", req.Action)
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		reason := "internal"
		if errors.Is(err, modectrl.ErrInvalidSettings) {
			status = http.StatusBadRequest
			reason = "invalid_argument"
		}
		writeError(w, status, reason, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, actionAck{OK: true, Detail: detail})
}

func (s *Server) audit(req actionRequest) {
	if s.db == nil {
		return
	}
	detail, _ := json.Marshal(req)
	if err := s.db.RecordAction(uuid.NewString(), req.Action, string(detail), time.Now()); err != nil {
		monitoring.Diagf("api: action audit: %v", err)
	}
}

// handleServerLog returns the tail of the server log.
func (s *Server) handleServerLog(w http.ResponseWriter, r *http.Request) {
	n := 64 * 1024
	if v := r.URL.Query().Get("bytes"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "bad bytes %q", v)
			return
		}
		n = parsed
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(monitoring.TailBytes(n)))
}

// handleDwells lists the most recent dwelled positions.
func (s *Server) handleDwells(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, "unavailable", "no database configured")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	dwells, err := s.db.DwelledPositions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, dwells)
}

// handleCatalog proxies catalog RPCs to the solver-side catalog service:
// /api/catalog/query, /api/catalog/describe, /api/catalog/types,
// /api/catalog/constellations.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no catalog service")
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/catalog/")
	if method == "" || strings.Contains(method, "/") {
		writeError(w, http.StatusNotFound, "invalid_argument", "unknown catalog method")
		return
	}
	var params json.RawMessage
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			params = nil
		}
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	reply, err := s.catalog.CatalogQuery(r.Context(), method, params)
	if err != nil {
		writeError(w, http.StatusBadGateway, "solver_failed", "%v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}
