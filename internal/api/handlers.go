package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/turntable.report/internal/codec"
	"github.com/banshee-data/turntable.report/internal/db"
	"github.com/banshee-data/turntable.report/internal/device"
	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/httputil"
	"github.com/banshee-data/turntable.report/internal/monitoring"
	"github.com/banshee-data/turntable.report/internal/security"
	"github.com/banshee-data/turntable.report/internal/units"
	"github.com/banshee-data/turntable.report/internal/version"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Units string `json:"units"`
	flutter.Snapshot
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, StateResponse{Units: s.units, Snapshot: s.engine.Snapshot()})
}

func (s *Server) showMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Metrics())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"units":          s.units,
		"valid_units":    units.ValidUnits,
		"device_enabled": s.device != nil,
		"store_enabled":  s.store != nil,
		"tuning":         s.engine.Options(),
		"version":        version.String(),
	})
}

// TargetRequest is the body of POST /api/target. Unit defaults to the
// display unit.
type TargetRequest struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.device == nil {
		httputil.ServiceUnavailable(w, "device disabled")
		return
	}
	var req TargetRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Unit == "" {
		req.Unit = s.units
	}
	if err := s.device.SetTargetSpeed(r.Context(), req.Value, req.Unit); err != nil {
		writeDeviceError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"target": s.engine.Target(), "units": s.units})
}

func (s *Server) resetWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.engine.Reset()
	s.notify()
	monitoring.Logf("api: window reset")
	httputil.WriteJSONOK(w, map[string]string{"status": "reset"})
}

func (s *Server) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

func (s *Server) velocityPID(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		httputil.ServiceUnavailable(w, "device disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		g, err := s.device.ReadVelocityPID(r.Context())
		if err != nil {
			writeDeviceError(w, err)
			return
		}
		httputil.WriteJSONOK(w, g)
	case http.MethodPost:
		var g codec.VelocityPID
		if err := httputil.DecodeJSON(r, &g); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.device.WriteVelocityPID(r.Context(), g); err != nil {
			writeDeviceError(w, err)
			return
		}
		httputil.WriteJSONOK(w, g)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) currentPI(w http.ResponseWriter, r *http.Request) {
	if s.device == nil {
		httputil.ServiceUnavailable(w, "device disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		g, err := s.device.ReadCurrentPI(r.Context())
		if err != nil {
			writeDeviceError(w, err)
			return
		}
		httputil.WriteJSONOK(w, g)
	case http.MethodPost:
		var g codec.CurrentPI
		if err := httputil.DecodeJSON(r, &g); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.device.WriteCurrentPI(r.Context(), g); err != nil {
			writeDeviceError(w, err)
			return
		}
		httputil.WriteJSONOK(w, g)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrInvalidUnit):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, device.ErrReadbackTimeout), errors.Is(err, context.DeadlineExceeded):
		httputil.GatewayTimeout(w, err.Error())
	case errors.Is(err, codec.ErrShortPayload):
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	default:
		monitoring.Logf("api: device command failed: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) presets(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.store.ListPresets()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, list)
	case http.MethodPost:
		var p db.Preset
		if err := httputil.DecodeJSON(r, &p); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if strings.TrimSpace(p.Name) == "" {
			httputil.BadRequest(w, "preset name is required")
			return
		}
		if p.SpeedUnit == "" {
			p.SpeedUnit = s.units
		}
		if !units.IsValid(p.SpeedUnit) {
			httputil.BadRequest(w, fmt.Sprintf("invalid speed_unit %q: expected one of %s", p.SpeedUnit, units.GetValidUnitsString()))
			return
		}
		saved, err := s.store.SavePreset(p)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, saved)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) deletePreset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return
	}
	name := r.PathValue("name")
	if err := s.store.DeletePreset(name); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// applyPreset writes any gains the preset carries, then its target speed.
func (s *Server) applyPreset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return
	}
	if s.device == nil {
		httputil.ServiceUnavailable(w, "device disabled")
		return
	}
	p, err := s.store.Preset(r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ctx := r.Context()
	if p.VelocityPID != nil {
		if err := s.device.WriteVelocityPID(ctx, *p.VelocityPID); err != nil {
			writeDeviceError(w, err)
			return
		}
	}
	if p.CurrentPI != nil {
		if err := s.device.WriteCurrentPI(ctx, *p.CurrentPI); err != nil {
			writeDeviceError(w, err)
			return
		}
	}
	if err := s.device.SetTargetSpeed(ctx, p.TargetSpeed, p.SpeedUnit); err != nil {
		writeDeviceError(w, err)
		return
	}
	monitoring.Logf("api: applied preset %q", p.Name)
	httputil.WriteJSONOK(w, p)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrPresetNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

// historyLimit parses ?limit= (1 to 10000, default 100).
func historyLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 100, nil
	}
	v, err := strconv.Atoi(l)
	if err != nil || v < 1 || v > 10000 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return v, nil
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := s.store.RecentMetrics(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, records)
}

var historyCSVHeader = []string{
	"recorded_at", "session_id", "target_speed", "sample_rate_hz", "sample_count",
	"unweighted_rms", "unweighted_two_sigma", "weighted_rms", "weighted_two_sigma",
}

// exportHistory downloads the history as CSV, oldest first. ?filename= names
// the attachment.
func (s *Server) exportHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return
	}
	limit, err := historyLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := s.store.RecentMetrics(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	name := "turntable_history"
	if f := r.URL.Query().Get("filename"); f != "" {
		name = security.SanitizeFilename(strings.TrimSuffix(f, ".csv"))
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", name))

	cw := csv.NewWriter(w)
	cw.Write(historyCSVHeader)
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		cw.Write([]string{
			rec.RecordedAt.Format(time.RFC3339Nano), rec.SessionID,
			f(rec.TargetSpeed), f(rec.SampleRate), strconv.Itoa(rec.SampleCount),
			f(rec.UnweightedRMS), f(rec.UnweightedTwoSigma), f(rec.WeightedRMS), f(rec.WeightedTwoSigma),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		monitoring.Logf("api: history export failed: %v", err)
	}
}
