package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"groupwatch/internal/notifier"
	"groupwatch/internal/remediation"
	rtsup "groupwatch/internal/runtime/supervisor"
	"groupwatch/internal/storage"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Backend is everything the control panel may read or trigger.
type Backend interface {
	Snapshot() *watchdog.Snapshot
	Describe(now time.Time) []watchdog.UnitStatus
	LastReport() (watchdog.CycleReport, bool)
	Reload(ctx context.Context) error
	ProbeUnit(ctx context.Context, id int64) (watchdog.ProbeResult, error)
	RemediateNow(ctx context.Context, id int64, actor string) (remediation.Result, error)
	// RedactedConfig returns the running configuration with secrets masked.
	RedactedConfig() any
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
	Runtime() RuntimeStatus
}

// RuntimeStatus reports supervised goroutines and alert delivery.
type RuntimeStatus struct {
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	Notifier    NotifierStatus            `json:"notifier"`
}

type NotifierStatus struct {
	Enabled bool                   `json:"enabled"`
	Running bool                   `json:"running"`
	Queued  int                    `json:"queued"`
	Recent  []notifier.HistoryItem `json:"recent,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Now          time.Time             `json:"now"`
	Period       watchdog.Period       `json:"period"`
	Timezone     string                `json:"timezone"`
	NightWindow  string                `json:"night_window"`
	IntervalSec  float64               `json:"interval_sec"`
	UnitsTotal   int                   `json:"units_total"`
	UnitsEnabled int                   `json:"units_enabled"`
	ConfigLoaded time.Time             `json:"config_loaded_at"`
	LastCycle    *watchdog.CycleReport `json:"last_cycle,omitempty"`
	Units        []watchdog.UnitStatus `json:"units"`
	Runtime      RuntimeStatus         `json:"runtime"`
}

type RemediationResponse struct {
	UnitID    int64  `json:"unit_id"`
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TookMS    int64  `json:"took_ms"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler builds the full router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	r := mux.NewRouter()
	auth := tokenAuth(cfg.Token)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", auth(s.metrics.Handler())).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)
	route := func(path string, h http.HandlerFunc) *mux.Route {
		return api.Handle(path, s.metrics.WrapHandler("/api"+path, h))
	}
	route("/status", s.handleStatus).Methods("GET")
	route("/units", s.handleUnits).Methods("GET")
	route("/units/{id:-?[0-9]+}", s.handleUnit).Methods("GET")
	route("/units/{id:-?[0-9]+}/probe", s.handleProbe).Methods("POST")
	route("/units/{id:-?[0-9]+}/remediate", s.handleRemediate).Methods("POST")
	route("/config", s.handleConfig).Methods("GET")
	route("/reload", s.handleReload).Methods("POST")
	route("/audit", s.handleAudit).Methods("GET")
	// Not wrapped: the metrics recorder would hide http.Hijacker.
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	if cfg.Pprof {
		dbg := r.PathPrefix("/debug/pprof").Subrouter()
		dbg.Use(auth)
		dbg.HandleFunc("/cmdline", hpprof.Cmdline)
		dbg.HandleFunc("/profile", hpprof.Profile)
		dbg.HandleFunc("/symbol", hpprof.Symbol)
		dbg.HandleFunc("/trace", hpprof.Trace)
		dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	}

	var h http.Handler = r
	h = handlers.LoggingHandler(accessLog{log: s.log}, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLog{log: s.log}), handlers.PrintRecoveryStack(false))(h)
	return h
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.backend.Snapshot() == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) status() (StatusResponse, bool) {
	snap := s.backend.Snapshot()
	if snap == nil {
		return StatusResponse{}, false
	}
	now := s.now()
	out := StatusResponse{
		Now:          now,
		Period:       snap.Schedule.Period(now),
		Timezone:     locationName(snap),
		NightWindow:  snap.Schedule.String(),
		IntervalSec:  snap.Interval.Seconds(),
		UnitsTotal:   snap.Len(),
		UnitsEnabled: len(snap.Enabled()),
		ConfigLoaded: snap.LoadedAt,
		Units:        s.backend.Describe(now),
		Runtime:      s.backend.Runtime(),
	}
	if out.Runtime.Supervisors == nil {
		out.Runtime.Supervisors = map[string]rtsup.Snapshot{}
	}
	out.Runtime.Supervisors["control"] = s.Supervisor().Snapshot()
	if rep, ok := s.backend.LastReport(); ok {
		out.LastCycle = &rep
	}
	s.metrics.SetUnitStates(out.Units)
	return out, true
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.status()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleUnits(w http.ResponseWriter, _ *http.Request) {
	rows := s.backend.Describe(s.now())
	if rows == nil {
		rows = []watchdog.UnitStatus{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Service) handleUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := unitID(w, r)
	if !ok {
		return
	}
	for _, row := range s.backend.Describe(s.now()) {
		if row.ID == id {
			writeJSON(w, http.StatusOK, row)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("unit %d not found", id))
}

func (s *Service) handleProbe(w http.ResponseWriter, r *http.Request) {
	id, ok := unitID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := s.backend.ProbeUnit(ctx, id)
	switch {
	case errors.Is(err, watchdog.ErrUnknownUnit):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handleRemediate(w http.ResponseWriter, r *http.Request) {
	id, ok := unitID(w, r)
	if !ok {
		return
	}
	snap := s.backend.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	u, found := snap.Unit(id)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unit %d not found", id))
		return
	}
	if !u.Enabled {
		writeError(w, http.StatusConflict, "monitoring is disabled for "+u.Name)
		return
	}

	res, err := s.backend.RemediateNow(r.Context(), id, actor(r))
	switch {
	case errors.Is(err, watchdog.ErrUnknownUnit):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, remediation.ErrNotConfigured):
		writeError(w, http.StatusConflict, "remediation is disabled for "+u.Name)
		return
	}
	body := RemediationResponse{
		UnitID:    id,
		OK:        res.OK,
		Status:    res.Status,
		RequestID: res.RequestID,
		TookMS:    res.Took.Milliseconds(),
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusBadGateway
		if res.Err != nil {
			body.Error = res.Err.Error()
		} else {
			body.Error = fmt.Sprintf("remediation endpoint returned HTTP %d", res.Status)
		}
	}
	writeJSON(w, code, body)
}

func (s *Service) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.RedactedConfig())
}

func (s *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	before := s.backend.Snapshot()
	if err := s.backend.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	after := s.backend.Snapshot()
	writeJSON(w, http.StatusOK, map[string]int{
		"units_enabled_before": enabledCount(before),
		"units_enabled":        enabledCount(after),
	})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	entries, err := s.backend.RecentAudit(r.Context(), limit)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusNotFound, "storage is disabled")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if entries == nil {
			entries = []storage.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func unitID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid unit id")
		return 0, false
	}
	return id, true
}

// actor names the caller in the audit trail.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return "http:" + a
	}
	return "http:" + r.RemoteAddr
}

func enabledCount(s *watchdog.Snapshot) int {
	if s == nil {
		return 0
	}
	return len(s.Enabled())
}

func locationName(s *watchdog.Snapshot) string {
	if s.Schedule.Location == nil {
		return "UTC"
	}
	return s.Schedule.Location.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// accessLog feeds gorilla's combined log lines into the structured logger.
type accessLog struct{ log logx.Logger }

func (a accessLog) Write(p []byte) (int, error) {
	a.log.Debug("http access", logx.String("line", strings.TrimRight(string(p), "\n")))
	return len(p), nil
}

type recoveryLog struct{ log logx.Logger }

func (r recoveryLog) Println(v ...interface{}) {
	r.log.Error("http handler panicked", logx.String("panic", fmt.Sprint(v...)))
}
