// Package api serves the incident, case, evidence and analytics views over
// HTTP and lets operators trigger pipeline runs and notices.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"encroachwatch/internal/analytics"
	"encroachwatch/internal/dispatch"
	"encroachwatch/internal/geo"
	"encroachwatch/internal/metrics"
	"encroachwatch/internal/model"
	"encroachwatch/internal/pipeline"
	"encroachwatch/internal/storage"
)

const maxBody = 1 << 20

type Server struct {
	pipeline *pipeline.Pipeline
	metrics  *metrics.Recorder
	logger   *slog.Logger
	version  string
	started  time.Time
}

type statusResponse struct {
	Status        string                   `json:"status"`
	Time          string                   `json:"time"`
	Version       string                   `json:"version"`
	Uptime        string                   `json:"uptime"`
	DispatchMode  string                   `json:"dispatch_mode"`
	Storage       string                   `json:"storage"`
	Geofences     geo.Stats                `json:"geofences"`
	Thresholds    thresholdsStatus         `json:"thresholds"`
	Notifications map[dispatch.Outcome]int `json:"notifications"`
	Ledger        string                   `json:"evidence_ledger"`
}

type thresholdsStatus struct {
	NotifyMin   float64 `json:"severity_notify_min"`
	EscalateMin float64 `json:"severity_escalate_min"`
}

func NewServer(p *pipeline.Pipeline, recorder *metrics.Recorder, logger *slog.Logger, version string) *Server {
	return &Server{
		pipeline: p,
		metrics:  recorder,
		logger:   logger,
		version:  version,
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/api/v1/incidents", s.handleIncidents)
	mux.HandleFunc("/api/v1/incidents/", s.handleIncident)
	mux.HandleFunc("/api/v1/cases", s.handleCases)
	mux.HandleFunc("/api/v1/cases/", s.handleCase)
	mux.HandleFunc("/api/v1/pipeline/run", s.handlePipelineRun)
	mux.HandleFunc("/api/v1/notifications", s.handleNotifications)
	mux.HandleFunc("/api/v1/evidence/verify", s.handleEvidenceVerify)
	mux.HandleFunc("/api/v1/analytics/severity", s.handleSeverity)
	mux.HandleFunc("/api/v1/analytics/risk", s.handleRisk)
	mux.HandleFunc("/api/v1/geofences", s.handleGeofences)
	mux.HandleFunc("/api/v1/geofences/", s.handleGeofence)
	mux.HandleFunc("/api/v1/geo/locate", s.handleLocate)
	return mux
}

// Start serves handler on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	if logger != nil {
		logger.Info("api enabled", "addr", addr)
	}
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.pipeline.Config()
	storageDriver := "disabled"
	if s.pipeline.Store() != nil {
		storageDriver = cfg.Storage.Driver
	}
	notifications := map[dispatch.Outcome]int{}
	if h := s.pipeline.History(); h != nil {
		notifications = h.Counts()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:       "ok",
		Time:         time.Now().UTC().Format(time.RFC3339Nano),
		Version:      s.version,
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
		DispatchMode: s.pipeline.Dispatcher().Mode(),
		Storage:      storageDriver,
		Geofences:    s.pipeline.Registry().Stats(),
		Thresholds: thresholdsStatus{
			NotifyMin:   cfg.Thresholds.SeverityNotifyMin,
			EscalateMin: cfg.Thresholds.SeverityEscalateMin,
		},
		Notifications: notifications,
		Ledger:        s.pipeline.Ledger().Path(),
	})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	store, ok := s.store(w)
	if !ok {
		return
	}
	list, err := store.ListIncidents(r.Context(), queryLimit(r, 20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incidents": list, "count": len(list)})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	store, ok := s.store(w)
	if !ok {
		return
	}
	inc, err := store.GetIncident(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incident": inc})
}

type caseRequest struct {
	IncidentID string           `json:"incident_id"`
	Status     model.CaseStatus `json:"status"`
	AssignedTo string           `json:"assigned_to"`
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	store, ok := s.store(w)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := store.ListCases(r.Context(), queryLimit(r, 20))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cases": list, "count": len(list)})
	case http.MethodPost:
		var req caseRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Status == "" {
			req.Status = model.CaseOpen
		}
		if req.IncidentID == "" || !storage.ValidStatus(req.Status) {
			s.writeError(w, http.StatusBadRequest, errors.New("incident_id and a valid status are required"))
			return
		}
		c, err := store.CreateCase(r.Context(), req.IncidentID, req.Status, req.AssignedTo)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "case": c})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleCase updates one case: PATCH /api/v1/cases/{id}.
func (s *Server) handleCase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/v1/cases/"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	store, ok := s.store(w)
	if !ok {
		return
	}
	var req caseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !storage.ValidStatus(req.Status) {
		s.writeError(w, http.StatusBadRequest, errors.New("status must be open, escalated or closed"))
		return
	}
	c, err := store.UpdateCaseStatus(r.Context(), id, req.Status, req.AssignedTo)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "case": c})
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var opts pipeline.Options
	if !decodeBody(w, r, &opts) {
		return
	}
	// A run is not aborted when the client goes away.
	res, err := s.pipeline.Run(context.WithoutCancel(r.Context()), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		history := s.pipeline.History()
		list := []dispatch.Notification{}
		if history != nil {
			if since := r.URL.Query().Get("since"); since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				list = history.Since(ts)
			} else {
				list = history.List(queryLimit(r, 0))
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notifications": list, "count": len(list)})
	case http.MethodPost:
		var req struct {
			IncidentID string `json:"incident_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.IncidentID == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("incident_id is required"))
			return
		}
		store, ok := s.store(w)
		if !ok {
			return
		}
		inc, err := store.GetIncident(r.Context(), req.IncidentID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		n, err := s.pipeline.Dispatcher().Notify(context.WithoutCancel(r.Context()), inc)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if h := s.pipeline.History(); h != nil {
			h.Add(n)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notification": n})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEvidenceVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ok, n := s.pipeline.Ledger().Verify()
	status := "verified"
	if !ok {
		status = "integrity_check_failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "checked": n, "status": status})
}

func (s *Server) handleSeverity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	store, ok := s.store(w)
	if !ok {
		return
	}
	list, err := store.ListIncidents(r.Context(), queryLimit(r, 100))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	summary := analytics.SeveritySummary(list)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"buckets": summary.Buckets,
		"count":   summary.Count,
		"details": summary.Details,
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	store, ok := s.store(w)
	if !ok {
		return
	}
	list, err := store.ListIncidents(r.Context(), queryLimit(r, 1000))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	horizon := time.Duration(s.pipeline.Config().Analytics.HorizonDays) * 24 * time.Hour
	risks := analytics.PredictGeofenceRisk(list, time.Now().UTC(), horizon)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "risk_geofences": risks})
}

func (s *Server) store(w http.ResponseWriter) (storage.Store, bool) {
	store := s.pipeline.Store()
	if store == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("case store disabled"))
		return nil, false
	}
	return store, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) handleGeofences(w http.ResponseWriter, r *http.Request) {
	registry := s.pipeline.Registry()
	switch r.Method {
	case http.MethodGet:
		list := registry.List()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "geofences": list, "count": len(list)})
	case http.MethodPost:
		var gf model.Geofence
		if !decodeBody(w, r, &gf) {
			return
		}
		if err := validateGeofence(gf); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		if !registry.Add(gf) {
			s.writeError(w, http.StatusConflict, fmt.Errorf("geofence %q already exists", gf.ID))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "geofence": gf})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGeofence(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/geofences/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	registry := s.pipeline.Registry()
	switch r.Method {
	case http.MethodGet:
		gf, ok := registry.Get(id)
		if !ok {
			s.writeError(w, http.StatusNotFound, storage.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "geofence": gf})
	case http.MethodDelete:
		if !registry.Remove(id) {
			s.writeError(w, http.StatusNotFound, storage.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type geofenceDistance struct {
	GeofenceID string  `json:"geofence_id"`
	DistanceM  float64 `json:"distance_m"`
}

// handleLocate reports which geofence holds a point and how far the point is
// from every geofence boundary.
func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		s.writeError(w, http.StatusBadRequest, errors.New("lat and lon must be valid coordinates"))
		return
	}
	registry := s.pipeline.Registry()
	inside, id := registry.Contains(lat, lon)
	distances := []geofenceDistance{}
	for _, gf := range registry.List() {
		if d, ok := registry.DistanceTo(lat, lon, gf.ID); ok {
			distances = append(distances, geofenceDistance{GeofenceID: gf.ID, DistanceM: d})
		}
	}
	resp := map[string]any{"ok": true, "in_geofence": inside, "distances": distances}
	if inside {
		resp["geofence_id"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateGeofence(gf model.Geofence) error {
	if strings.TrimSpace(gf.ID) == "" || strings.Contains(gf.ID, "/") {
		return errors.New("geofence id is required and may not contain '/'")
	}
	if len(gf.Polygon) < 3 {
		return errors.New("geofence polygon needs at least 3 vertices")
	}
	for i, v := range gf.Polygon {
		if v[0] < -90 || v[0] > 90 || v[1] < -180 || v[1] > 180 {
			return fmt.Errorf("polygon[%d]: coordinate out of range", i)
		}
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if s.logger != nil && status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

// decodeBody reads an optional JSON body into dst. An empty body is fine.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json"})
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
