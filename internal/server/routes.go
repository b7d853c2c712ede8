package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
	"github.com/kestrelops/opqueue/internal/opqerrors"
)

// apiResponse is the envelope every mutating endpoint returns, per spec §6:
// "All mutating endpoints return { success, data?, error? }".
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, apiResponse{Success: false, Error: message})
}

// registerRoutes sets up all REST and WebSocket routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	mux.HandleFunc("/api/operations/", s.routeOperations)

	mux.HandleFunc("/api/sync/intervals/", s.routeSyncIntervalType)
	mux.HandleFunc("/api/sync/intervals", s.handleSyncIntervals)
	mux.HandleFunc("/api/sync/monitoring/status", s.handleSyncMonitoringStatus)

	mux.HandleFunc("/ws/realtime", s.handleRealtimeWS)
}

// routeOperations dispatches the three /api/operations/... routes:
//   - POST /api/operations/{type}        enqueue
//   - GET  /api/operations/{jobId}        status
//   - POST /api/operations/{jobId}/cancel cancel
//
// The path shape is identical for enqueue and status/cancel (a single
// segment after the prefix); method and the "/cancel" suffix disambiguate,
// mirroring the teacher's routeAdminJobs-style manual prefix dispatch.
func (s *Server) routeOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/operations/")
	if path == "" {
		writeFailure(w, http.StatusNotFound, "path segment is required")
		return
	}

	if strings.HasSuffix(path, "/cancel") {
		jobID := strings.TrimSuffix(path, "/cancel")
		s.handleCancel(w, r, jobID)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleEnqueueTyped(w, r, path)
	case http.MethodGet:
		s.handleGetOperation(w, r, path)
	default:
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- operations ---

type enqueueRequest struct {
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// handleEnqueueTyped serves POST /api/operations/{type}.
func (s *Server) handleEnqueueTyped(w http.ResponseWriter, r *http.Request, opType string) {
	userID := common.ResolveUserID(r.Context())
	if userID == "" {
		writeFailure(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body enqueueRequest
	if !DecodeJSON(w, r, &body) {
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), userID, models.OperationType(opType), body.Payload, interfaces.EnqueueOptions{
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	var dedup *opqerrors.DedupCoalesced
	if errors.As(err, &dedup) {
		writeSuccess(w, http.StatusConflict, map[string]string{"jobId": dedup.ExistingJobID})
		return
	}

	var unavailable *opqerrors.QueueUnavailable
	if errors.As(err, &unavailable) {
		writeFailure(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeFailure(w, http.StatusBadRequest, err.Error())
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID := common.ResolveUserID(r.Context())
	if userID == "" {
		writeFailure(w, http.StatusUnauthorized, "authentication required")
		return
	}

	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		writeFailure(w, http.StatusNotFound, "job not found")
		return
	}
	writeSuccess(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	userID := common.ResolveUserID(r.Context())
	if userID == "" {
		writeFailure(w, http.StatusUnauthorized, "authentication required")
		return
	}

	s.active.CancelActive(jobID)
	if err := s.queue.Cancel(r.Context(), jobID); err != nil {
		writeFailure(w, http.StatusNotFound, "job not found")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"jobId": jobID})
}

// --- sync intervals / monitoring (admin-only) ---

// syncIntervals holds the operator-configured polling cadence per sync
// type. Scheduling itself (the cron-like trigger that enqueues sync jobs
// on this cadence) is a non-goal of the core; this store only persists the
// admin's intent so a scheduler outside the core can read it.
type syncIntervals struct {
	mu        sync.RWMutex
	minutes   map[string]int
	lastRunAt map[string]time.Time
}

func newSyncIntervals() *syncIntervals {
	return &syncIntervals{minutes: make(map[string]int), lastRunAt: make(map[string]time.Time)}
}

func (si *syncIntervals) get(kind string) int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	if m, ok := si.minutes[kind]; ok {
		return m
	}
	return 60
}

func (si *syncIntervals) set(kind string, minutes int) {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.minutes[kind] = minutes
}

func (si *syncIntervals) snapshot() map[string]int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	out := make(map[string]int, len(si.minutes))
	for k, v := range si.minutes {
		out[k] = v
	}
	return out
}

func (si *syncIntervals) lastRun(kind string) time.Time {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.lastRunAt[kind]
}

var syncTypes = []string{"orders", "customers", "products", "prices", "ddt", "invoices"}

func (s *Server) handleSyncIntervals(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !common.IsAdmin(r.Context()) {
		writeFailure(w, http.StatusForbidden, "admin required")
		return
	}

	out := make(map[string]int, len(syncTypes))
	configured := s.intervals.snapshot()
	for _, t := range syncTypes {
		if v, ok := configured[t]; ok {
			out[t] = v
		} else {
			out[t] = s.intervals.get(t)
		}
	}
	writeSuccess(w, http.StatusOK, out)
}

func (s *Server) routeSyncIntervalType(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimPrefix(r.URL.Path, "/api/sync/intervals/")
	if kind == "" {
		writeFailure(w, http.StatusNotFound, "sync type is required")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !common.IsAdmin(r.Context()) {
		writeFailure(w, http.StatusForbidden, "admin required")
		return
	}

	var body struct {
		Minutes int `json:"minutes"`
	}
	if !DecodeJSON(w, r, &body) {
		return
	}
	if body.Minutes < 5 || body.Minutes > 1440 {
		writeFailure(w, http.StatusBadRequest, "minutes must be between 5 and 1440")
		return
	}

	s.intervals.set(kind, body.Minutes)
	writeSuccess(w, http.StatusOK, map[string]interface{}{"type": kind, "minutes": body.Minutes})
}

func (s *Server) handleSyncMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !common.IsAdmin(r.Context()) {
		writeFailure(w, http.StatusForbidden, "admin required")
		return
	}

	status := make(map[string]interface{}, len(syncTypes))
	for _, t := range syncTypes {
		status[t] = map[string]interface{}{
			"intervalMinutes": s.intervals.get(t),
			"lastRunAt":       s.intervals.lastRun(t),
		}
	}
	writeSuccess(w, http.StatusOK, status)
}

// --- realtime ---

// handleRealtimeWS serves WS /ws/realtime?token={jwt}&resumeAfter={eventTs?}.
func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	uc, err := s.verify(token)
	if err != nil {
		writeFailure(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var resumeAfter *time.Time
	if raw := r.URL.Query().Get("resumeAfter"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			resumeAfter = &t
		}
	}

	if _, err := s.hub.Attach(uc.UserID, w, r, resumeAfter); err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
	}
}

// --- system handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
