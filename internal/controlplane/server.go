package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/tollgate/internal/admission"
	"github.com/fentz26/tollgate/internal/events"
	"github.com/fentz26/tollgate/internal/models"
)

// Version is reported by /health.
var Version = "dev"

// Pinger checks the backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API for Tollgate.
type Server struct {
	service *Service
	db      Pinger
	addr    string
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server. db may be nil when running without
// persistence.
func NewServer(service *Service, db Pinger, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: service,
		db:      db,
		addr:    addr,
		logger:  logger,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/tenants/", s.handleTenant)
	mux.HandleFunc("/plans", s.handlePlans)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting tollgate daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error        string                                     `json:"error"`
	BlockingKeys []models.ResourceKey                       `json:"blocking_keys,omitempty"`
	Summary      map[models.ResourceKey]models.UsageSummary `json:"summary,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	resp := errorResponse{Error: err.Error()}
	var qe *admission.QuotaExceededError
	if errors.As(err, &qe) {
		resp.BlockingKeys = qe.BlockingKeys
		resp.Summary = qe.Summary
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, resp)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", ErrInvalidRequest)
	}
	return nil
}

// splitPath returns the non-empty segments of path after prefix.
func splitPath(path, prefix string) []string {
	var parts []string
	for _, p := range strings.Split(strings.TrimPrefix(path, prefix), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// --- Task Handlers ---

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/tasks/")
	if len(parts) == 0 {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, taskID)
	case action == "messages" && r.Method == http.MethodPost:
		s.replyTask(w, r, taskID)
	case action == "events" && r.Method == http.MethodGet:
		s.streamEvents(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	task, err := s.service.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: bad limit %q", ErrInvalidRequest, v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.service.ListRecent(limit))
}

func (s *Server) getTask(w http.ResponseWriter, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, taskID string) {
	task, err := s.service.Cancel(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type replyRequest struct {
	Text string `json:"text"`
}

func (s *Server) replyTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req replyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.service.Reply(taskID, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// streamEvents serves GET /tasks/{id}/events as server-sent events. The
// first event is a snapshot of the task; live events follow until the done
// event or the client disconnects. A task that is already terminal gets the
// snapshot only.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	task, stream, err := s.service.Watch(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if stream != nil {
		defer stream.Close()
	}

	rc := http.NewResponseController(w)
	// The server-wide write timeout would cut long streams short.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", task); err != nil {
		return
	}
	_ = rc.Flush()
	if stream == nil {
		return
	}

	for {
		ev, err := stream.Next(r.Context())
		if err != nil {
			if !errors.Is(err, events.ErrStreamClosed) && !errors.Is(err, context.Canceled) {
				s.logger.Debug("event stream ended", "task_id", taskID, "error", err)
			}
			return
		}
		if err := writeSSE(w, string(ev.Type), ev); err != nil {
			return
		}
		_ = rc.Flush()
		if ev.Type == models.EventDone {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// --- Tenant Handlers ---

// handleTenant handles /tenants/{id}/quota, /tenants/{id}/quota/check,
// /tenants/{id}/quota/reset, /tenants/{id}/plan and DELETE /tenants/{id}.
func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/tenants/")
	if len(parts) == 0 {
		http.Error(w, "tenant id required", http.StatusBadRequest)
		return
	}
	tenantID := parts[0]
	action := strings.Join(parts[1:], "/")

	switch {
	case action == "" && r.Method == http.MethodDelete:
		s.deleteTenant(w, r, tenantID)
	case action == "quota" && r.Method == http.MethodGet:
		s.getQuota(w, r, tenantID)
	case action == "quota/check" && r.Method == http.MethodPost:
		s.checkQuota(w, r, tenantID)
	case action == "quota/reset" && r.Method == http.MethodPost:
		s.resetQuota(w, r, tenantID)
	case action == "plan" && r.Method == http.MethodPut:
		s.setPlan(w, r, tenantID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// QuotaResponse is the body of GET /tenants/{id}/quota.
type QuotaResponse struct {
	Ledger  *models.QuotaLedger                        `json:"ledger"`
	Summary map[models.ResourceKey]models.UsageSummary `json:"summary"`
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request, tenantID string) {
	led, summary, err := s.service.Usage(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuotaResponse{Ledger: led, Summary: summary})
}

type checkRequest struct {
	Requests map[models.ResourceKey]float64 `json:"requests"`
}

func (s *Server) checkQuota(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req checkRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Check(r.Context(), tenantID, req.Requests)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) resetQuota(w http.ResponseWriter, r *http.Request, tenantID string) {
	led, err := s.service.ResetCycle(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, led)
}

type planRequest struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) setPlan(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req planRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	led, err := s.service.SetPlan(r.Context(), tenantID, req.PlanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, led)
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := s.service.DeleteTenant(r.Context(), tenantID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Catalog and Observability Handlers ---

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Plans())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Metrics(r.Context()))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.service.AuditLog(r.URL.Query().Get("tenant"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.db == nil {
		resp.DB = "disabled"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			resp.OK = false
			resp.DB = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
