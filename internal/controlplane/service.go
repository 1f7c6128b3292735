// Package controlplane provides the HTTP API and service layer for Tollgate.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fentz26/tollgate/internal/admission"
	"github.com/fentz26/tollgate/internal/audit"
	"github.com/fentz26/tollgate/internal/events"
	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
	"github.com/fentz26/tollgate/internal/retention"
	"github.com/fentz26/tollgate/internal/router"
	"github.com/fentz26/tollgate/internal/scheduler"
	"github.com/fentz26/tollgate/internal/tasks"
)

// ScoreReader exposes aggregated executor performance.
type ScoreReader interface {
	ExecutorStats(ctx context.Context) ([]models.ExecutorStats, error)
}

// AuditReader lists recorded decisions.
type AuditReader interface {
	ListPDR(tenantID string, limit int) ([]models.PDREntry, error)
}

// DefaultEstimates is the admission request used per intent when a
// submission does not name the resources it needs.
func DefaultEstimates() map[string]map[models.ResourceKey]float64 {
	return map[string]map[models.ResourceKey]float64{
		"chat":     {models.ResourceAPICalls: 1},
		"question": {models.ResourceAPICalls: 1},
		"build":    {models.ResourceAPICalls: 1, models.ResourceComputeMinutes: 1},
		"research": {models.ResourceAPICalls: 1, models.ResourceSearchCalls: 1},
		"workflow": {models.ResourceAPICalls: 1, models.ResourceWorkflowExecutions: 1},
	}
}

// Deps wires the service to its collaborators. Scheduler, Sweeper, Scores,
// Audit and PDR are optional.
type Deps struct {
	Ledger    *ledger.Ledger
	Admission *admission.Controller
	Tasks     *tasks.Store
	Hub       *events.Hub
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Sweeper   *retention.Sweeper
	PDR       *audit.PDRWriter
	Scores    ScoreReader
	Audit     AuditReader
	Estimates map[string]map[models.ResourceKey]float64
	Logger    *slog.Logger
}

// Service provides the control plane business logic.
type Service struct {
	ledger    *ledger.Ledger
	admission *admission.Controller
	tasks     *tasks.Store
	hub       *events.Hub
	router    *router.Router
	sched     *scheduler.Scheduler
	sweeper   *retention.Sweeper
	pdr       *audit.PDRWriter
	scores    ScoreReader
	audit     AuditReader
	estimates map[string]map[models.ResourceKey]float64
	logger    *slog.Logger

	// inline tracks dispatches started without a scheduler.
	inline sync.WaitGroup
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adm := d.Admission
	if adm == nil {
		adm = admission.New(d.Ledger, logger)
	}
	est := d.Estimates
	if est == nil {
		est = DefaultEstimates()
	}
	return &Service{
		ledger:    d.Ledger,
		admission: adm,
		tasks:     d.Tasks,
		hub:       d.Hub,
		router:    d.Router,
		sched:     d.Scheduler,
		sweeper:   d.Sweeper,
		pdr:       d.PDR,
		scores:    d.Scores,
		audit:     d.Audit,
		estimates: est,
		logger:    logger,
	}
}

// Wait blocks until dispatches started without a scheduler and pending
// scoring calls have finished.
func (s *Service) Wait() {
	s.inline.Wait()
	s.router.Wait()
}

func (s *Service) record(action string, inputs interface{}, outcome, taskID, tenantID, details string) {
	if _, err := s.pdr.Record(action, inputs, outcome, taskID, tenantID, details); err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// --- Task Operations ---

// SubmitRequest is a unit of work from a tenant.
type SubmitRequest struct {
	TenantID string                         `json:"tenant_id"`
	Intent   string                         `json:"intent,omitempty"`
	Query    string                         `json:"query"`
	Context  map[string]any                 `json:"context,omitempty"`
	Requests map[models.ResourceKey]float64 `json:"requests,omitempty"`
}

// Submit classifies, admits and creates a task, then hands it to the router
// asynchronously. It returns the submitted snapshot. A denied admission
// returns a *admission.QuotaExceededError and creates nothing.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}

	cfg := s.router.Config()
	intent := req.Intent
	if intent == "" {
		intent = cfg.Classify(req.Query)
	}
	if _, ok := cfg.Plan(intent); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, intent)
	}

	requested := req.Requests
	if len(requested) == 0 {
		requested = s.estimates[intent]
	}
	inputs := map[string]interface{}{"intent": intent, "query": req.Query, "requests": requested}

	if _, err := s.admission.TryAdmit(ctx, req.TenantID, requested); err != nil {
		outcome := audit.OutcomeFailure
		if errors.Is(err, admission.ErrQuotaExceeded) {
			outcome = audit.OutcomeDenied
		}
		s.record("task.submit", inputs, outcome, "", req.TenantID, err.Error())
		return nil, err
	}

	task := s.tasks.Create("", intent, req.Query, req.Context, req.TenantID)
	_ = s.tasks.AppendMessage(task.ID, models.Message{
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart(req.Query)},
	})
	snapshot := s.tasks.Get(task.ID)
	if snapshot == nil {
		snapshot = task
	}
	s.record("task.submit", inputs, audit.OutcomeSuccess, task.ID, req.TenantID, "admitted as "+intent)

	if err := s.dispatch(task.ID, intent, req.Query, req.Context); err != nil {
		_ = s.tasks.ReportError(task.ID, err.Error())
		_ = s.tasks.Transition(task.ID, models.TaskStatusFailed)
		return nil, err
	}
	return snapshot, nil
}

func (s *Service) dispatch(taskID, intent, query string, taskCtx map[string]any) error {
	run := func(ctx context.Context) {
		s.router.Dispatch(ctx, taskID, intent, query, taskCtx)
	}
	if s.sched != nil {
		return s.sched.Enqueue(scheduler.Job{TaskID: taskID, Intent: intent, Run: run})
	}
	s.inline.Add(1)
	go func() {
		defer s.inline.Done()
		run(context.Background())
	}()
	return nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	t := s.tasks.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// ListRecent returns up to limit tasks, newest first.
func (s *Service) ListRecent(limit int) []*models.Task {
	return s.tasks.ListRecent(limit)
}

// Cancel moves a task to canceled. Dispatch stops before its next step.
func (s *Service) Cancel(id string) (*models.Task, error) {
	t := s.tasks.Get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	err := s.tasks.Transition(id, models.TaskStatusCanceled)
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	s.record("task.cancel", map[string]string{"task_id": id}, outcome, id, t.RequestedBy, errText(err))
	if err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// Reply sends a follow-up user message. A task waiting for input resumes.
func (s *Service) Reply(id, text string) (*models.Task, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	err := s.tasks.Reply(id, models.Message{Parts: []models.Part{models.TextPart(text)}})
	if err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

// Subscribe registers cb for live events of a task. Unknown or evicted
// tasks are rejected. A task that is already terminal emits nothing
// further, so its subscription is dropped at once and the returned
// function is a no-op.
func (s *Service) Subscribe(taskID string, cb events.Callback) (unsubscribe func(), err error) {
	unsub := s.hub.Subscribe(taskID, cb)
	t := s.tasks.Get(taskID)
	if t == nil {
		unsub()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		unsub()
		return func() {}, nil
	}
	return unsub, nil
}

// Watch opens a live event stream and returns it together with a snapshot
// taken after the stream was attached, so no mutation falls between the
// two. A task that is already terminal yields a nil stream: it will emit
// nothing further and the snapshot is final.
func (s *Service) Watch(taskID string) (*models.Task, *events.Stream, error) {
	stream := s.hub.Stream(taskID)
	t := s.tasks.Get(taskID)
	if t == nil {
		stream.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		stream.Close()
		return t, nil, nil
	}
	return t, stream, nil
}

// --- Quota Operations ---

// Usage returns a tenant's current usage summary.
func (s *Service) Usage(ctx context.Context, tenantID string) (*models.QuotaLedger, map[models.ResourceKey]models.UsageSummary, error) {
	led, err := s.ledger.GetOrInit(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	return led, ledger.Summarize(led), nil
}

// Check evaluates a hypothetical request without mutating anything.
func (s *Service) Check(ctx context.Context, tenantID string, requested map[models.ResourceKey]float64) (*ledger.CheckResult, error) {
	return s.ledger.Check(ctx, tenantID, requested)
}

// SetPlan moves a tenant to another plan, preserving usage.
func (s *Service) SetPlan(ctx context.Context, tenantID, planID string) (*models.QuotaLedger, error) {
	led, err := s.ledger.SetPlan(ctx, tenantID, planID)
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	s.record("plan.set", map[string]string{"tenant_id": tenantID, "plan_id": planID}, outcome, "", tenantID, errText(err))
	return led, err
}

// ResetCycle zeroes a tenant's usage and starts a new billing cycle now.
func (s *Service) ResetCycle(ctx context.Context, tenantID string) (*models.QuotaLedger, error) {
	led, err := s.ledger.ResetCycle(ctx, tenantID)
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	s.record("quota.reset", map[string]string{"tenant_id": tenantID}, outcome, "", tenantID, errText(err))
	return led, err
}

// DeleteTenant drops a tenant's ledger.
func (s *Service) DeleteTenant(ctx context.Context, tenantID string) error {
	err := s.ledger.Delete(ctx, tenantID)
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	s.record("tenant.delete", map[string]string{"tenant_id": tenantID}, outcome, "", tenantID, errText(err))
	return err
}

// Plans lists the catalog.
func (s *Service) Plans() []plans.Plan {
	return s.ledger.Catalog().List()
}

// --- Observability ---

// Metrics aggregates operational counters.
type Metrics struct {
	Tasks     tasks.Stats            `json:"tasks"`
	Scheduler *scheduler.Stats       `json:"scheduler,omitempty"`
	Retention *retention.Stats       `json:"retention,omitempty"`
	Executors []models.ExecutorStats `json:"executors,omitempty"`
}

// Metrics returns current counters.
func (s *Service) Metrics(ctx context.Context) Metrics {
	m := Metrics{Tasks: s.tasks.Stats()}
	if s.sched != nil {
		st := s.sched.GetStats()
		m.Scheduler = &st
	}
	if s.sweeper != nil {
		st := s.sweeper.Stats()
		m.Retention = &st
	}
	if s.scores != nil {
		stats, err := s.scores.ExecutorStats(ctx)
		if err != nil {
			s.logger.Warn("executor stats unavailable", "error", err)
		}
		m.Executors = stats
	}
	return m
}

// AuditLog returns recent decision records.
func (s *Service) AuditLog(tenantID string, limit int) ([]models.PDREntry, error) {
	if s.audit == nil {
		return []models.PDREntry{}, nil
	}
	return s.audit.ListPDR(tenantID, limit)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
