// Package router dispatches tasks to executors according to a declarative
// intent -> roles table and folds executor output back into the task store.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/tollgate/internal/connectors"
	"github.com/fentz26/tollgate/internal/models"
)

// TaskStore is the subset of the task store the router mutates.
type TaskStore interface {
	Get(id string) *models.Task
	Transition(id string, status models.TaskStatus) error
	AppendMessage(id string, msg models.Message) error
	AppendArtifact(id string, a models.Artifact) error
	SetCost(id string, cost models.Cost) error
	SetAgent(id, agentID string) error
	Progress(id, text string) error
	ReportError(id, text string) error
	Await(ctx context.Context, id string, cond func(models.TaskStatus) bool) (models.TaskStatus, error)
}

// Scorer records executor outcomes for performance tracking.
type Scorer interface {
	Score(ctx context.Context, s models.ExecutorScore) error
}

// Settler debits resources a task actually consumed.
type Settler interface {
	Settle(ctx context.Context, tenantID string, consumed map[models.ResourceKey]float64)
}

// Output is the record of one executor invocation. A failed invocation is
// still recorded.
type Output struct {
	Role     string             `json:"role"`
	Executor string             `json:"executor"`
	Result   *connectors.Result `json:"result,omitempty"`
	Err      string             `json:"error,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// OK reports whether the invocation succeeded.
func (o Output) OK() bool {
	return o.Err == "" && o.Result.OK()
}

// Result summarizes a dispatch.
type Result struct {
	Executed        bool                           `json:"executed"`
	Outputs         []Output                       `json:"outputs"`
	PrimaryExecutor string                         `json:"primary_executor,omitempty"`
	Status          models.TaskStatus              `json:"status"`
	Canceled        bool                           `json:"canceled"`
	Cost            models.Cost                    `json:"cost"`
	Usage           map[models.ResourceKey]float64 `json:"usage,omitempty"`
}

// Succeeded reports whether every required executor succeeded.
func (r *Result) Succeeded() bool {
	return r.Status == models.TaskStatusCompleted
}

// Option customizes Router construction.
type Option func(*Router)

// WithScorer sets the scoring sink.
func WithScorer(s Scorer) Option {
	return func(r *Router) { r.scorer = s }
}

// WithSettler sets where consumed resources are debited.
func WithSettler(s Settler) Option {
	return func(r *Router) { r.settler = s }
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router runs the executors an intent requires, strictly in sequence.
type Router struct {
	cfg      *Config
	registry *Registry
	tasks    TaskStore
	scorer   Scorer
	settler  Settler
	logger   *slog.Logger
	now      func() time.Time

	scoring sync.WaitGroup
}

// New creates a Router. A nil config uses DefaultConfig.
func New(cfg *Config, reg *Registry, store TaskStore, opts ...Option) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	r := &Router{
		cfg:      cfg,
		registry: reg,
		tasks:    store,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Config returns the routing table.
func (r *Router) Config() *Config { return r.cfg }

// Registry returns the executor registry.
func (r *Router) Registry() *Registry { return r.registry }

// Wait blocks until pending scoring calls finish.
func (r *Router) Wait() { r.scoring.Wait() }

// Dispatch runs the executors for intent against task taskID. The primary
// executor runs first; when the route requires verification the verifier
// always runs next, whatever the primary reported. Task status is checked
// before each step so a canceled task is not advanced. The terminal status
// is completed only if every required executor succeeded. Resources the
// executors reported are settled against the requesting tenant.
func (r *Router) Dispatch(ctx context.Context, taskID, intent, query string, taskCtx map[string]any) *Result {
	res := &Result{Usage: make(map[models.ResourceKey]float64)}

	task := r.tasks.Get(taskID)
	if task == nil {
		r.logger.Warn("dispatch for unknown task", "task_id", taskID)
		return res
	}
	res.Status = task.Status
	tenant := task.RequestedBy
	defer r.settle(ctx, tenant, taskID, res)

	roles, ok := r.cfg.Plan(intent)
	if !ok {
		r.abort(taskID, res, fmt.Sprintf("no route for intent %q", intent))
		return res
	}
	if missing := r.registry.Missing(roles); len(missing) > 0 {
		r.abort(taskID, res, fmt.Sprintf("no executor registered for roles %v", missing))
		return res
	}

	if err := r.tasks.Transition(taskID, models.TaskStatusWorking); err != nil {
		r.logger.Info("task not dispatchable", "task_id", taskID, "error", err)
		res.Canceled = true
		res.Status = r.statusOf(taskID)
		return res
	}
	res.Status = models.TaskStatusWorking

	var prior []*connectors.Result
	allOK := true
	for i, role := range roles {
		if !r.active(taskID) {
			res.Canceled = true
			break
		}
		exec, _ := r.registry.Get(role)
		if i == 0 {
			res.PrimaryExecutor = exec.Name()
		}

		out, stopped := r.step(ctx, taskID, intent, role, query, taskCtx, exec, prior, res)
		res.Outputs = append(res.Outputs, out)
		res.Executed = true
		prior = append(prior, out.Result)
		if !out.OK() {
			allOK = false
		}
		if stopped {
			break
		}
	}

	if res.Canceled || res.Status.IsTerminal() {
		if !res.Status.IsTerminal() {
			res.Status = r.statusOf(taskID)
		}
		return res
	}

	if err := r.tasks.SetCost(taskID, res.Cost); err != nil {
		r.logger.Warn("set cost failed", "task_id", taskID, "error", err)
	}
	final := models.TaskStatusFailed
	if allOK && len(res.Outputs) == len(roles) {
		final = models.TaskStatusCompleted
	}
	if err := r.tasks.Transition(taskID, final); err != nil {
		res.Canceled = true
		res.Status = r.statusOf(taskID)
		return res
	}
	res.Status = final
	r.logger.Info("task dispatched", "task_id", taskID, "intent", intent, "status", final,
		"executors", len(res.Outputs), "cost_usd", res.Cost.USD)
	return res
}

// step invokes one executor, re-invoking it after each follow-up reply when
// it asks for input. stopped is true when the task left the working state
// during the step.
func (r *Router) step(ctx context.Context, taskID, intent, role, query string, taskCtx map[string]any,
	exec connectors.Executor, prior []*connectors.Result, res *Result) (Output, bool) {

	out := Output{Role: role, Executor: exec.Name()}
	for round := 0; ; round++ {
		if err := r.tasks.SetAgent(taskID, exec.Name()); err != nil {
			r.logger.Warn("set agent failed", "task_id", taskID, "error", err)
		}
		_ = r.tasks.Progress(taskID, fmt.Sprintf("%s: running %s", role, exec.Name()))

		req := connectors.Request{
			TaskID:  taskID,
			Intent:  intent,
			Role:    role,
			Query:   query,
			Context: taskCtx,
			Prior:   prior,
		}
		if t := r.tasks.Get(taskID); t != nil {
			req.Messages = t.Messages
		}

		start := r.now()
		result, err := r.execute(ctx, exec, req)
		out.Duration += r.now().Sub(start)
		out.Result = result
		out.Err = ""
		if err != nil {
			out.Err = err.Error()
		} else if !result.OK() {
			out.Err = result.Error
			if out.Err == "" {
				out.Err = "executor reported failure"
			}
		}

		r.account(res, result)
		r.score(ctx, taskID, role, exec.Name(), out, r.now().Sub(start), result)

		if !r.active(taskID) {
			res.Canceled = true
			return out, true
		}
		r.record(taskID, result, out.Err)

		if !result.NeedsInput || out.Err != "" {
			return out, false
		}
		if round >= r.cfg.MaxInputRounds {
			out.Err = fmt.Sprintf("executor requested input more than %d times", r.cfg.MaxInputRounds)
			_ = r.tasks.ReportError(taskID, out.Err)
			return out, false
		}
		if stopped := r.awaitInput(ctx, taskID, res, &out); stopped {
			return out, true
		}
	}
}

// execute calls the executor, converting a panic or nil result into a
// failure result.
func (r *Router) execute(ctx context.Context, exec connectors.Executor, req connectors.Request) (result *connectors.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("executor panicked", "executor", exec.Name(), "task_id", req.TaskID, "panic", p)
			result = &connectors.Result{Status: connectors.StatusError, Error: fmt.Sprint(p)}
			err = fmt.Errorf("executor %s panicked: %v", exec.Name(), p)
		}
	}()

	result, err = exec.Execute(ctx, req)
	if err != nil {
		r.logger.Warn("executor failed", "executor", exec.Name(), "task_id", req.TaskID, "error", err)
		if result == nil {
			result = &connectors.Result{Status: connectors.StatusError, Error: err.Error()}
		}
		return result, err
	}
	if result == nil {
		err = errors.New("executor returned no result")
		return &connectors.Result{Status: connectors.StatusError, Error: err.Error()}, err
	}
	return result, nil
}

func (r *Router) awaitInput(ctx context.Context, taskID string, res *Result, out *Output) bool {
	if err := r.tasks.Transition(taskID, models.TaskStatusInputRequired); err != nil {
		res.Canceled = true
		return true
	}

	waitCtx := ctx
	if r.cfg.InputTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.InputTimeout)
		defer cancel()
	}
	status, err := r.tasks.Await(waitCtx, taskID, func(s models.TaskStatus) bool {
		return s != models.TaskStatusInputRequired
	})
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		out.Err = "timed out waiting for input"
		_ = r.tasks.ReportError(taskID, out.Err)
		if cerr := r.tasks.SetCost(taskID, res.Cost); cerr != nil {
			r.logger.Warn("set cost failed", "task_id", taskID, "error", cerr)
		}
		if terr := r.tasks.Transition(taskID, models.TaskStatusFailed); terr == nil {
			res.Status = models.TaskStatusFailed
			return true
		}
		res.Canceled = true
		return true
	case err != nil:
		out.Err = err.Error()
		res.Canceled = true
		return true
	case status != models.TaskStatusWorking:
		res.Canceled = true
		return true
	}
	return false
}

func (r *Router) record(taskID string, result *connectors.Result, errText string) {
	for _, msg := range result.Messages {
		if msg.Role == "" {
			msg.Role = models.RoleAgent
		}
		_ = r.tasks.AppendMessage(taskID, msg)
	}
	for _, a := range result.Artifacts {
		_ = r.tasks.AppendArtifact(taskID, a)
	}
	if errText != "" {
		_ = r.tasks.ReportError(taskID, errText)
	}
}

func (r *Router) account(res *Result, result *connectors.Result) {
	res.Cost.Tokens += result.CostTokens
	res.Cost.USD += result.CostUSD
	for k, v := range result.Usage {
		if v > 0 {
			res.Usage[k] += v
		}
	}
}

func (r *Router) score(ctx context.Context, taskID, role, executor string, out Output, latency time.Duration, result *connectors.Result) {
	if r.scorer == nil {
		return
	}
	s := models.ExecutorScore{
		Executor:  executor,
		TaskID:    taskID,
		Role:      role,
		Success:   out.OK(),
		Latency:   latency,
		CostUSD:   result.CostUSD,
		CreatedAt: r.now().UTC(),
	}
	sctx := context.WithoutCancel(ctx)
	r.scoring.Add(1)
	go func() {
		defer r.scoring.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Warn("scoring panicked", "executor", executor, "task_id", taskID, "panic", p)
			}
		}()
		if err := r.scorer.Score(sctx, s); err != nil {
			r.logger.Warn("scoring failed", "executor", executor, "task_id", taskID, "error", err)
		}
	}()
}

func (r *Router) settle(ctx context.Context, tenant, taskID string, res *Result) {
	if r.settler == nil || tenant == "" || len(res.Usage) == 0 {
		return
	}
	r.settler.Settle(context.WithoutCancel(ctx), tenant, res.Usage)
	r.logger.Debug("task settled", "task_id", taskID, "tenant", tenant, "usage", res.Usage)
}

func (r *Router) abort(taskID string, res *Result, reason string) {
	r.logger.Warn("dispatch aborted", "task_id", taskID, "reason", reason)
	_ = r.tasks.ReportError(taskID, reason)
	if err := r.tasks.Transition(taskID, models.TaskStatusFailed); err != nil {
		res.Status = r.statusOf(taskID)
		return
	}
	res.Status = models.TaskStatusFailed
}

// active reports whether the task is still being worked on.
func (r *Router) active(taskID string) bool {
	t := r.tasks.Get(taskID)
	return t != nil && !t.Status.IsTerminal()
}

func (r *Router) statusOf(taskID string) models.TaskStatus {
	if t := r.tasks.Get(taskID); t != nil {
		return t.Status
	}
	return ""
}
