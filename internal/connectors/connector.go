// Package connectors defines the executor contract the router dispatches to.
package connectors

import (
	"context"

	"github.com/fentz26/tollgate/internal/models"
)

// Status is an executor's self-reported outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request is what an executor receives for one step of a task.
type Request struct {
	TaskID  string         `json:"task_id"`
	Intent  string         `json:"intent"`
	Role    string         `json:"role"`
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
	// Messages is the task conversation so far, including follow-up
	// replies from the requester.
	Messages []models.Message `json:"messages,omitempty"`
	// Prior holds outputs of earlier steps, so a verifier can inspect the
	// primary's work.
	Prior []*Result `json:"prior,omitempty"`
}

// Result is an executor's output for one step.
type Result struct {
	Status     Status                         `json:"status"`
	Messages   []models.Message               `json:"messages,omitempty"`
	Artifacts  []models.Artifact              `json:"artifacts,omitempty"`
	CostTokens int64                          `json:"cost_tokens"`
	CostUSD    float64                        `json:"cost_usd"`
	Usage      map[models.ResourceKey]float64 `json:"usage,omitempty"`
	// NeedsInput asks the requester for a follow-up message before the
	// task can continue.
	NeedsInput bool   `json:"needs_input,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the executor succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Executor performs task content behind a uniform contract.
type Executor interface {
	// Name returns the executor identifier used for attribution and scoring.
	Name() string

	// Execute runs one step. A returned error and a Result with
	// StatusError are both treated as executor failure.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function into an Executor.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (*Result, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f.Fn(ctx, req)
}
