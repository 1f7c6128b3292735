// Package models defines the core domain types for Tollgate.
package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusSubmitted     TaskStatus = "submitted"
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input-required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusCanceled      TaskStatus = "canceled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is one piece of message content.
type Part struct {
	Kind string         `json:"kind"` // "text" or "data"
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart is shorthand for a text-only part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Message is an immutable entry in a task's conversation.
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactType classifies artifact content.
type ArtifactType string

const (
	ArtifactText ArtifactType = "text"
	ArtifactCode ArtifactType = "code"
	ArtifactFile ArtifactType = "file"
	ArtifactData ArtifactType = "data"
)

// Artifact is an immutable output attached to a task.
type Artifact struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Type     ArtifactType      `json:"type"`
	Content  string            `json:"content"`
	MimeType string            `json:"mime_type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Cost is the accumulated spend of a task.
type Cost struct {
	Tokens int64   `json:"tokens"`
	USD    float64 `json:"usd"`
}

// Task represents one unit of dispatched work.
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Intent      string         `json:"intent,omitempty"`
	Status      TaskStatus     `json:"status"`
	Query       string         `json:"query"`
	Context     map[string]any `json:"context,omitempty"`
	Messages    []Message      `json:"messages"`
	Artifacts   []Artifact     `json:"artifacts"`
	Cost        *Cost          `json:"cost,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	RequestedBy string         `json:"requested_by"`
}

// Clone returns a deep copy of the task. Message parts and artifact
// metadata are immutable once appended, so the slices are copied but their
// elements are shared.
func (t *Task) Clone() *Task {
	c := *t
	if t.Context != nil {
		c.Context = make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	c.Messages = append([]Message(nil), t.Messages...)
	c.Artifacts = append([]Artifact(nil), t.Artifacts...)
	if t.Cost != nil {
		cost := *t.Cost
		c.Cost = &cost
	}
	return &c
}

// EventType identifies the kind of task lifecycle event.
type EventType string

const (
	EventStatus   EventType = "status"
	EventMessage  EventType = "message"
	EventArtifact EventType = "artifact"
	EventProgress EventType = "progress"
	EventCost     EventType = "cost"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// TaskEvent is an ephemeral lifecycle notification. Exactly one payload
// field is set, matching Type.
type TaskEvent struct {
	Type      EventType  `json:"type"`
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Artifact  *Artifact  `json:"artifact,omitempty"`
	Progress  string     `json:"progress,omitempty"`
	Cost      *Cost      `json:"cost,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ResourceKey names one metered dimension of usage.
type ResourceKey string

const (
	ResourceSearchCalls        ResourceKey = "search_calls"
	ResourceComputeMinutes     ResourceKey = "compute_minutes"
	ResourceStorageGB          ResourceKey = "storage_gb"
	ResourceTTSCharacters      ResourceKey = "tts_characters"
	ResourceWorkflowExecutions ResourceKey = "workflow_executions"
	ResourceAPICalls           ResourceKey = "api_calls"
)

// ResourceBucket is one metered resource with its limit and usage.
type ResourceBucket struct {
	Key   ResourceKey `json:"key"`
	Limit float64     `json:"limit"`
	Used  float64     `json:"used"`
}

// QuotaLedger holds a tenant's buckets for the current billing cycle.
type QuotaLedger struct {
	TenantID   string                          `json:"tenant_id"`
	PlanID     string                          `json:"plan_id"`
	CycleStart time.Time                       `json:"cycle_start"`
	CycleEnd   time.Time                       `json:"cycle_end"`
	Buckets    map[ResourceKey]*ResourceBucket `json:"buckets"`
}

// Clone returns a deep copy of the ledger.
func (l *QuotaLedger) Clone() *QuotaLedger {
	c := *l
	c.Buckets = make(map[ResourceKey]*ResourceBucket, len(l.Buckets))
	for k, b := range l.Buckets {
		bucket := *b
		c.Buckets[k] = &bucket
	}
	return &c
}

// Amount pairs a resource with a quantity, used for debits and credits.
type Amount struct {
	Key    ResourceKey `json:"key"`
	Amount float64     `json:"amount"`
}

// UsageSummary is the display view of a single bucket.
type UsageSummary struct {
	Used  float64 `json:"used"`
	Limit float64 `json:"limit"`
	Pct   int     `json:"pct"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExecutorScore is one recorded executor outcome.
type ExecutorScore struct {
	Executor  string        `json:"executor"`
	TaskID    string        `json:"task_id"`
	Role      string        `json:"role"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	CostUSD   float64       `json:"cost_usd"`
	CreatedAt time.Time     `json:"created_at"`
}

// ExecutorStats aggregates recorded scores for one executor.
type ExecutorStats struct {
	Executor     string  `json:"executor"`
	Runs         int     `json:"runs"`
	Successes    int     `json:"successes"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}
