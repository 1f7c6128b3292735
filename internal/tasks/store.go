// Package tasks holds the authoritative in-memory table of tasks and
// enforces their lifecycle state machine.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/tollgate/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition matches any *TransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrTaskNotFound is returned when a task id is unknown or evicted.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskTerminal is returned when content is appended to a finished task.
	ErrTaskTerminal = errors.New("task is terminal")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidTransition) succeed.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusSubmitted:     {models.TaskStatusWorking, models.TaskStatusFailed, models.TaskStatusCanceled},
	models.TaskStatusWorking:       {models.TaskStatusInputRequired, models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCanceled},
	models.TaskStatusInputRequired: {models.TaskStatusWorking, models.TaskStatusFailed, models.TaskStatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Emitter receives lifecycle events as mutations happen.
type Emitter interface {
	Emit(taskID string, ev models.TaskEvent)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, models.TaskEvent) {}

type entry struct {
	mu      sync.Mutex
	task    *models.Task
	evicted bool
	// changed is closed and replaced on every status change or eviction.
	changed chan struct{}
	// pending holds events not yet handed to the emitter. draining is set
	// while one goroutine delivers them.
	pending  []models.TaskEvent
	draining bool
}

func (e *entry) signal() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Option customizes Store construction.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEmitter sets where lifecycle events are sent.
func WithEmitter(e Emitter) Option {
	return func(s *Store) {
		if e != nil {
			s.emitter = e
		}
	}
}

// Store owns task identity and history. Each task is guarded by its own
// mutex; the map itself has a coarse lock used only for lookup, listing and
// eviction. Events are queued under the task's mutex and delivered after it
// is released, one deliverer per task, so subscribers observe them in
// mutation order and may read the store from their callbacks.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*entry

	emitter Emitter
	now     func() time.Time
	logger  *slog.Logger

	completed atomic.Int64
	evicted   atomic.Int64
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:   make(map[string]*entry),
		emitter: nopEmitter{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create inserts a new task in the submitted state.
func (s *Store) Create(agentID, intent, query string, taskCtx map[string]any, requestedBy string) *models.Task {
	now := s.now().UTC()
	t := &models.Task{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Intent:      intent,
		Status:      models.TaskStatusSubmitted,
		Query:       query,
		Context:     taskCtx,
		Messages:    []models.Message{},
		Artifacts:   []models.Artifact{},
		CreatedAt:   now,
		UpdatedAt:   now,
		RequestedBy: requestedBy,
	}
	e := &entry{task: t, changed: make(chan struct{})}

	s.mu.Lock()
	s.tasks[t.ID] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer s.unlock(e)
	s.emit(e, models.TaskEvent{Type: models.EventStatus, Status: t.Status})
	s.logger.Debug("task created", "task_id", t.ID, "agent", agentID, "tenant", requestedBy)
	return t.Clone()
}

// lock returns the live entry for id with its mutex held, or nil.
func (s *Store) lock(id string) *entry {
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil
	}
	return e
}

// emit queues ev for delivery when e is unlocked. e.mu must be held.
func (s *Store) emit(e *entry, ev models.TaskEvent) {
	ev.TaskID = e.task.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.task.UpdatedAt
	}
	e.pending = append(e.pending, ev)
}

// unlock releases e and delivers its queued events outside the lock. If
// another goroutine is already delivering for e, that goroutine picks up
// the new events after its current batch.
func (s *Store) unlock(e *entry) {
	if e.draining || len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for {
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}

		e.mu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
	}
}

func (s *Store) deliver(ev models.TaskEvent) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("event emitter panicked", "task_id", ev.TaskID, "type", ev.Type, "panic", p)
		}
	}()
	s.emitter.Emit(ev.TaskID, ev)
}

// Get returns a snapshot of the task, or nil if it is unknown.
func (s *Store) Get(id string) *models.Task {
	e := s.lock(id)
	if e == nil {
		return nil
	}
	defer e.mu.Unlock()
	return e.task.Clone()
}

// Transition moves a task to status. Moves that are not edges of the
// lifecycle graph are rejected with a *TransitionError and logged; the task
// is left unchanged. Terminal transitions emit a done event after the status
// event.
func (s *Store) Transition(id string, status models.TaskStatus) error {
	e := s.lock(id)
	if e == nil {
		s.logger.Warn("transition on unknown task", "task_id", id, "to", status)
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	defer s.unlock(e)
	return s.transitionLocked(e, status)
}

func (s *Store) transitionLocked(e *entry, status models.TaskStatus) error {
	t := e.task
	if !CanTransition(t.Status, status) {
		err := &TransitionError{TaskID: t.ID, From: t.Status, To: status}
		s.logger.Warn("rejected transition", "task_id", t.ID, "from", t.Status, "to", status)
		return err
	}
	t.Status = status
	t.UpdatedAt = s.now().UTC()
	e.signal()
	s.emit(e, models.TaskEvent{Type: models.EventStatus, Status: status})
	if status.IsTerminal() {
		s.completed.Add(1)
		s.emit(e, models.TaskEvent{Type: models.EventDone, Status: status})
	}
	return nil
}

// AppendMessage appends an immutable message. Unknown task ids are a logged
// no-op because the caller may outlive the task's retention window.
func (s *Store) AppendMessage(id string, msg models.Message) error {
	return s.mutate(id, "message", func(t *models.Task) (models.TaskEvent, error) {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = t.UpdatedAt
		}
		msg.Parts = append([]models.Part(nil), msg.Parts...)
		t.Messages = append(t.Messages, msg)
		return models.TaskEvent{Type: models.EventMessage, Message: &msg}, nil
	})
}

// AppendArtifact appends an immutable artifact, assigning an id if needed.
func (s *Store) AppendArtifact(id string, a models.Artifact) error {
	return s.mutate(id, "artifact", func(t *models.Task) (models.TaskEvent, error) {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		t.Artifacts = append(t.Artifacts, a)
		return models.TaskEvent{Type: models.EventArtifact, Artifact: &a}, nil
	})
}

// SetCost records the task's accumulated cost.
func (s *Store) SetCost(id string, cost models.Cost) error {
	return s.mutate(id, "cost", func(t *models.Task) (models.TaskEvent, error) {
		c := cost
		t.Cost = &c
		return models.TaskEvent{Type: models.EventCost, Cost: &cost}, nil
	})
}

// SetAgent records which executor currently owns the task.
func (s *Store) SetAgent(id, agentID string) error {
	e := s.lock(id)
	if e == nil {
		s.logger.Warn("set agent on unknown task", "task_id", id)
		return nil
	}
	defer e.mu.Unlock()
	e.task.AgentID = agentID
	e.task.UpdatedAt = s.now().UTC()
	return nil
}

// Progress emits a progress event and counts as activity for retention.
func (s *Store) Progress(id, text string) error {
	return s.mutate(id, "progress", func(t *models.Task) (models.TaskEvent, error) {
		return models.TaskEvent{Type: models.EventProgress, Progress: text}, nil
	})
}

// ReportError emits an error event without changing status.
func (s *Store) ReportError(id, text string) error {
	return s.mutate(id, "error", func(t *models.Task) (models.TaskEvent, error) {
		return models.TaskEvent{Type: models.EventError, Error: text}, nil
	})
}

// Reply appends a user message. A task waiting for input resumes working.
func (s *Store) Reply(id string, msg models.Message) error {
	e := s.lock(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	defer s.unlock(e)

	t := e.task
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.Status)
	}
	t.UpdatedAt = s.now().UTC()
	msg.Role = models.RoleUser
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.UpdatedAt
	}
	t.Messages = append(t.Messages, msg)
	s.emit(e, models.TaskEvent{Type: models.EventMessage, Message: &msg})
	if t.Status == models.TaskStatusInputRequired {
		return s.transitionLocked(e, models.TaskStatusWorking)
	}
	return nil
}

func (s *Store) mutate(id, kind string, fn func(*models.Task) (models.TaskEvent, error)) error {
	e := s.lock(id)
	if e == nil {
		s.logger.Warn("mutation on evicted or unknown task", "task_id", id, "kind", kind)
		return nil
	}
	defer s.unlock(e)

	t := e.task
	if t.Status.IsTerminal() {
		s.logger.Warn("mutation on terminal task", "task_id", id, "kind", kind, "status", t.Status)
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.Status)
	}
	t.UpdatedAt = s.now().UTC()
	ev, err := fn(t)
	if err != nil {
		return err
	}
	s.emit(e, ev)
	return nil
}

// Await blocks until cond holds for the task's status, ctx is done, or the
// task is evicted (ErrTaskNotFound). It returns the status that satisfied
// cond.
func (s *Store) Await(ctx context.Context, id string, cond func(models.TaskStatus) bool) (models.TaskStatus, error) {
	for {
		e := s.lock(id)
		if e == nil {
			return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		status := e.task.Status
		ch := e.changed
		e.mu.Unlock()
		if cond(status) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ch:
		}
	}
}

// ListRecent returns up to limit tasks, newest first. limit <= 0 means all.
func (s *Store) ListRecent(limit int) []*models.Task {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*models.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.evicted {
			out = append(out, e.task.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EvictBefore removes every task whose UpdatedAt is before cutoff,
// regardless of status, and returns the evicted ids.
func (s *Store) EvictBefore(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.tasks {
		e.mu.Lock()
		if e.task.UpdatedAt.Before(cutoff) {
			e.evicted = true
			e.signal()
			delete(s.tasks, id)
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	s.evicted.Add(int64(len(ids)))
	sort.Strings(ids)
	return ids
}

// Evict removes a single task. It reports whether the task existed.
func (s *Store) Evict(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.evicted = true
	e.signal()
	e.mu.Unlock()
	delete(s.tasks, id)
	s.evicted.Add(1)
	return true
}

// Len returns the number of live tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Stats holds operational counters.
type Stats struct {
	Live      int   `json:"live"`
	Completed int64 `json:"completed"`
	Evicted   int64 `json:"evicted"`
}

// Stats returns the store's counters. Completed counts every terminal
// transition, including failed and canceled ones.
func (s *Store) Stats() Stats {
	return Stats{
		Live:      s.Len(),
		Completed: s.completed.Load(),
		Evicted:   s.evicted.Load(),
	}
}
