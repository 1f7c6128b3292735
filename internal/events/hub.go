// Package events fans task lifecycle events out to live subscribers.
//
// Delivery is synchronous and best-effort: an event reaches exactly the
// callbacks registered at the moment it is emitted. Nothing is buffered for
// late subscribers; they reconcile from the task snapshot instead.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fentz26/tollgate/internal/models"
)

// Callback receives events for one task.
type Callback func(models.TaskEvent)

type subscriber struct {
	cb      Callback
	onClose func()
}

// Hub is a per-task registry of subscriber callbacks.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]subscriber
	nextID uint64
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[uint64]subscriber),
		logger: logger,
	}
}

// Subscribe registers cb for taskID and returns a function that removes it.
// The returned function is safe to call more than once.
func (h *Hub) Subscribe(taskID string, cb Callback) (unsubscribe func()) {
	return h.subscribe(taskID, subscriber{cb: cb})
}

func (h *Hub) subscribe(taskID string, sub subscriber) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[uint64]subscriber)
	}
	h.subs[taskID][id] = sub
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if m := h.subs[taskID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(h.subs, taskID)
				}
			}
		})
	}
}

// Emit delivers ev to every callback currently registered for taskID. A
// callback that panics is logged and does not stop delivery to the rest.
// Callbacks run on the emitting goroutine and must not block.
func (h *Hub) Emit(taskID string, ev models.TaskEvent) {
	h.mu.RLock()
	m := h.subs[taskID]
	if len(m) == 0 {
		h.mu.RUnlock()
		return
	}
	cbs := make([]Callback, 0, len(m))
	ids := make([]uint64, 0, len(m))
	for id, sub := range m {
		ids = append(ids, id)
		cbs = append(cbs, sub.cb)
	}
	h.mu.RUnlock()

	for i, cb := range cbs {
		if err := invoke(cb, ev); err != nil {
			h.logger.Warn("subscriber failed", "task_id", taskID, "subscriber", ids[i], "event", ev.Type, "error", err)
		}
	}
}

func invoke(cb Callback, ev models.TaskEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	cb(ev)
	return nil
}

// Close drops every subscriber of taskID and returns how many were removed.
// Streams attached to the task are closed.
func (h *Hub) Close(taskID string) int {
	h.mu.Lock()
	m := h.subs[taskID]
	delete(h.subs, taskID)
	h.mu.Unlock()

	for _, sub := range m {
		if sub.onClose != nil {
			sub.onClose()
		}
	}
	return len(m)
}

// SubscriberCount returns the number of live subscribers for taskID.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}
