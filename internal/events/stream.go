package events

import (
	"context"
	"errors"
	"sync"

	"github.com/fentz26/tollgate/internal/models"
)

// ErrStreamClosed is returned by Stream.Next once the stream is closed and
// drained.
var ErrStreamClosed = errors.New("event stream closed")

// Stream adapts a hub subscription into a pull-based queue. Emitters never
// block on a slow reader and no event is dropped; the queue grows instead.
type Stream struct {
	mu     sync.Mutex
	queue  []models.TaskEvent
	closed bool
	notify chan struct{}

	unsubscribe func()
}

// Stream subscribes to taskID and returns a queue of its future events.
func (h *Hub) Stream(taskID string) *Stream {
	s := &Stream{notify: make(chan struct{}, 1)}
	s.unsubscribe = h.subscribe(taskID, subscriber{cb: s.push, onClose: s.markClosed})
	return s
}

func (s *Stream) push(ev models.TaskEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Next blocks until an event is available, the stream is closed, or ctx is
// done. Events queued before Close are still returned.
func (s *Stream) Next(ctx context.Context) (models.TaskEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = models.TaskEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.TaskEvent{}, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return models.TaskEvent{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close unsubscribes. Pending events can still be drained with Next.
func (s *Stream) Close() {
	s.unsubscribe()
	s.markClosed()
}
