package service

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// MessageQueue holds a session's pending messages. Order is strictly FIFO
// except that steer messages are drained ahead of queued ones and explicit
// Move calls reposition entries.
type MessageQueue struct {
	mu    sync.Mutex
	items []session.QueuedMessage
	max   int
}

// NewMessageQueue creates a queue bounded to max pending messages.
func NewMessageQueue(max int) *MessageQueue {
	if max < 1 {
		max = 1
	}
	return &MessageQueue{max: max}
}

// Append adds a message to the end of the queue.
func (q *MessageQueue) Append(msg session.QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		return fmt.Errorf("%w: queue is full (%d messages)", domain.ErrValidation, q.max)
	}
	q.items = append(q.items, msg)
	return nil
}

// Remove deletes the message with the given id. Returns false when absent.
func (q *MessageQueue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Move repositions the message with the given id to newIndex, clamped to
// the queue bounds. Returns false when absent.
func (q *MessageQueue) Move(id uuid.UUID, newIndex int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	from := -1
	for i, m := range q.items {
		if m.ID == id {
			from = i
			break
		}
	}
	if from == -1 {
		return false
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= len(q.items) {
		newIndex = len(q.items) - 1
	}

	msg := q.items[from]
	q.items = append(q.items[:from], q.items[from+1:]...)
	q.items = append(q.items[:newIndex], append([]session.QueuedMessage{msg}, q.items[newIndex:]...)...)
	return true
}

// Next pops the message to dispatch when the session returns to idle:
// the first steer message if any, otherwise the FIFO head.
func (q *MessageQueue) Next() (session.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return session.QueuedMessage{}, false
	}
	for i, m := range q.items {
		if m.Mode == session.ModeSteer {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return m, true
		}
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// NextSteer pops the first steer message, used at tool-invocation
// boundaries mid-turn. Queued messages are never drained mid-turn.
func (q *MessageQueue) NextSteer() (session.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.items {
		if m.Mode == session.ModeSteer {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return m, true
		}
	}
	return session.QueuedMessage{}, false
}

// Snapshot returns a copy of the pending messages in order.
func (q *MessageQueue) Snapshot() []session.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]session.QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Restore replaces the queue contents, used when loading a persisted tab.
func (q *MessageQueue) Restore(items []session.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make([]session.QueuedMessage, len(items))
	copy(q.items, items)
}

// Len returns the number of pending messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
