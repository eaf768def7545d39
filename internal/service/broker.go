package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arthur-zhang/conduit/internal/domain/control"
)

// ErrControlMismatch indicates a control response that does not correlate
// with the session's pending request. Per policy it is logged and discarded,
// never forwarded.
var ErrControlMismatch = errors.New("control response does not match pending request")

// ControlBroker correlates the single outstanding mid-turn interactive
// request of a session with the asynchronous external response.
type ControlBroker struct {
	mu      sync.Mutex
	pending *control.Request
}

// NewControlBroker creates an empty broker.
func NewControlBroker() *ControlBroker {
	return &ControlBroker{}
}

// Set records req as the pending request, replacing any prior one.
func (b *ControlBroker) Set(req *control.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = req
}

// Pending returns the outstanding request, or nil.
func (b *ControlBroker) Pending() *control.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Resolve validates resp against the pending request. On success the
// pending request is cleared and returned so the caller can encode the
// provider reply. A correlation mismatch or malformed answer leaves the
// pending request in place.
func (b *ControlBroker) Resolve(resp *control.Response) (*control.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil || resp.RequestID != b.pending.ID {
		got := "<none>"
		if b.pending != nil {
			got = b.pending.ID
		}
		return nil, fmt.Errorf("%w: got %q, pending %q", ErrControlMismatch, resp.RequestID, got)
	}

	if err := control.Validate(b.pending, resp); err != nil {
		return nil, err
	}

	req := b.pending
	b.pending = nil
	return req, nil
}

// Clear drops the pending request, used when a turn ends while a request
// is still outstanding (interrupt, crash).
func (b *ControlBroker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}
