// Package broadcast defines the port for pushing real-time session events to
// connected UI clients.
package broadcast

import "context"

// Broadcaster sends a typed event to all connected clients.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
