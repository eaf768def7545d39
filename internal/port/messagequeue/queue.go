// Package messagequeue defines the port for mirroring session events to an
// external message broker so out-of-process consumers can follow along.
package messagequeue

import "context"

// Handler processes one message from a subscription.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is a publish/subscribe message broker.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)
	Close() error
}

// SubjectSessionEvents is the subject prefix for per-session canonical event
// mirrors: sessions.<session-id>.events.
const SubjectSessionEvents = "sessions"

// SessionEventsSubject returns the mirror subject for one session.
func SessionEventsSubject(sessionID string) string {
	return SubjectSessionEvents + "." + sessionID + ".events"
}
