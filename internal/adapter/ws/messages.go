package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// Outbound event type constants.
const (
	EventAgentEvent     = "agent_event"
	EventControlRequest = "control_request"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventError          = "error"
	EventPong           = "pong"
)

// Inbound command type constants.
const (
	CmdSubscribe        = "subscribe"
	CmdUnsubscribe      = "unsubscribe"
	CmdSendInput        = "send_input"
	CmdRespondToControl = "respond_to_control"
	CmdInterrupt        = "interrupt"
	CmdStopSession      = "stop_session"
	CmdPing             = "ping"
)

// Message is the envelope for all WebSocket messages, both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload selects which session's events a client receives. A nil
// session id subscribes to all sessions.
type SubscribePayload struct {
	SessionID *uuid.UUID `json:"session_id"`
}

// SendInputPayload carries a user message for a session.
type SendInputPayload struct {
	SessionID uuid.UUID                 `json:"session_id"`
	Text      string                    `json:"text"`
	Images    []session.ImageAttachment `json:"images,omitempty"`
	Mode      session.MessageMode       `json:"mode"`
}

// RespondPayload answers a pending control request.
type RespondPayload struct {
	SessionID uuid.UUID        `json:"session_id"`
	Response  control.Response `json:"response"`
}

// SessionPayload names a session for interrupt/stop commands.
type SessionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// ErrorPayload reports a failed inbound command back to the sender.
type ErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}
