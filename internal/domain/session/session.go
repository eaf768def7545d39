// Package session defines the session/tab domain model: one ongoing
// conversation with one agent CLI bound to one workspace, plus its queued
// messages and persisted UI-facing state.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies one of the supported agent CLIs.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return true
	}
	return false
}

// Mode is the agent working mode for a session.
type Mode string

const (
	ModeBuild Mode = "build"
	ModePlan  Mode = "plan"
)

// State is the supervisor state machine state.
type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateAwaitingControl State = "awaiting_control"
	StateClosed          State = "closed"
)

// MessageMode selects how a pending message is delivered.
type MessageMode string

const (
	// ModeQueued appends to the FIFO queue; dispatched when the session
	// returns to idle.
	ModeQueued MessageMode = "queued"

	// ModeSteer is delivered at the next boundary between two tool
	// invocations within the current turn, ahead of queued messages.
	ModeSteer MessageMode = "steer"
)

// ImageAttachment is a base64-encoded image accompanying a message.
type ImageAttachment struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
}

// QueuedMessage is one pending message on a session's queue.
type QueuedMessage struct {
	ID        uuid.UUID         `json:"id"`
	Mode      MessageMode       `json:"mode"`
	Text      string            `json:"text"`
	Images    []ImageAttachment `json:"images,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is the persisted tab row plus runtime state. It is owned
// exclusively by its supervisor; all mutation goes through supervisor
// operations.
type Session struct {
	ID          uuid.UUID `json:"id"`
	Position    int       `json:"position"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Provider    Provider  `json:"provider"`
	Mode        Mode      `json:"mode"`
	IsOpen      bool      `json:"is_open"`

	// AgentSessionID is the provider's own conversation id, used to resume
	// the underlying CLI session on respawn.
	AgentSessionID string `json:"agent_session_id,omitempty"`

	Model        string `json:"model,omitempty"`
	ModelInvalid bool   `json:"model_invalid,omitempty"`

	PullRequestNumber int `json:"pull_request_number,omitempty"`

	Queued       []QueuedMessage `json:"queued_messages"`
	InputHistory []string        `json:"input_history"`
	Pending      string          `json:"pending_message,omitempty"`

	ForkLineageID uuid.UUID `json:"fork_lineage_id,omitempty"`

	Title          string `json:"title,omitempty"`
	TitleGenerated bool   `json:"title_generated,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxInputHistory bounds the recall history persisted per tab.
const MaxInputHistory = 200

// RecordInput appends text to the input history, trimming the oldest
// entries past MaxInputHistory.
func (s *Session) RecordInput(text string) {
	s.InputHistory = append(s.InputHistory, text)
	if len(s.InputHistory) > MaxInputHistory {
		s.InputHistory = s.InputHistory[len(s.InputHistory)-MaxInputHistory:]
	}
}

// DeriveTitle produces an auto-generated tab title from the first user
// message. Kept short enough for a tab bar.
func DeriveTitle(text string) string {
	const maxTitle = 48
	title := text
	for i, r := range title {
		if r == '\n' {
			title = title[:i]
			break
		}
	}
	if len(title) > maxTitle {
		// Cut on a rune boundary so multi-byte input never yields a
		// truncated title ending in a broken sequence.
		cut := 0
		for i := range title {
			if i > maxTitle {
				break
			}
			cut = i
		}
		title = title[:cut]
	}
	return title
}
