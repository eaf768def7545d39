// Package event defines the canonical, provider-independent agent event
// vocabulary. Every protocol adapter normalizes its provider's native output
// into these events before they reach a session supervisor.
package event

import (
	"encoding/json"
	"time"

	"github.com/arthur-zhang/conduit/internal/domain/control"
)

// Type identifies the kind of canonical agent event.
type Type string

const (
	TypeTurnStarted        Type = "turn.started"
	TypeTurnCompleted      Type = "turn.completed"
	TypeTurnFailed         Type = "turn.failed"
	TypeToolStarted        Type = "tool.started"
	TypeToolCompleted      Type = "tool.completed"
	TypeAssistantMessage   Type = "assistant.message"
	TypeAssistantReasoning Type = "assistant.reasoning"
	TypeControlRequest     Type = "control.request"
	TypeError              Type = "error"
	TypeRaw                Type = "raw"

	// TypeSessionInit carries the provider's own session identifier, captured
	// from the first output line so the conversation can be resumed later.
	TypeSessionInit Type = "session.init"
)

// Tool is a canonical tool name. Providers map their native tool-call
// vocabulary onto this closed set; anything unrecognized becomes ToolUnknown
// with the original name preserved in RawTool.
type Tool string

const (
	ToolRead      Tool = "Read"
	ToolWrite     Tool = "Write"
	ToolEdit      Tool = "Edit"
	ToolBash      Tool = "Bash"
	ToolGlob      Tool = "Glob"
	ToolGrep      Tool = "Grep"
	ToolTodoWrite Tool = "TodoWrite"
	ToolUnknown   Tool = "Unknown"
)

// Usage holds token accounting reported by a provider for one turn.
// All counts are non-negative totals, never deltas the UI has to sum.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens,omitempty"`
	TotalTokens     int64 `json:"total_tokens"`

	// ContextWindow is the model's context size as reported by the provider,
	// zero when the provider does not report one.
	ContextWindow int64 `json:"context_window,omitempty"`
}

// Percent returns usage relative to the model's context window, clamped to
// [0, 100]. The clamp is display-only; raw totals are never altered.
func (u Usage) Percent(contextWindow int64) int {
	if contextWindow <= 0 {
		return 0
	}
	p := u.TotalTokens * 100 / contextWindow
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}

// AgentEvent is one canonical event in a session's stream. Which fields are
// populated depends on Type; unused fields are omitted from the wire form.
type AgentEvent struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Tool call fields (tool.started / tool.completed).
	Tool      Tool            `json:"tool,omitempty"`
	RawTool   string          `json:"raw_tool,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Result    string          `json:"result,omitempty"`

	// Assistant text fields (assistant.message / assistant.reasoning).
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Turn accounting (turn.completed).
	Usage *Usage `json:"usage,omitempty"`

	// Error fields (error / turn.failed).
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`

	// Raw diagnostic payload (raw), e.g. an undecodable provider line.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Provider session id (session.init).
	AgentSessionID string `json:"agent_session_id,omitempty"`

	// Embedded interactive request (control.request).
	Control *control.Request `json:"control,omitempty"`
}

// RawDiagnostic wraps an undecodable provider output line as an error-tagged
// raw event. The line is carried as a JSON string so the event itself stays
// encodable.
func RawDiagnostic(line []byte, err error) AgentEvent {
	quoted, mErr := json.Marshal(string(line))
	if mErr != nil {
		quoted = []byte(`""`)
	}
	return AgentEvent{
		Type:      TypeRaw,
		Timestamp: time.Now(),
		Message:   "undecodable output line: " + err.Error(),
		Raw:       quoted,
	}
}

// CanonicalTool maps a provider-native tool name onto the closed canonical
// set. The second return is the canonical name to carry in RawTool: empty
// when the name was recognized, the original name otherwise.
func CanonicalTool(name string) (Tool, string) {
	switch name {
	case "Read", "read_file", "ReadFile", "view":
		return ToolRead, ""
	case "Write", "write_file", "WriteFile", "create":
		return ToolWrite, ""
	case "Edit", "edit_file", "replace", "str_replace":
		return ToolEdit, ""
	case "Bash", "shell", "run_shell_command", "exec":
		return ToolBash, ""
	case "Glob", "glob", "find_files":
		return ToolGlob, ""
	case "Grep", "grep", "search_file_content":
		return ToolGrep, ""
	case "TodoWrite", "todo_write", "update_todo":
		return ToolTodoWrite, ""
	default:
		return ToolUnknown, name
	}
}
