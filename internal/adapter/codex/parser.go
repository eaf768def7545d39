package codex

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/event"
)

const (
	optionApprove = "approve"
	optionDeny    = "deny"
)

// parser normalizes Codex proto events. It buffers assistant text deltas and
// per-call command output fragments; Codex streams a command's output in
// many small chunks that must be coalesced into one ordered result before
// tool completion is reported.
type parser struct {
	textBuf   strings.Builder
	outputBuf map[string]*strings.Builder
	lastUsage *event.Usage
}

func newParser() *parser {
	return &parser{outputBuf: make(map[string]*strings.Builder)}
}

type protoEvent struct {
	ID  string `json:"id"`
	Msg struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`

		Delta   string `json:"delta"`
		Message string `json:"message"`
		Text    string `json:"text"`

		CallID   string          `json:"call_id"`
		Command  []string        `json:"command"`
		Changes  json.RawMessage `json:"changes"`
		Chunk    string          `json:"chunk"`
		ExitCode *int            `json:"exit_code"`
		Success  *bool           `json:"success"`
		Reason   string          `json:"reason"`

		InputTokens        int64 `json:"input_tokens"`
		CachedInputTokens  int64 `json:"cached_input_tokens"`
		OutputTokens       int64 `json:"output_tokens"`
		TotalTokens        int64 `json:"total_tokens"`
		ModelContextWindow int64 `json:"model_context_window"`
	} `json:"msg"`
}

// ParseLine maps one proto event line to canonical events.
func (p *parser) ParseLine(line []byte) []event.AgentEvent {
	var pe protoEvent
	if err := json.Unmarshal(line, &pe); err != nil {
		return []event.AgentEvent{event.RawDiagnostic(line, err)}
	}

	msg := &pe.Msg
	now := time.Now()

	switch msg.Type {
	case "session_configured":
		if msg.SessionID == "" {
			return nil
		}
		return []event.AgentEvent{{Type: event.TypeSessionInit, Timestamp: now, AgentSessionID: msg.SessionID}}

	case "task_started":
		// The supervisor emits the canonical turn start on dispatch.
		return nil

	case "agent_message_delta":
		p.textBuf.WriteString(msg.Delta)
		return []event.AgentEvent{{Type: event.TypeAssistantMessage, Timestamp: now, Text: msg.Delta}}

	case "agent_message":
		text := msg.Message
		if text == "" {
			text = p.textBuf.String()
		}
		p.textBuf.Reset()
		return []event.AgentEvent{{Type: event.TypeAssistantMessage, Timestamp: now, Text: text, Final: true}}

	case "agent_reasoning_delta":
		return []event.AgentEvent{{Type: event.TypeAssistantReasoning, Timestamp: now, Text: msg.Delta}}

	case "agent_reasoning":
		return []event.AgentEvent{{Type: event.TypeAssistantReasoning, Timestamp: now, Text: msg.Text}}

	case "exec_command_begin":
		args, _ := json.Marshal(map[string]any{"command": msg.Command})
		return []event.AgentEvent{{
			Type:      event.TypeToolStarted,
			Timestamp: now,
			Tool:      event.ToolBash,
			CallID:    msg.CallID,
			Arguments: args,
		}}

	case "exec_command_output_delta":
		buf, ok := p.outputBuf[msg.CallID]
		if !ok {
			buf = &strings.Builder{}
			p.outputBuf[msg.CallID] = buf
		}
		buf.WriteString(msg.Chunk)
		return nil

	case "exec_command_end":
		output := ""
		if buf, ok := p.outputBuf[msg.CallID]; ok {
			output = buf.String()
			delete(p.outputBuf, msg.CallID)
		}
		success := msg.ExitCode == nil || *msg.ExitCode == 0
		ev := event.AgentEvent{
			Type:      event.TypeToolCompleted,
			Timestamp: now,
			CallID:    msg.CallID,
			Success:   success,
			Result:    output,
		}
		if !success {
			ev.Message = output
		}
		return []event.AgentEvent{ev}

	case "patch_apply_begin":
		return []event.AgentEvent{{
			Type:      event.TypeToolStarted,
			Timestamp: now,
			Tool:      event.ToolEdit,
			CallID:    msg.CallID,
			Arguments: msg.Changes,
		}}

	case "patch_apply_end":
		success := msg.Success == nil || *msg.Success
		return []event.AgentEvent{{
			Type:      event.TypeToolCompleted,
			Timestamp: now,
			CallID:    msg.CallID,
			Success:   success,
		}}

	case "exec_approval_request":
		question := "Allow command: " + strings.Join(msg.Command, " ") + "?"
		return []event.AgentEvent{{
			Type:      event.TypeControlRequest,
			Timestamp: now,
			Control: &control.Request{
				ID:   pe.ID,
				Kind: control.KindAskUserQuestion,
				Questions: []control.Question{{
					Header:   "Command approval",
					Question: question,
					Options:  []string{optionApprove, optionDeny},
				}},
			},
		}}

	case "token_count":
		p.lastUsage = &event.Usage{
			InputTokens:     msg.InputTokens,
			OutputTokens:    msg.OutputTokens,
			CacheReadTokens: msg.CachedInputTokens,
			TotalTokens:     msg.TotalTokens,
			ContextWindow:   msg.ModelContextWindow,
		}
		if p.lastUsage.TotalTokens == 0 {
			p.lastUsage.TotalTokens = msg.InputTokens + msg.CachedInputTokens + msg.OutputTokens
		}
		return nil

	case "task_complete":
		p.textBuf.Reset()
		usage := p.lastUsage
		p.lastUsage = nil
		return []event.AgentEvent{{Type: event.TypeTurnCompleted, Timestamp: now, Usage: usage}}

	case "turn_aborted":
		p.textBuf.Reset()
		reason := msg.Reason
		if reason == "" {
			reason = "turn aborted"
		}
		return []event.AgentEvent{{Type: event.TypeTurnFailed, Timestamp: now, Message: reason}}

	case "error":
		p.textBuf.Reset()
		return []event.AgentEvent{
			{Type: event.TypeTurnFailed, Timestamp: now, Message: msg.Message},
			{Type: event.TypeError, Timestamp: now, Message: msg.Message, Fatal: true},
		}

	default:
		return nil
	}
}
