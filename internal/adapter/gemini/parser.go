package gemini

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/arthur-zhang/conduit/internal/domain/event"
)

// parser normalizes Gemini stream events, coalescing content deltas into a
// single final assistant message at turn end.
type parser struct {
	textBuf strings.Builder
}

func newParser() *parser { return &parser{} }

type streamEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Delta     string          `json:"delta"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Status    string          `json:"status"`
	Output    string          `json:"output"`
	Message   string          `json:"message"`
	Usage     *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ParseLine maps one stream event line to canonical events.
func (p *parser) ParseLine(line []byte) []event.AgentEvent {
	var se streamEvent
	if err := json.Unmarshal(line, &se); err != nil {
		return []event.AgentEvent{event.RawDiagnostic(line, err)}
	}

	now := time.Now()

	switch se.Type {
	case "session":
		if se.SessionID == "" {
			return nil
		}
		return []event.AgentEvent{{Type: event.TypeSessionInit, Timestamp: now, AgentSessionID: se.SessionID}}

	case "content":
		p.textBuf.WriteString(se.Delta)
		return []event.AgentEvent{{Type: event.TypeAssistantMessage, Timestamp: now, Text: se.Delta}}

	case "thought":
		return []event.AgentEvent{{Type: event.TypeAssistantReasoning, Timestamp: now, Text: se.Text}}

	case "tool_call":
		tool, rawName := event.CanonicalTool(se.Name)
		return []event.AgentEvent{{
			Type:      event.TypeToolStarted,
			Timestamp: now,
			Tool:      tool,
			RawTool:   rawName,
			CallID:    se.ID,
			Arguments: se.Args,
		}}

	case "tool_result":
		success := se.Status != "error"
		ev := event.AgentEvent{
			Type:      event.TypeToolCompleted,
			Timestamp: now,
			CallID:    se.ID,
			Success:   success,
			Result:    se.Output,
		}
		if !success {
			ev.Message = se.Output
		}
		return []event.AgentEvent{ev}

	case "result":
		text := p.textBuf.String()
		p.textBuf.Reset()

		events := []event.AgentEvent{{
			Type:      event.TypeAssistantMessage,
			Timestamp: now,
			Text:      text,
			Final:     true,
		}}
		done := event.AgentEvent{Type: event.TypeTurnCompleted, Timestamp: now}
		if se.Usage != nil {
			done.Usage = &event.Usage{
				InputTokens:  se.Usage.InputTokens,
				OutputTokens: se.Usage.OutputTokens,
				TotalTokens:  se.Usage.TotalTokens,
			}
			if done.Usage.TotalTokens == 0 {
				done.Usage.TotalTokens = se.Usage.InputTokens + se.Usage.OutputTokens
			}
		}
		return append(events, done)

	case "error":
		p.textBuf.Reset()
		return []event.AgentEvent{
			{Type: event.TypeTurnFailed, Timestamp: now, Message: se.Message},
			{Type: event.TypeError, Timestamp: now, Message: se.Message, Fatal: true},
		}

	default:
		return nil
	}
}
