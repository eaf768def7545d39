package claude

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/event"
)

// parser normalizes Claude Code stream-json output. The only state it keeps
// is the text buffer used to coalesce partial deltas into one logical
// assistant message sequence.
type parser struct {
	textBuf strings.Builder
}

func newParser() *parser { return &parser{} }

type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
	} `json:"event"`

	Message *struct {
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		} `json:"content"`
	} `json:"message"`

	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Usage   *struct {
		InputTokens          int64 `json:"input_tokens"`
		OutputTokens         int64 `json:"output_tokens"`
		CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// ParseLine maps one stream-json line to canonical events.
func (p *parser) ParseLine(line []byte) []event.AgentEvent {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return []event.AgentEvent{rawDiagnostic(line, err)}
	}

	switch sl.Type {
	case "system":
		if sl.Subtype == "init" && sl.SessionID != "" {
			return []event.AgentEvent{{
				Type:           event.TypeSessionInit,
				Timestamp:      time.Now(),
				AgentSessionID: sl.SessionID,
			}}
		}
		return nil

	case "stream_event":
		return p.parseStreamEvent(&sl)

	case "assistant":
		return p.parseAssistant(&sl)

	case "user":
		return p.parseToolResults(&sl)

	case "result":
		return p.parseResult(&sl)

	default:
		return nil
	}
}

func (p *parser) parseStreamEvent(sl *streamLine) []event.AgentEvent {
	if sl.Event == nil || sl.Event.Delta == nil {
		return nil
	}
	switch sl.Event.Delta.Type {
	case "text_delta":
		p.textBuf.WriteString(sl.Event.Delta.Text)
		return []event.AgentEvent{{
			Type:      event.TypeAssistantMessage,
			Timestamp: time.Now(),
			Text:      sl.Event.Delta.Text,
			Final:     false,
		}}
	case "thinking_delta":
		return []event.AgentEvent{{
			Type:      event.TypeAssistantReasoning,
			Timestamp: time.Now(),
			Text:      sl.Event.Delta.Thinking,
		}}
	}
	return nil
}

// parseAssistant handles the complete assistant message: the authoritative
// final text plus any tool_use blocks. Interactive tools become control
// requests instead of tool starts.
func (p *parser) parseAssistant(sl *streamLine) []event.AgentEvent {
	if sl.Message == nil {
		return nil
	}

	var events []event.AgentEvent
	for _, block := range sl.Message.Content {
		switch block.Type {
		case "text":
			text := block.Text
			if text == "" {
				text = p.textBuf.String()
			}
			p.textBuf.Reset()
			events = append(events, event.AgentEvent{
				Type:      event.TypeAssistantMessage,
				Timestamp: time.Now(),
				Text:      text,
				Final:     true,
			})

		case "tool_use":
			if ctrl := controlRequestFor(block.ID, block.Name, block.Input); ctrl != nil {
				events = append(events, event.AgentEvent{
					Type:      event.TypeControlRequest,
					Timestamp: time.Now(),
					Control:   ctrl,
				})
				continue
			}
			tool, rawName := event.CanonicalTool(block.Name)
			events = append(events, event.AgentEvent{
				Type:      event.TypeToolStarted,
				Timestamp: time.Now(),
				Tool:      tool,
				RawTool:   rawName,
				CallID:    block.ID,
				Arguments: block.Input,
			})
		}
	}
	return events
}

func (p *parser) parseToolResults(sl *streamLine) []event.AgentEvent {
	if sl.Message == nil {
		return nil
	}

	var events []event.AgentEvent
	for _, block := range sl.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		ev := event.AgentEvent{
			Type:      event.TypeToolCompleted,
			Timestamp: time.Now(),
			CallID:    block.ToolUseID,
			Success:   !block.IsError,
			Result:    flattenToolResult(block.Content),
		}
		if block.IsError {
			ev.Message = ev.Result
		}
		events = append(events, ev)
	}
	return events
}

func (p *parser) parseResult(sl *streamLine) []event.AgentEvent {
	p.textBuf.Reset()

	if sl.IsError {
		msg := sl.Result
		if msg == "" {
			msg = "turn failed: " + sl.Subtype
		}
		return []event.AgentEvent{
			{Type: event.TypeTurnFailed, Timestamp: time.Now(), Message: msg},
			{Type: event.TypeError, Timestamp: time.Now(), Message: msg, Fatal: true},
		}
	}

	ev := event.AgentEvent{Type: event.TypeTurnCompleted, Timestamp: time.Now()}
	if sl.Usage != nil {
		ev.Usage = &event.Usage{
			InputTokens:     sl.Usage.InputTokens,
			OutputTokens:    sl.Usage.OutputTokens,
			CacheReadTokens: sl.Usage.CacheReadInputTokens,
			TotalTokens:     sl.Usage.InputTokens + sl.Usage.CacheReadInputTokens + sl.Usage.OutputTokens,
		}
	}
	return []event.AgentEvent{ev}
}

// controlRequestFor detects Claude's interactive tools. Returns nil for
// ordinary tools.
func controlRequestFor(id, name string, input json.RawMessage) *control.Request {
	switch name {
	case "AskUserQuestion":
		var payload struct {
			Questions []struct {
				Header      string `json:"header"`
				Question    string `json:"question"`
				MultiSelect bool   `json:"multiSelect"`
				Options     []struct {
					Label string `json:"label"`
				} `json:"options"`
			} `json:"questions"`
		}
		if err := json.Unmarshal(input, &payload); err != nil || len(payload.Questions) == 0 {
			return nil
		}
		req := &control.Request{ID: id, Kind: control.KindAskUserQuestion}
		for _, q := range payload.Questions {
			opts := make([]string, 0, len(q.Options))
			for _, o := range q.Options {
				opts = append(opts, o.Label)
			}
			req.Questions = append(req.Questions, control.Question{
				Header:      q.Header,
				Question:    q.Question,
				Options:     opts,
				MultiSelect: q.MultiSelect,
			})
		}
		return req

	case "ExitPlanMode", "exit_plan_mode":
		var payload struct {
			Plan string `json:"plan"`
		}
		if err := json.Unmarshal(input, &payload); err != nil {
			return nil
		}
		return &control.Request{ID: id, Kind: control.KindExitPlanMode, Plan: payload.Plan}
	}
	return nil
}

// flattenToolResult extracts the text of a tool_result content field, which
// may be a bare string or a list of typed blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

func rawDiagnostic(line []byte, err error) event.AgentEvent {
	return event.RawDiagnostic(line, err)
}
