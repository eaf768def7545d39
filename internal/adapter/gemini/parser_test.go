package gemini

import (
	"testing"

	"github.com/arthur-zhang/conduit/internal/domain/event"
)

// TestParser_SessionLineYieldsInit verifies the session id is captured.
func TestParser_SessionLineYieldsInit(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := p.ParseLine([]byte(`{"type":"session","session_id":"gm-1"}`))
	if len(events) != 1 || events[0].Type != event.TypeSessionInit || events[0].AgentSessionID != "gm-1" {
		t.Fatalf("events = %+v, want session.init gm-1", events)
	}
}

// TestParser_ContentDeltasFinalizedAtResult verifies streamed content is
// emitted as partials and re-emitted as one final message at turn end.
func TestParser_ContentDeltasFinalizedAtResult(t *testing.T) {
	t.Parallel()

	p := newParser()
	_ = p.ParseLine([]byte(`{"type":"content","delta":"Sure, "}`))
	_ = p.ParseLine([]byte(`{"type":"content","delta":"done."}`))

	events := p.ParseLine([]byte(`{"type":"result","usage":{"input_tokens":50,"output_tokens":10,"total_tokens":60}}`))
	if len(events) != 2 {
		t.Fatalf("events = %+v, want final message plus turn.completed", events)
	}
	if events[0].Type != event.TypeAssistantMessage || !events[0].Final || events[0].Text != "Sure, done." {
		t.Errorf("final message = %+v", events[0])
	}
	if events[1].Type != event.TypeTurnCompleted || events[1].Usage == nil || events[1].Usage.TotalTokens != 60 {
		t.Errorf("turn completion = %+v", events[1])
	}
}

// TestParser_ResultSumsMissingTotal verifies a usage block without a total
// falls back to input+output.
func TestParser_ResultSumsMissingTotal(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := p.ParseLine([]byte(`{"type":"result","usage":{"input_tokens":30,"output_tokens":12}}`))
	done := events[len(events)-1]
	if done.Usage == nil || done.Usage.TotalTokens != 42 {
		t.Errorf("usage = %+v, want total 42", done.Usage)
	}
}

// TestParser_ToolCallMapsCanonicalName verifies gemini-native tool names map
// onto the canonical set with the original preserved when unknown.
func TestParser_ToolCallMapsCanonicalName(t *testing.T) {
	t.Parallel()

	p := newParser()

	events := p.ParseLine([]byte(`{"type":"tool_call","id":"t-1","name":"run_shell_command","args":{"command":"ls"}}`))
	if len(events) != 1 || events[0].Tool != event.ToolBash || events[0].RawTool != "" {
		t.Fatalf("events = %+v, want canonical Bash", events)
	}

	events = p.ParseLine([]byte(`{"type":"tool_call","id":"t-2","name":"web_fetch","args":{}}`))
	if len(events) != 1 || events[0].Tool != event.ToolUnknown || events[0].RawTool != "web_fetch" {
		t.Errorf("events = %+v, want Unknown with raw name preserved", events)
	}
}

// TestParser_ToolResultStatus verifies error status marks the completion
// failed with the output as message.
func TestParser_ToolResultStatus(t *testing.T) {
	t.Parallel()

	p := newParser()

	events := p.ParseLine([]byte(`{"type":"tool_result","id":"t-1","status":"ok","output":"3 files"}`))
	if len(events) != 1 || !events[0].Success || events[0].Result != "3 files" {
		t.Fatalf("events = %+v, want successful completion", events)
	}

	events = p.ParseLine([]byte(`{"type":"tool_result","id":"t-2","status":"error","output":"not found"}`))
	if len(events) != 1 || events[0].Success || events[0].Message != "not found" {
		t.Errorf("events = %+v, want failed completion with message", events)
	}
}

// TestParser_ErrorFailsTurn verifies an error line yields turn.failed plus a
// fatal error and clears the text buffer.
func TestParser_ErrorFailsTurn(t *testing.T) {
	t.Parallel()

	p := newParser()
	_ = p.ParseLine([]byte(`{"type":"content","delta":"half-finished"}`))

	events := p.ParseLine([]byte(`{"type":"error","message":"quota exceeded"}`))
	if len(events) != 2 || events[0].Type != event.TypeTurnFailed || !events[1].Fatal {
		t.Fatalf("events = %+v, want turn.failed plus fatal error", events)
	}

	// Buffer was reset; the next result starts clean.
	events = p.ParseLine([]byte(`{"type":"result"}`))
	if events[0].Text != "" {
		t.Errorf("text after reset = %q, want empty", events[0].Text)
	}
}

// TestParser_GarbageLineYieldsRawDiagnostic verifies undecodable output is
// wrapped, not dropped.
func TestParser_GarbageLineYieldsRawDiagnostic(t *testing.T) {
	t.Parallel()

	p := newParser()
	events := p.ParseLine([]byte("Loaded cached credentials."))
	if len(events) != 1 || events[0].Type != event.TypeRaw {
		t.Fatalf("events = %+v, want one raw diagnostic", events)
	}
}
