package claude

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// TestSpawnArgs verifies the stream-json argv and the optional flags.
func TestSpawnArgs(t *testing.T) {
	t.Parallel()

	r := New()

	args := r.SpawnArgs(session.ModeBuild, "", "")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--output-format stream-json") || !strings.Contains(joined, "--input-format stream-json") {
		t.Errorf("args = %v, want stream-json in and out", args)
	}
	if strings.Contains(joined, "--model") || strings.Contains(joined, "--resume") {
		t.Errorf("args = %v, want no model or resume flags", args)
	}

	args = r.SpawnArgs(session.ModePlan, "claude-sonnet-4-5", "sess-1")
	joined = strings.Join(args, " ")
	for _, want := range []string{"--permission-mode plan", "--model claude-sonnet-4-5", "--resume sess-1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args = %v, want %q", args, want)
		}
	}
}

// TestEncodeTurn verifies text and image attachments become a user envelope.
func TestEncodeTurn(t *testing.T) {
	t.Parallel()

	r := New()
	data, err := r.EncodeTurn("run the tests", []session.ImageAttachment{
		{MediaType: "image/png", Data: "aGVsbG8="},
	})
	if err != nil {
		t.Fatalf("EncodeTurn: %v", err)
	}

	var env struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type   string `json:"type"`
				Text   string `json:"text"`
				Source *struct {
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				} `json:"source"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "user" || env.Message.Role != "user" {
		t.Errorf("envelope type/role = %q/%q, want user/user", env.Type, env.Message.Role)
	}
	if len(env.Message.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(env.Message.Content))
	}
	if env.Message.Content[0].Type != "image" || env.Message.Content[0].Source.MediaType != "image/png" {
		t.Errorf("first block = %+v, want image/png attachment", env.Message.Content[0])
	}
	if env.Message.Content[1].Type != "text" || env.Message.Content[1].Text != "run the tests" {
		t.Errorf("second block = %+v, want the text", env.Message.Content[1])
	}
}

// TestEncodeControlResponse verifies answers ride back as a tool_result on
// the originating tool_use id.
func TestEncodeControlResponse(t *testing.T) {
	t.Parallel()

	r := New()
	req := &control.Request{
		ID:   "toolu_123",
		Kind: control.KindAskUserQuestion,
		Questions: []control.Question{
			{Question: "Which runner?", Options: []string{"go", "make"}},
		},
	}
	resp := &control.Response{
		RequestID: "toolu_123",
		Answers:   map[string][]string{"Which runner?": {"go"}},
	}

	data, err := r.EncodeControlResponse(req, resp)
	if err != nil {
		t.Fatalf("EncodeControlResponse: %v", err)
	}

	var env struct {
		Message struct {
			Content []struct {
				Type      string          `json:"type"`
				ToolUseID string          `json:"tool_use_id"`
				Content   json.RawMessage `json:"content"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if len(env.Message.Content) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(env.Message.Content))
	}
	block := env.Message.Content[0]
	if block.Type != "tool_result" || block.ToolUseID != "toolu_123" {
		t.Errorf("block = %+v, want tool_result on toolu_123", block)
	}
	if !strings.Contains(string(block.Content), `"go"`) {
		t.Errorf("payload = %s, want selected answer", block.Content)
	}
}

// TestEncodeControlResponse_PlanRejection verifies rejection feedback is
// carried in the payload.
func TestEncodeControlResponse_PlanRejection(t *testing.T) {
	t.Parallel()

	r := New()
	req := &control.Request{ID: "toolu_9", Kind: control.KindExitPlanMode}
	resp := &control.Response{RequestID: "toolu_9", Approved: false, Feedback: "split the migration"}

	data, err := r.EncodeControlResponse(req, resp)
	if err != nil {
		t.Fatalf("EncodeControlResponse: %v", err)
	}
	if !strings.Contains(string(data), `"approved":false`) || !strings.Contains(string(data), "split the migration") {
		t.Errorf("payload = %s, want rejection with feedback", data)
	}
}
