package gemini

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// TestSpawnArgs verifies build mode auto-approves while plan mode stays
// read-only, and the resume id is ignored.
func TestSpawnArgs(t *testing.T) {
	t.Parallel()

	r := New()

	args := r.SpawnArgs(session.ModeBuild, "gemini-2.5-pro", "ignored")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--yolo") || !strings.Contains(joined, "--model gemini-2.5-pro") {
		t.Errorf("args = %v, want yolo with model", args)
	}
	if strings.Contains(joined, "ignored") {
		t.Errorf("args = %v, resume id must not appear", args)
	}

	args = r.SpawnArgs(session.ModePlan, "", "")
	joined = strings.Join(args, " ")
	if !strings.Contains(joined, "--approval-mode plan") || strings.Contains(joined, "--yolo") {
		t.Errorf("plan args = %v, want approval-mode plan without yolo", args)
	}
}

// TestEncodeTurn verifies the single-line user input shape and that images
// are dropped rather than failing the turn.
func TestEncodeTurn(t *testing.T) {
	t.Parallel()

	r := New()
	data, err := r.EncodeTurn("summarize the diff", []session.ImageAttachment{
		{MediaType: "image/png", Data: "x"},
	})
	if err != nil {
		t.Fatalf("EncodeTurn: %v", err)
	}

	var msg map[string]string
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "user" || msg["text"] != "summarize the diff" {
		t.Errorf("message = %v", msg)
	}
	if _, ok := msg["image"]; ok {
		t.Error("images must be dropped on gemini")
	}
}

// TestEncodeControlResponseUnsupported verifies control responses always fail.
func TestEncodeControlResponseUnsupported(t *testing.T) {
	t.Parallel()

	r := New()
	req := &control.Request{ID: "q-1", Kind: control.KindAskUserQuestion}
	if _, err := r.EncodeControlResponse(req, &control.Response{RequestID: "q-1"}); err == nil {
		t.Error("expected error; gemini has no control channel")
	}
	if r.SupportsResume() {
		t.Error("SupportsResume = true, want false")
	}
}
