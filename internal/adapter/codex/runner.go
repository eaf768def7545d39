// Package codex implements the agentrunner port for the Codex CLI, driven
// through its proto mode: one JSON submission per stdin line, one JSON
// event per stdout line.
package codex

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
)

const providerName = "codex"

// Runner drives the Codex CLI.
type Runner struct{}

// New creates a Codex runner.
func New() *Runner { return &Runner{} }

// Register registers the Codex runner factory.
func Register() {
	agentrunner.Register(providerName, func(_ map[string]string) (agentrunner.Runner, error) {
		return New(), nil
	})
}

// Name returns "codex".
func (r *Runner) Name() string { return providerName }

// SupportsResume returns true; Codex resumes via experimental_resume.
func (r *Runner) SupportsResume() bool { return true }

// SpawnArgs builds the argv for a Codex proto session.
func (r *Runner) SpawnArgs(mode session.Mode, model, resumeID string) []string {
	args := []string{"proto"}
	if model != "" {
		args = append(args, "-c", "model="+model)
	}
	if mode == session.ModePlan {
		args = append(args, "-c", "approval_policy=untrusted")
	}
	if resumeID != "" {
		args = append(args, "-c", "experimental_resume="+resumeID)
	}
	return args
}

// NewParser returns a fresh proto event parser.
func (r *Runner) NewParser() agentrunner.Parser { return newParser() }

type submission struct {
	ID string          `json:"id"`
	Op json.RawMessage `json:"op"`
}

func encodeSubmission(op any) ([]byte, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("codex: encode op: %w", err)
	}
	data, err := json.Marshal(submission{ID: uuid.NewString(), Op: raw})
	if err != nil {
		return nil, fmt.Errorf("codex: encode submission: %w", err)
	}
	return data, nil
}

// EncodeTurn encodes a user message as a user_input submission.
func (r *Runner) EncodeTurn(text string, images []session.ImageAttachment) ([]byte, error) {
	type item struct {
		Type      string `json:"type"`
		Text      string `json:"text,omitempty"`
		ImageURL  string `json:"image_url,omitempty"`
		MediaType string `json:"media_type,omitempty"`
	}
	items := make([]item, 0, len(images)+1)
	for _, img := range images {
		items = append(items, item{
			Type:      "image",
			ImageURL:  "data:" + img.MediaType + ";base64," + img.Data,
			MediaType: img.MediaType,
		})
	}
	items = append(items, item{Type: "text", Text: text})

	return encodeSubmission(map[string]any{
		"type":  "user_input",
		"items": items,
	})
}

// EncodeControlResponse answers an approval request. Codex approvals are
// surfaced as single-question control requests, so the first selected option
// decides.
func (r *Runner) EncodeControlResponse(req *control.Request, resp *control.Response) ([]byte, error) {
	if req.Kind != control.KindAskUserQuestion || len(req.Questions) != 1 {
		return nil, fmt.Errorf("codex: unsupported control kind %q", req.Kind)
	}

	decision := "denied"
	if selected := resp.Answers[req.Questions[0].Question]; len(selected) > 0 && selected[0] == optionApprove {
		decision = "approved"
	}

	return encodeSubmission(map[string]any{
		"type":     "exec_approval",
		"id":       req.ID,
		"decision": decision,
	})
}
