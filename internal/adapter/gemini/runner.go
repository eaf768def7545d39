// Package gemini implements the agentrunner port for the Gemini CLI in
// stream-json mode. Gemini has no resumable conversation state and no
// interactive control requests; the adapter covers spawn, turn encoding,
// and output normalization only.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
)

const providerName = "gemini"

// Runner drives the Gemini CLI.
type Runner struct{}

// New creates a Gemini runner.
func New() *Runner { return &Runner{} }

// Register registers the Gemini runner factory.
func Register() {
	agentrunner.Register(providerName, func(_ map[string]string) (agentrunner.Runner, error) {
		return New(), nil
	})
}

// Name returns "gemini".
func (r *Runner) Name() string { return providerName }

// SupportsResume returns false; every spawn starts a fresh conversation.
func (r *Runner) SupportsResume() bool { return false }

// SpawnArgs builds the argv for a streaming Gemini session.
func (r *Runner) SpawnArgs(mode session.Mode, model, _ string) []string {
	args := []string{"--output-format", "stream-json", "--yolo"}
	if mode == session.ModePlan {
		// Plan mode keeps Gemini read-only instead of auto-approving edits.
		args = []string{"--output-format", "stream-json", "--approval-mode", "plan"}
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// NewParser returns a fresh stream parser.
func (r *Runner) NewParser() agentrunner.Parser { return newParser() }

// EncodeTurn encodes a user message as one JSON input line. Images are not
// supported on Gemini's stdin protocol and are dropped with the text kept.
func (r *Runner) EncodeTurn(text string, _ []session.ImageAttachment) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"type": "user", "text": text})
	if err != nil {
		return nil, fmt.Errorf("gemini: encode turn: %w", err)
	}
	return data, nil
}

// EncodeControlResponse always fails: the Gemini adapter never emits
// control requests, so there is nothing to answer.
func (r *Runner) EncodeControlResponse(req *control.Request, _ *control.Response) ([]byte, error) {
	return nil, fmt.Errorf("gemini: control responses not supported (request %s)", req.ID)
}
