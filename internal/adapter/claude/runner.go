// Package claude implements the agentrunner port for the Claude Code CLI,
// driven in stream-json mode over stdin/stdout.
package claude

import (
	"encoding/json"
	"fmt"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
)

const providerName = "claude"

// Runner drives the Claude Code CLI.
type Runner struct{}

// New creates a Claude runner.
func New() *Runner { return &Runner{} }

// Register registers the Claude runner factory.
func Register() {
	agentrunner.Register(providerName, func(_ map[string]string) (agentrunner.Runner, error) {
		return New(), nil
	})
}

// Name returns "claude".
func (r *Runner) Name() string { return providerName }

// SupportsResume returns true; Claude Code resumes via --resume.
func (r *Runner) SupportsResume() bool { return true }

// SpawnArgs builds the argv for a streaming Claude Code session.
func (r *Runner) SpawnArgs(mode session.Mode, model, resumeID string) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if mode == session.ModePlan {
		args = append(args, "--permission-mode", "plan")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	return args
}

// NewParser returns a fresh stream-json parser.
func (r *Runner) NewParser() agentrunner.Parser { return newParser() }

// wire shapes for stream-json stdin.

type wireContent struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Source    *wireImageSource  `json:"source,omitempty"`
	ToolUseID string            `json:"tool_use_id,omitempty"`
	Content   json.RawMessage   `json:"content,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireEnvelope struct {
	Type    string      `json:"type"`
	Message wireMessage `json:"message"`
}

// EncodeTurn encodes a user message as a stream-json user envelope.
func (r *Runner) EncodeTurn(text string, images []session.ImageAttachment) ([]byte, error) {
	content := make([]wireContent, 0, len(images)+1)
	for _, img := range images {
		content = append(content, wireContent{
			Type: "image",
			Source: &wireImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	content = append(content, wireContent{Type: "text", Text: text})

	data, err := json.Marshal(wireEnvelope{
		Type:    "user",
		Message: wireMessage{Role: "user", Content: content},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: encode turn: %w", err)
	}
	return data, nil
}

// EncodeControlResponse answers a pending interactive request as a
// tool_result on the interrupted tool_use id.
func (r *Runner) EncodeControlResponse(req *control.Request, resp *control.Response) ([]byte, error) {
	var payload any
	switch req.Kind {
	case control.KindAskUserQuestion:
		payload = map[string]any{"answers": resp.Answers}
	case control.KindExitPlanMode:
		if resp.Approved {
			payload = map[string]any{"approved": true}
		} else {
			payload = map[string]any{"approved": false, "feedback": resp.Feedback}
		}
	default:
		return nil, fmt.Errorf("claude: unsupported control kind %q", req.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("claude: encode control payload: %w", err)
	}

	data, err := json.Marshal(wireEnvelope{
		Type: "user",
		Message: wireMessage{
			Role: "user",
			Content: []wireContent{{
				Type:      "tool_result",
				ToolUseID: req.ID,
				Content:   raw,
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: encode control response: %w", err)
	}
	return data, nil
}
