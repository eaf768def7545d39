// Package agentrunner defines the provider port: everything the orchestrator
// needs from one agent CLI kind: how to spawn it, how to talk to its stdin,
// and how to normalize its output into canonical events. Provider dispatch
// happens once, at this boundary.
package agentrunner

import (
	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/event"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// Parser turns raw provider output lines into canonical events. One Parser
// instance serves one process; it may buffer to coalesce streamed text and
// partial tool output, but holds no other state.
type Parser interface {
	// ParseLine returns zero or more canonical events for one output line.
	// An undecodable line yields a single raw diagnostic event; it never
	// aborts the stream.
	ParseLine(line []byte) []event.AgentEvent
}

// Runner describes one agent provider.
type Runner interface {
	// Name returns the provider identifier ("claude", "codex", "gemini").
	Name() string

	// SpawnArgs returns the argv (excluding the binary) to start the CLI in
	// streaming mode. resumeID is empty for a fresh conversation and ignored
	// by providers that do not support resumption.
	SpawnArgs(mode session.Mode, model, resumeID string) []string

	// SupportsResume reports whether the provider can resume a prior
	// conversation via SpawnArgs' resumeID.
	SupportsResume() bool

	// NewParser returns a fresh Parser for one spawned process.
	NewParser() Parser

	// EncodeTurn encodes a user message as one line for the process's input
	// channel.
	EncodeTurn(text string, images []session.ImageAttachment) ([]byte, error)

	// EncodeControlResponse encodes the answer to a pending control request
	// as one line for the process's input channel.
	EncodeControlResponse(req *control.Request, resp *control.Response) ([]byte, error)
}
