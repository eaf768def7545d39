// Package gitinfo defines the consumed-only interface to the workspace/git
// service. The orchestrator reads preflight facts for pull-request flows but
// never executes git commands itself.
package gitinfo

import (
	"context"

	"github.com/google/uuid"
)

// Preflight holds the facts the UI needs before offering a pull-request
// action on a workspace.
type Preflight struct {
	Branch           string `json:"branch"`
	UncommittedFiles int    `json:"uncommitted_files"`
	PushedUpstream   bool   `json:"pushed_upstream"`
	ExistingPR       int    `json:"existing_pr,omitempty"`
}

// Service provides workspace git facts.
type Service interface {
	Preflight(ctx context.Context, workspaceID uuid.UUID) (*Preflight, error)
}
