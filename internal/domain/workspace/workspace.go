// Package workspace defines the workspace and repository entities consumed
// by the orchestrator, and the fork seed entity it produces. Workspaces are
// created and mutated by the external workspace/git service; the core only
// reads their path and branch.
package workspace

import (
	"time"

	"github.com/google/uuid"
)

// Repository is a registered source repository.
type Repository struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
}

// Workspace is one working copy (typically a git worktree) that a session
// binds to.
type Workspace struct {
	ID           uuid.UUID  `json:"id"`
	RepositoryID uuid.UUID  `json:"repository_id"`
	Name         string     `json:"name"`
	Branch       string     `json:"branch"`
	Path         string     `json:"path"`
	IsDefault    bool       `json:"is_default"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
	ArchivedSHA  string     `json:"archived_sha,omitempty"`
}

// ForkSeed records one generated fork seed prompt. Created once per fork and
// never mutated; SeedHash is unique per (parent session, parent workspace)
// so an identical second fork returns the existing seed.
type ForkSeed struct {
	ID                uuid.UUID `json:"id"`
	SourceProvider    string    `json:"source_provider"`
	ParentSessionID   uuid.UUID `json:"parent_session_id"`
	ParentWorkspaceID uuid.UUID `json:"parent_workspace_id"`
	SeedHash          string    `json:"seed_hash"`
	SeedPath          string    `json:"seed_path"`
	EstimatedTokens   int64     `json:"estimated_tokens"`
	ContextWindow     int64     `json:"context_window"`
	AckFiltered       bool      `json:"ack_filtered"`
	CreatedAt         time.Time `json:"created_at"`
}
