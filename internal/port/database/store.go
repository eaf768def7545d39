// Package database defines the persistence port for tabs, workspaces, fork
// seeds, and orchestrator-adjacent app state.
package database

import (
	"context"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/domain/workspace"
)

// TabPatch is a partial write-through update of a tab row. Nil fields are
// left unchanged.
type TabPatch struct {
	AgentSessionID *string
	Model          *string
	ModelInvalid   *bool
	PullRequest    *int
	Queued         *[]session.QueuedMessage
	InputHistory   *[]string
	Pending        *string
	Title          *string
	TitleGenerated *bool
}

// Store is the durable record of tabs/sessions/workspaces. Writes are
// write-through: callers persist immediately after each state transition.
type Store interface {
	// Tabs.
	CreateTab(ctx context.Context, s *session.Session) error
	GetTab(ctx context.Context, id uuid.UUID) (*session.Session, error)
	ListTabs(ctx context.Context) ([]session.Session, error)
	ListOpenTabs(ctx context.Context) ([]session.Session, error)
	UpdateTab(ctx context.Context, id uuid.UUID, patch TabPatch) error
	// MarkClosed sets is_open = false and retains the row.
	MarkClosed(ctx context.Context, id uuid.UUID) error
	// NextPosition returns the next free tab position.
	NextPosition(ctx context.Context) (int, error)

	// Workspaces (read-mostly; owned by the workspace/git service).
	GetWorkspace(ctx context.Context, id uuid.UUID) (*workspace.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error)
	TouchWorkspace(ctx context.Context, id uuid.UUID) error

	// Fork seeds. SaveForkSeed returns the existing row (and created=false)
	// when a seed with the same (parent session, parent workspace, hash)
	// already exists.
	SaveForkSeed(ctx context.Context, seed *workspace.ForkSeed) (stored *workspace.ForkSeed, created bool, err error)
	GetForkSeed(ctx context.Context, id uuid.UUID) (*workspace.ForkSeed, error)

	// App state key/value.
	GetAppState(ctx context.Context, key string) (string, error)
	SetAppState(ctx context.Context, key, value string) error
}
