package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/database"
)

// TabRegistry enforces the tab layer's structural rule: at most one open
// tab per workspace. It owns tab row lifecycle; runtime state stays with
// the supervisors.
type TabRegistry struct {
	store database.Store
	log   *slog.Logger
}

// NewTabRegistry creates a registry over store.
func NewTabRegistry(store database.Store, log *slog.Logger) *TabRegistry {
	return &TabRegistry{store: store, log: log}
}

// OpenTab creates a fresh tab row for the workspace. Reopening a workspace
// always creates a new row; any tab already open for the same workspace is
// closed first so the one-open-tab rule holds at every write. forkLineage
// links a forked session to its lineage and may be the zero UUID.
func (r *TabRegistry) OpenTab(ctx context.Context, workspaceID uuid.UUID, provider session.Provider, mode session.Mode, model string, forkLineage uuid.UUID) (*session.Session, error) {
	open, err := r.store.ListOpenTabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open tabs: %w", err)
	}
	for _, t := range open {
		if t.WorkspaceID == workspaceID {
			if err := r.store.MarkClosed(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("close displaced tab %s: %w", t.ID, err)
			}
			r.log.Info("closed displaced tab", "tab_id", t.ID, "workspace_id", workspaceID)
		}
	}

	pos, err := r.store.NextPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("next tab position: %w", err)
	}

	now := time.Now()
	tab := &session.Session{
		ID:            uuid.New(),
		Position:      pos,
		WorkspaceID:   workspaceID,
		Provider:      provider,
		Mode:          mode,
		Model:         model,
		IsOpen:        true,
		ForkLineageID: forkLineage,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateTab(ctx, tab); err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	return tab, nil
}

// Reconcile restores the one-open-tab-per-workspace rule over whatever the
// store currently holds. For each workspace with multiple open tabs the one
// with the lowest position stays open and the rest are closed. Returns the
// surviving open tabs ordered by position. Idempotent: a second run is a
// no-op.
func (r *TabRegistry) Reconcile(ctx context.Context) ([]session.Session, error) {
	open, err := r.store.ListOpenTabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open tabs: %w", err)
	}

	keep := make(map[uuid.UUID]session.Session)
	for _, t := range open {
		best, ok := keep[t.WorkspaceID]
		if !ok || t.Position < best.Position {
			keep[t.WorkspaceID] = t
		}
	}

	var survivors []session.Session
	for _, t := range open {
		if keep[t.WorkspaceID].ID != t.ID {
			if err := r.store.MarkClosed(ctx, t.ID); err != nil {
				return nil, fmt.Errorf("close duplicate tab %s: %w", t.ID, err)
			}
			r.log.Warn("closed duplicate open tab",
				"tab_id", t.ID, "workspace_id", t.WorkspaceID, "position", t.Position)
			continue
		}
		survivors = append(survivors, t)
	}

	// ListOpenTabs orders by position; filtering preserves that order.
	return survivors, nil
}
