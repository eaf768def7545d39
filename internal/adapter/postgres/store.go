package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arthur-zhang/conduit/internal/domain"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/domain/workspace"
	"github.com/arthur-zhang/conduit/internal/port/database"
)

const tabColumns = `id, tab_position, workspace_id, provider, mode, is_open,
	agent_session_id, model, model_invalid, pull_request_number,
	queued_messages, input_history, pending_message, fork_lineage_id,
	title, title_generated, created_at, updated_at`

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// nullUUID returns nil for the zero UUID (for nullable UUID columns).
func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// --- Tabs ---

func (s *Store) CreateTab(ctx context.Context, t *session.Session) error {
	queuedJSON, historyJSON, err := marshalTabLists(t.Queued, t.InputHistory)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_tabs (id, tab_position, workspace_id, provider, mode, is_open,
		   agent_session_id, model, model_invalid, pull_request_number,
		   queued_messages, input_history, pending_message, fork_lineage_id,
		   title, title_generated, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.Position, t.WorkspaceID, string(t.Provider), string(t.Mode), t.IsOpen,
		t.AgentSessionID, t.Model, t.ModelInvalid, t.PullRequestNumber,
		queuedJSON, historyJSON, t.Pending, nullUUID(t.ForkLineageID),
		t.Title, t.TitleGenerated, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tab %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTab(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tabColumns+` FROM session_tabs WHERE id = $1`, id)

	t, err := scanTab(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get tab %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get tab %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) ListTabs(ctx context.Context) ([]session.Session, error) {
	return s.listTabs(ctx,
		`SELECT `+tabColumns+` FROM session_tabs ORDER BY tab_position ASC`)
}

func (s *Store) ListOpenTabs(ctx context.Context) ([]session.Session, error) {
	return s.listTabs(ctx,
		`SELECT `+tabColumns+` FROM session_tabs WHERE is_open ORDER BY tab_position ASC`)
}

func (s *Store) listTabs(ctx context.Context, query string) ([]session.Session, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer rows.Close()

	var tabs []session.Session
	for rows.Next() {
		t, err := scanTab(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tab: %w", err)
		}
		tabs = append(tabs, t)
	}
	return tabs, rows.Err()
}

func (s *Store) UpdateTab(ctx context.Context, id uuid.UUID, patch database.TabPatch) error {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.AgentSessionID != nil {
		add("agent_session_id", *patch.AgentSessionID)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.ModelInvalid != nil {
		add("model_invalid", *patch.ModelInvalid)
	}
	if patch.PullRequest != nil {
		add("pull_request_number", *patch.PullRequest)
	}
	if patch.Queued != nil {
		data, err := json.Marshal(*patch.Queued)
		if err != nil {
			return fmt.Errorf("marshal queued_messages: %w", err)
		}
		add("queued_messages", data)
	}
	if patch.InputHistory != nil {
		data, err := json.Marshal(*patch.InputHistory)
		if err != nil {
			return fmt.Errorf("marshal input_history: %w", err)
		}
		add("input_history", data)
	}
	if patch.Pending != nil {
		add("pending_message", *patch.Pending)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.TitleGenerated != nil {
		add("title_generated", *patch.TitleGenerated)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE session_tabs SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update tab %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update tab %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkClosed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session_tabs SET is_open = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark tab closed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark tab closed %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) NextPosition(ctx context.Context) (int, error) {
	var pos int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(tab_position), -1) + 1 FROM session_tabs WHERE is_open`).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("next tab position: %w", err)
	}
	return pos, nil
}

// --- Workspaces ---

func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, repository_id, name, branch, path, is_default, created_at, last_accessed, archived_at, archived_sha
		 FROM workspaces WHERE id = $1`, id)

	w, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get workspace %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return &w, nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]workspace.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, repository_id, name, branch, path, is_default, created_at, last_accessed, archived_at, archived_sha
		 FROM workspaces WHERE archived_at IS NULL ORDER BY last_accessed DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []workspace.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) TouchWorkspace(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workspaces SET last_accessed = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch workspace %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch workspace %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// --- Fork seeds ---

func (s *Store) SaveForkSeed(ctx context.Context, seed *workspace.ForkSeed) (*workspace.ForkSeed, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO fork_seeds (id, source_provider, parent_session_id, parent_workspace_id,
		   seed_hash, seed_path, estimated_tokens, context_window, ack_filtered, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (parent_session_id, parent_workspace_id, seed_hash) DO NOTHING`,
		seed.ID, seed.SourceProvider, seed.ParentSessionID, seed.ParentWorkspaceID,
		seed.SeedHash, seed.SeedPath, seed.EstimatedTokens, seed.ContextWindow, seed.AckFiltered, seed.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("save fork seed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return seed, true, nil
	}

	// Conflict: return the seed recorded by the earlier identical fork.
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_provider, parent_session_id, parent_workspace_id,
		   seed_hash, seed_path, estimated_tokens, context_window, ack_filtered, created_at
		 FROM fork_seeds
		 WHERE parent_session_id = $1 AND parent_workspace_id = $2 AND seed_hash = $3`,
		seed.ParentSessionID, seed.ParentWorkspaceID, seed.SeedHash)

	var existing workspace.ForkSeed
	if err := row.Scan(&existing.ID, &existing.SourceProvider, &existing.ParentSessionID,
		&existing.ParentWorkspaceID, &existing.SeedHash, &existing.SeedPath,
		&existing.EstimatedTokens, &existing.ContextWindow, &existing.AckFiltered,
		&existing.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("load existing fork seed: %w", err)
	}
	return &existing, false, nil
}

func (s *Store) GetForkSeed(ctx context.Context, id uuid.UUID) (*workspace.ForkSeed, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_provider, parent_session_id, parent_workspace_id,
		   seed_hash, seed_path, estimated_tokens, context_window, ack_filtered, created_at
		 FROM fork_seeds WHERE id = $1`, id)

	var seed workspace.ForkSeed
	err := row.Scan(&seed.ID, &seed.SourceProvider, &seed.ParentSessionID,
		&seed.ParentWorkspaceID, &seed.SeedHash, &seed.SeedPath,
		&seed.EstimatedTokens, &seed.ContextWindow, &seed.AckFiltered, &seed.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get fork seed %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get fork seed %s: %w", id, err)
	}
	return &seed, nil
}

// --- App state ---

func (s *Store) GetAppState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM app_state WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("get app state %s: %w", key, domain.ErrNotFound)
		}
		return "", fmt.Errorf("get app state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetAppState(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO app_state (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set app state %s: %w", key, err)
	}
	return nil
}

// --- Scanners ---

func marshalTabLists(queued []session.QueuedMessage, history []string) ([]byte, []byte, error) {
	if queued == nil {
		queued = []session.QueuedMessage{}
	}
	if history == nil {
		history = []string{}
	}
	queuedJSON, err := json.Marshal(queued)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal queued_messages: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal input_history: %w", err)
	}
	return queuedJSON, historyJSON, nil
}

func scanTab(row scannable) (session.Session, error) {
	var t session.Session
	var provider, mode string
	var queuedJSON, historyJSON []byte
	var forkLineage *uuid.UUID

	err := row.Scan(&t.ID, &t.Position, &t.WorkspaceID, &provider, &mode, &t.IsOpen,
		&t.AgentSessionID, &t.Model, &t.ModelInvalid, &t.PullRequestNumber,
		&queuedJSON, &historyJSON, &t.Pending, &forkLineage,
		&t.Title, &t.TitleGenerated, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}

	t.Provider = session.Provider(provider)
	t.Mode = session.Mode(mode)
	if forkLineage != nil {
		t.ForkLineageID = *forkLineage
	}
	if err := json.Unmarshal(queuedJSON, &t.Queued); err != nil {
		return t, fmt.Errorf("unmarshal queued_messages: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &t.InputHistory); err != nil {
		return t, fmt.Errorf("unmarshal input_history: %w", err)
	}
	return t, nil
}

func scanWorkspace(row scannable) (workspace.Workspace, error) {
	var w workspace.Workspace
	err := row.Scan(&w.ID, &w.RepositoryID, &w.Name, &w.Branch, &w.Path,
		&w.IsDefault, &w.CreatedAt, &w.LastAccessed, &w.ArchivedAt, &w.ArchivedSHA)
	return w, err
}
