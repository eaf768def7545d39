package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/domain/workspace"
	"github.com/arthur-zhang/conduit/internal/port/database"
)

// ackLines are bare trailing acknowledgements filtered from a seed
// transcript; they carry no context worth forwarding to the new session.
var ackLines = map[string]struct{}{
	"ok": {}, "okay": {}, "yes": {}, "y": {}, "sure": {}, "thanks": {},
	"thank you": {}, "sounds good": {}, "lgtm": {}, "go ahead": {},
	"do it": {}, "continue": {}, "proceed": {}, "yep": {}, "yup": {},
}

// ForkService builds and records fork seeds: a prompt summarizing a parent
// session's conversation context, handed to a freshly created
// session/workspace pair.
type ForkService struct {
	store   database.Store
	windows *ContextWindows
	dataDir string
	log     *slog.Logger
}

// NewForkService creates a fork service writing seed files under dataDir.
func NewForkService(store database.Store, windows *ContextWindows, dataDir string, log *slog.Logger) *ForkService {
	return &ForkService{store: store, windows: windows, dataDir: dataDir, log: log}
}

// CreateSeed builds the seed prompt for snap and records it. Idempotent: a
// second fork with identical inputs returns the existing seed with
// created=false instead of duplicating it.
func (f *ForkService) CreateSeed(ctx context.Context, snap session.Session) (*workspace.ForkSeed, bool, error) {
	ws, err := f.store.GetWorkspace(ctx, snap.WorkspaceID)
	if err != nil {
		return nil, false, fmt.Errorf("load parent workspace: %w", err)
	}

	text, ackFiltered := buildSeedPrompt(snap, ws)
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	seedDir := filepath.Join(f.dataDir, "seeds")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create seed dir: %w", err)
	}
	seedPath := filepath.Join(seedDir, hash[:16]+".md")
	if err := os.WriteFile(seedPath, []byte(text), 0o644); err != nil {
		return nil, false, fmt.Errorf("write seed file: %w", err)
	}

	seed := &workspace.ForkSeed{
		ID:                uuid.New(),
		SourceProvider:    string(snap.Provider),
		ParentSessionID:   snap.ID,
		ParentWorkspaceID: snap.WorkspaceID,
		SeedHash:          hash,
		SeedPath:          seedPath,
		EstimatedTokens:   estimateTokens(text),
		ContextWindow:     f.windows.Resolve(ctx, snap.Provider, snap.Model),
		AckFiltered:       ackFiltered,
		CreatedAt:         time.Now(),
	}

	stored, created, err := f.store.SaveForkSeed(ctx, seed)
	if err != nil {
		return nil, false, fmt.Errorf("save fork seed: %w", err)
	}
	if !created {
		f.log.Info("fork seed already exists",
			"seed_id", stored.ID, "parent_session_id", snap.ID)
	}
	return stored, created, nil
}

// buildSeedPrompt renders the context summary a forked session starts from,
// filtering a bare trailing acknowledgement if present.
func buildSeedPrompt(snap session.Session, ws *workspace.Workspace) (string, bool) {
	history := append([]string(nil), snap.InputHistory...)

	ackFiltered := false
	if n := len(history); n > 0 {
		last := strings.ToLower(strings.TrimRight(strings.TrimSpace(history[n-1]), ".!"))
		if _, ok := ackLines[last]; ok {
			history = history[:n-1]
			ackFiltered = true
		}
	}

	var b strings.Builder
	b.WriteString("# Forked session context\n\n")
	fmt.Fprintf(&b, "This session was forked from a conversation in workspace %q (branch %q).\n", ws.Name, ws.Branch)
	if snap.Title != "" {
		fmt.Fprintf(&b, "Parent session: %s\n", snap.Title)
	}
	b.WriteString("\nThe user's requests in the parent session, in order:\n\n")
	for i, line := range history {
		fmt.Fprintf(&b, "%d. %s\n", i+1, line)
	}
	b.WriteString("\nContinue this work in the new workspace. Re-read any relevant files before editing; the new workspace starts from the parent branch state, not the parent's uncommitted changes.\n")
	return b.String(), ackFiltered
}

// estimateTokens approximates the token count of text. Four bytes per token
// is close enough for seed sizing against a context window.
func estimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}
