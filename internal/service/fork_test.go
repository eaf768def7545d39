package service

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/domain/workspace"
)

func forkFixture(t *testing.T) (*ForkService, *fakeStore, session.Session) {
	t.Helper()

	store := newFakeStore()
	wsID := uuid.New()
	store.workspaces[wsID] = &workspace.Workspace{
		ID:     wsID,
		Name:   "feature-x",
		Branch: "feat/x",
		Path:   "/tmp/feature-x",
	}

	cfg := config.Defaults()
	windows := NewContextWindows(&cfg, nil)
	svc := NewForkService(store, windows, t.TempDir(), discardLogger())

	snap := session.Session{
		ID:           uuid.New(),
		WorkspaceID:  wsID,
		Provider:     session.ProviderClaude,
		Model:        "claude-sonnet-4-5",
		Title:        "Build the widget",
		InputHistory: []string{"build a widget", "add tests for it"},
	}
	return svc, store, snap
}

// TestFork_CreateSeedWritesFileAndRecord verifies a fork produces a seed file
// on disk and a stored record with the transcript-derived metadata.
func TestFork_CreateSeedWritesFileAndRecord(t *testing.T) {
	t.Parallel()

	svc, _, snap := forkFixture(t)

	seed, created, err := svc.CreateSeed(context.Background(), snap)
	if err != nil {
		t.Fatalf("CreateSeed: %v", err)
	}
	if !created {
		t.Fatal("first fork reported created=false")
	}
	if seed.ParentSessionID != snap.ID || seed.ParentWorkspaceID != snap.WorkspaceID {
		t.Errorf("seed lineage = %s/%s, want %s/%s",
			seed.ParentSessionID, seed.ParentWorkspaceID, snap.ID, snap.WorkspaceID)
	}
	if seed.SourceProvider != "claude" {
		t.Errorf("source provider = %q, want claude", seed.SourceProvider)
	}
	if seed.ContextWindow != 200_000 {
		t.Errorf("context window = %d, want 200000", seed.ContextWindow)
	}
	if seed.AckFiltered {
		t.Error("ack filter fired on a substantive transcript")
	}

	data, err := os.ReadFile(seed.SeedPath)
	if err != nil {
		t.Fatalf("read seed file: %v", err)
	}
	text := string(data)
	for _, want := range []string{"feature-x", "feat/x", "1. build a widget", "2. add tests for it", "Build the widget"} {
		if !strings.Contains(text, want) {
			t.Errorf("seed prompt missing %q", want)
		}
	}
	if seed.EstimatedTokens != int64((len(text)+3)/4) {
		t.Errorf("estimated tokens = %d for %d bytes", seed.EstimatedTokens, len(text))
	}
}

// TestFork_IdempotentForIdenticalInputs verifies forking the same session
// twice returns the first seed instead of creating a duplicate.
func TestFork_IdempotentForIdenticalInputs(t *testing.T) {
	t.Parallel()

	svc, store, snap := forkFixture(t)
	ctx := context.Background()

	first, created, err := svc.CreateSeed(ctx, snap)
	if err != nil || !created {
		t.Fatalf("first CreateSeed: created=%v err=%v", created, err)
	}

	second, created, err := svc.CreateSeed(ctx, snap)
	if err != nil {
		t.Fatalf("second CreateSeed: %v", err)
	}
	if created {
		t.Error("identical second fork reported created=true")
	}
	if second.ID != first.ID || second.SeedHash != first.SeedHash {
		t.Errorf("second seed = %s/%s, want the original %s/%s",
			second.ID, second.SeedHash, first.ID, first.SeedHash)
	}

	store.mu.Lock()
	seedCount := len(store.seeds)
	store.mu.Unlock()
	if seedCount != 1 {
		t.Errorf("stored seeds = %d, want 1", seedCount)
	}
}

// TestFork_ChangedHistoryCreatesNewSeed verifies additional conversation
// since the last fork produces a distinct seed.
func TestFork_ChangedHistoryCreatesNewSeed(t *testing.T) {
	t.Parallel()

	svc, _, snap := forkFixture(t)
	ctx := context.Background()

	first, _, err := svc.CreateSeed(ctx, snap)
	if err != nil {
		t.Fatalf("first CreateSeed: %v", err)
	}

	snap.InputHistory = append(snap.InputHistory, "now refactor the widget")
	second, created, err := svc.CreateSeed(ctx, snap)
	if err != nil {
		t.Fatalf("second CreateSeed: %v", err)
	}
	if !created {
		t.Error("fork after new history reported created=false")
	}
	if second.SeedHash == first.SeedHash {
		t.Error("seed hash unchanged despite new history")
	}
}

// TestFork_TrailingAckFiltered verifies a bare trailing acknowledgement is
// dropped from the seed prompt and flagged on the record.
func TestFork_TrailingAckFiltered(t *testing.T) {
	t.Parallel()

	svc, _, snap := forkFixture(t)
	snap.InputHistory = []string{"implement the parser", "Thanks!"}

	seed, _, err := svc.CreateSeed(context.Background(), snap)
	if err != nil {
		t.Fatalf("CreateSeed: %v", err)
	}
	if !seed.AckFiltered {
		t.Error("trailing acknowledgement not flagged as filtered")
	}

	data, err := os.ReadFile(seed.SeedPath)
	if err != nil {
		t.Fatalf("read seed file: %v", err)
	}
	if strings.Contains(strings.ToLower(string(data)), "thanks") {
		t.Error("trailing acknowledgement leaked into the seed prompt")
	}
	if !strings.Contains(string(data), "implement the parser") {
		t.Error("substantive history missing from the seed prompt")
	}
}

// TestFork_AckOnlyInMiddleKept verifies the filter only touches the trailing
// entry; an acknowledgement mid-conversation is context worth keeping.
func TestFork_AckOnlyInMiddleKept(t *testing.T) {
	t.Parallel()

	svc, _, snap := forkFixture(t)
	snap.InputHistory = []string{"implement the parser", "ok", "now add error recovery"}

	seed, _, err := svc.CreateSeed(context.Background(), snap)
	if err != nil {
		t.Fatalf("CreateSeed: %v", err)
	}
	if seed.AckFiltered {
		t.Error("mid-conversation acknowledgement incorrectly filtered")
	}

	data, _ := os.ReadFile(seed.SeedPath)
	if !strings.Contains(string(data), "2. ok") {
		t.Error("mid-conversation entry dropped from seed prompt")
	}
}

// TestFork_MissingWorkspaceFails verifies a fork against an unknown workspace
// surfaces the lookup failure.
func TestFork_MissingWorkspaceFails(t *testing.T) {
	t.Parallel()

	svc, _, snap := forkFixture(t)
	snap.WorkspaceID = uuid.New()

	if _, _, err := svc.CreateSeed(context.Background(), snap); err == nil {
		t.Fatal("expected error for unknown workspace")
	}
}
