package service

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/port/gitinfo"
)

// fakeGit is a scripted gitinfo.Service.
type fakeGit struct {
	facts *gitinfo.Preflight
	err   error
}

func (f fakeGit) Preflight(_ context.Context, _ uuid.UUID) (*gitinfo.Preflight, error) {
	return f.facts, f.err
}

// TestOrchestrator_PreflightRecordsPullRequest verifies a PR number reported
// by the git service is written through to the workspace's live session.
func TestOrchestrator_PreflightRecordsPullRequest(t *testing.T) {
	t.Parallel()

	sup, _, store, _ := newTestSupervisor(t, nil)
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := sup.Session()

	cfg := config.Defaults()
	git := fakeGit{facts: &gitinfo.Preflight{Branch: "main", ExistingPR: 7}}
	o := NewOrchestrator(&cfg, store, nil, nil, git, nil, nil, discardLogger())
	o.sups[snap.ID] = sup

	facts, err := o.Preflight(context.Background(), snap.WorkspaceID)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if facts.ExistingPR != 7 {
		t.Fatalf("existing PR = %d, want 7", facts.ExistingPR)
	}

	if got := sup.Session().PullRequestNumber; got != 7 {
		t.Errorf("session PR number = %d, want 7", got)
	}
	stored, err := store.GetTab(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("GetTab: %v", err)
	}
	if stored.PullRequestNumber != 7 {
		t.Errorf("persisted PR number = %d, want 7", stored.PullRequestNumber)
	}
}

// TestOrchestrator_PreflightWithoutGitService verifies the not-found error
// when no git service is wired.
func TestOrchestrator_PreflightWithoutGitService(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	o := NewOrchestrator(&cfg, newFakeStore(), nil, nil, nil, nil, nil, discardLogger())

	if _, err := o.Preflight(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected error with no git service wired")
	}
}
