// Package gitlocal implements the gitinfo.Service port using local git CLI
// commands against workspace working copies.
package gitlocal

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/git"
	"github.com/arthur-zhang/conduit/internal/port/database"
	"github.com/arthur-zhang/conduit/internal/port/gitinfo"
)

// Service reads pull-request preflight facts from workspace checkouts.
type Service struct {
	store database.Store
	pool  *git.Pool
}

// NewService creates a Service that limits concurrent git operations via pool.
func NewService(store database.Store, pool *git.Pool) *Service {
	return &Service{store: store, pool: pool}
}

// Preflight returns the facts the UI needs before offering a pull-request
// action: current branch, uncommitted file count, and upstream push status.
func (s *Service) Preflight(ctx context.Context, workspaceID uuid.UUID) (*gitinfo.Preflight, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var facts *gitinfo.Preflight
	err = s.pool.Run(ctx, func() error {
		facts = &gitinfo.Preflight{}

		branch, err := runGit(ctx, ws.Path, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return fmt.Errorf("gitlocal: get branch: %w", err)
		}
		facts.Branch = strings.TrimSpace(branch)

		porcelain, err := runGit(ctx, ws.Path, "status", "--porcelain")
		if err != nil {
			return fmt.Errorf("gitlocal: porcelain status: %w", err)
		}
		for _, line := range strings.Split(porcelain, "\n") {
			if strings.TrimSpace(line) != "" {
				facts.UncommittedFiles++
			}
		}

		// Pushed when an upstream exists and holds every local commit.
		revList, revErr := runGit(ctx, ws.Path, "rev-list", "--count", "@{upstream}..HEAD")
		if revErr == nil {
			ahead, _ := strconv.Atoi(strings.TrimSpace(revList))
			facts.PushedUpstream = ahead == 0
		}

		// The PR flow records created PR numbers under
		// branch.<name>.conduit-pr; a branch without one stays at zero.
		if out, ghErr := runGit(ctx, ws.Path, "config", "--get",
			fmt.Sprintf("branch.%s.conduit-pr", facts.Branch)); ghErr == nil {
			if n, convErr := strconv.Atoi(strings.TrimSpace(out)); convErr == nil {
				facts.ExistingPR = n
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return facts, nil
}

// runGit executes a git command and returns its stdout.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
