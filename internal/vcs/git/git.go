// Package git provides a git implementation of the vcs.VCS interface.
//
// Gardens live side by side under one directory, so discovery is pinned to
// the garden itself: a garden without its own repository is reported as
// vcs.ErrNotInVCS rather than resolving to some enclosing repository.
//
// Usage:
//
//	import _ "github.com/mschirtzinger/gardensync/internal/vcs/git" // Auto-registers via init()
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mschirtzinger/gardensync/internal/vcs"
)

// init registers the git VCS implementation.
func init() {
	vcs.Register(vcs.TypeGit,
		func(path string) (vcs.VCS, error) { return New(path) },
		func(ctx context.Context, path string) (vcs.VCS, error) { return Init(ctx, path) },
	)
}

// Git implements the VCS interface for git repositories.
type Git struct {
	// repoRoot is the repository root directory path
	repoRoot string
}

// New opens the git repository rooted at path.
func New(path string) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, vcs.ErrVCSNotAvailable
	}

	root, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = root
	cmd.Env = ceiling(root)
	output, err := cmd.Output()
	if err != nil {
		return nil, vcs.ErrNotInVCS
	}

	top := normalizeRepoRoot(strings.TrimSpace(string(output)))
	if top != normalizeRepoRoot(root) {
		return nil, vcs.ErrNotInVCS
	}
	return &Git{repoRoot: top}, nil
}

// Init creates a repository at path with an initial commit of whatever
// the directory already holds.
func Init(ctx context.Context, path string) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, vcs.ErrVCSNotAvailable
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	cmd := exec.CommandContext(ctx, "git", "init", "--quiet")
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git init failed: %w\n%s", err, string(output))
	}

	g, err := New(path)
	if err != nil {
		return nil, err
	}
	if err := g.Commit(ctx, "Initial garden"); err != nil {
		return nil, err
	}
	return g, nil
}

// ceiling stops git from discovering a repository above dir.
func ceiling(dir string) []string {
	return append(os.Environ(), "GIT_CEILING_DIRECTORIES="+filepath.Dir(dir))
}

// normalizeRepoRoot resolves symlinks so paths compare reliably
func normalizeRepoRoot(path string) string {
	path = filepath.FromSlash(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// Version returns the git version string
func (g *Git) Version() (string, error) {
	cmd := exec.Command("git", "--version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git version: %w", err)
	}

	// Output format: "git version 2.39.0"
	return strings.TrimPrefix(strings.TrimSpace(string(output)), "git version "), nil
}

// RepoRoot returns the repository root directory path
func (g *Git) RepoRoot() (string, error) {
	if g.repoRoot == "" {
		return "", vcs.ErrNotInVCS
	}
	return g.repoRoot, nil
}

// Exec executes a raw git command
func (g *Git) Exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoRoot
	cmd.Env = ceiling(g.repoRoot)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s",
			strings.Join(args, " "), err, string(output))
	}
	return output, nil
}

// Head returns the commit HEAD points at.
func (g *Git) Head(ctx context.Context) (vcs.Head, error) {
	output, err := g.Exec(ctx, "log", "-1", "--format=%H%x00%ct%x00%s")
	if err != nil {
		if strings.Contains(string(output), "does not have any commits") ||
			strings.Contains(string(output), "bad default revision") {
			return vcs.Head{}, vcs.ErrNoCommits
		}
		return vcs.Head{}, err
	}

	parts := strings.SplitN(strings.TrimSpace(string(output)), "\x00", 3)
	if len(parts) != 3 {
		return vcs.Head{}, fmt.Errorf("unexpected git log output: %q", output)
	}
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return vcs.Head{}, fmt.Errorf("unexpected commit time %q: %w", parts[1], err)
	}

	head := vcs.Head{Hash: parts[0], Subject: parts[2], Time: time.Unix(secs, 0)}

	// symbolic-ref fails when HEAD is detached, which is not an error here
	if branch, err := g.Exec(ctx, "symbolic-ref", "--short", "-q", "HEAD"); err == nil {
		head.Branch = strings.TrimSpace(string(branch))
	}
	return head, nil
}

// Dirty reports whether the working tree differs from HEAD.
func (g *Git) Dirty(ctx context.Context) (bool, error) {
	output, err := g.Exec(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// Commit stages everything and commits it. An unchanged tree is not an
// error.
func (g *Git) Commit(ctx context.Context, message string) error {
	if _, err := g.Exec(ctx, "add", "-A"); err != nil {
		return err
	}

	dirty, err := g.Dirty(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		if _, err := g.Head(ctx); !errors.Is(err, vcs.ErrNoCommits) {
			return err
		}
	}

	args := []string{
		"-c", "user.name=gardensync", "-c", "user.email=gardensync@localhost",
		"commit", "--quiet", "-m", message,
	}
	if !dirty {
		// An empty garden still gets a root commit so HEAD resolves
		args = append(args, "--allow-empty")
	}
	_, err = g.Exec(ctx, args...)
	return err
}
