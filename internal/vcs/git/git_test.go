package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/gardensync/internal/vcs"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestNewOutsideRepository(t *testing.T) {
	requireGit(t)

	if _, err := New(t.TempDir()); !errors.Is(err, vcs.ErrNotInVCS) {
		t.Errorf("Expected ErrNotInVCS, got %v", err)
	}
}

func TestNewIgnoresEnclosingRepository(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	root := t.TempDir()
	if _, err := Init(ctx, root); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	inner := filepath.Join(root, "notes")
	if err := os.MkdirAll(inner, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := New(inner); !errors.Is(err, vcs.ErrNotInVCS) {
		t.Errorf("A garden inside another repository must not resolve to it, got %v", err)
	}
}

func TestInitHeadAndCommit(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "notes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := Init(ctx, dir)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if g.Name() != vcs.TypeGit {
		t.Errorf("Name() = %v, want %v", g.Name(), vcs.TypeGit)
	}
	if v, err := g.Version(); err != nil || v == "" {
		t.Errorf("Version() = %q, %v", v, err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if root, err := g.RepoRoot(); err != nil || root != want {
		t.Errorf("RepoRoot() = %q, %v, want %q", root, err, want)
	}

	head, err := g.Head(ctx)
	if err != nil {
		t.Fatalf("Head() failed: %v", err)
	}
	if head.Subject != "Initial garden" || len(head.Hash) != 40 || head.Branch == "" {
		t.Errorf("Unexpected head %+v", head)
	}
	if len(head.Short()) != 8 {
		t.Errorf("Short() = %q", head.Short())
	}

	dirty, err := g.Dirty(ctx)
	if err != nil || dirty {
		t.Errorf("Fresh garden should be clean: %v, %v", dirty, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.md"), []byte("beta"), 0o644); err != nil {
		t.Fatal(err)
	}
	if dirty, _ := g.Dirty(ctx); !dirty {
		t.Error("New file should make the garden dirty")
	}
	if err := g.Commit(ctx, "Add b"); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	next, _ := g.Head(ctx)
	if next.Hash == head.Hash || next.Subject != "Add b" {
		t.Errorf("Expected a new commit, got %+v", next)
	}

	// Nothing to commit is not an error and creates no commit
	if err := g.Commit(ctx, "noop"); err != nil {
		t.Fatalf("Commit() on clean tree failed: %v", err)
	}
	if again, _ := g.Head(ctx); again.Hash != next.Hash {
		t.Error("Clean commit should not move HEAD")
	}
}

func TestEmptyGardenGetsRootCommit(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	g, err := Init(ctx, filepath.Join(t.TempDir(), "empty"))
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if _, err := g.Head(ctx); err != nil {
		t.Errorf("Head() of an empty garden failed: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	requireGit(t)
	ctx := context.Background()

	if !vcs.IsRegistered(vcs.TypeGit) {
		t.Fatal("git should register itself")
	}

	dir := t.TempDir()
	if _, err := vcs.Open(vcs.TypeGit, dir); !errors.Is(err, vcs.ErrNotInVCS) {
		t.Errorf("Open() before init: expected ErrNotInVCS, got %v", err)
	}
	v, err := vcs.Init(ctx, vcs.TypeGit, dir)
	if err != nil {
		t.Fatalf("vcs.Init() failed: %v", err)
	}
	again, err := vcs.Init(ctx, vcs.TypeGit, dir)
	if err != nil {
		t.Fatalf("Second vcs.Init() failed: %v", err)
	}
	h1, _ := v.Head(ctx)
	h2, _ := again.Head(ctx)
	if h1.Hash != h2.Hash {
		t.Error("Init on an existing repository should open it unchanged")
	}

	if _, err := vcs.Open("svn", dir); !errors.Is(err, vcs.ErrNotSupported) || !vcs.IsFatal(err) {
		t.Errorf("Expected fatal ErrNotSupported, got %v", err)
	}
}
