// Package vcs provides version-control queries for gardens.
//
// Every garden carries its own repository in its metadata directory. The
// sync engine never commits or merges; it only needs to know what a
// garden's HEAD is, whether it has uncommitted work, and to create a
// repository for a new garden. Implementations register themselves with
// Register from an init function.
//
// # Usage
//
//	import _ "github.com/mschirtzinger/gardensync/internal/vcs/git"
//
//	v, err := vcs.Open(vcs.TypeGit, gardenDir)
//	if errors.Is(err, vcs.ErrNotInVCS) {
//	    // garden has no history yet
//	}
//	head, err := v.Head(ctx)
package vcs

import (
	"context"
	"time"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git repository
	TypeGit Type = "git"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// VCS defines the operations gardens need from version control.
type VCS interface {
	// Name returns the VCS type
	Name() Type

	// Version returns the VCS binary version string
	Version() (string, error)

	// RepoRoot returns the repository root directory path
	RepoRoot() (string, error)

	// Head describes the current commit. Returns ErrNoCommits for a
	// repository without history.
	Head(ctx context.Context) (Head, error)

	// Dirty reports whether the working tree has uncommitted changes.
	Dirty(ctx context.Context) (bool, error)

	// Commit records every change in the working tree.
	Commit(ctx context.Context, message string) error

	// Exec executes a raw VCS command in the repository root
	Exec(ctx context.Context, args ...string) ([]byte, error)
}

// Head is the commit a repository currently points at.
type Head struct {
	Hash    string
	Branch  string // empty when detached
	Subject string
	Time    time.Time
}

// Short returns an abbreviated hash.
func (h Head) Short() string {
	if len(h.Hash) > 8 {
		return h.Hash[:8]
	}
	return h.Hash
}
