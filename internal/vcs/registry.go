package vcs

import (
	"context"
	"fmt"
	"sync"
)

// Constructor opens a VCS instance rooted exactly at path.
type Constructor func(path string) (VCS, error)

// Initializer creates a new repository at path.
type Initializer func(ctx context.Context, path string) (VCS, error)

type backend struct {
	open Constructor
	init Initializer
}

// registry maps VCS types to their implementations
var (
	registry      = make(map[Type]backend)
	registryMutex sync.RWMutex
)

// Register registers a VCS implementation.
// This is called from init() functions in implementation packages.
//
// Example:
//
//	func init() {
//	    vcs.Register(vcs.TypeGit, open, initRepo)
//	}
func Register(t Type, open Constructor, init Initializer) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if open == nil || init == nil {
		panic(fmt.Sprintf("vcs: Register with nil function for type %s", t))
	}
	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("vcs: Register called twice for type %s", t))
	}
	registry[t] = backend{open: open, init: init}
}

func lookup(t Type) (backend, error) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	b, ok := registry[t]
	if !ok {
		return backend{}, fmt.Errorf("%w: %s", ErrNotSupported, t)
	}
	return b, nil
}

// Open returns the repository rooted at path.
func Open(t Type, path string) (VCS, error) {
	b, err := lookup(t)
	if err != nil {
		return nil, err
	}
	return b.open(path)
}

// Init creates a repository at path, or opens the existing one.
func Init(ctx context.Context, t Type, path string) (VCS, error) {
	b, err := lookup(t)
	if err != nil {
		return nil, err
	}
	if v, err := b.open(path); err == nil {
		return v, nil
	}
	return b.init(ctx, path)
}

// IsRegistered returns true if an implementation is registered for t.
func IsRegistered(t Type) bool {
	_, err := lookup(t)
	return err == nil
}
