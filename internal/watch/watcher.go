// Package watch turns filesystem activity under the gardens directory into
// debounced per-file change notifications.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/gardensync/internal/garden"
)

// Op is the kind of change observed for a file.
type Op int

const (
	OpWrite Op = iota
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one settled file change inside a garden.
type Change struct {
	Garden  string
	Path    string
	Op      Op
	ModTime time.Time
}

// Config holds watcher configuration.
type Config struct {
	// Root is the directory holding one subdirectory per garden.
	Root string

	// DebounceInterval is how long a path must stay quiet before it is
	// reported. Rapid writes to one file collapse into a single change.
	DebounceInterval time.Duration

	// SuppressWindow is how long a path stays muted after Suppress.
	SuppressWindow time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(root string) *Config {
	return &Config{
		Root:             root,
		DebounceInterval: 100 * time.Millisecond,
		SuppressWindow:   2 * time.Second,
		Logger:           log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Watcher reports file changes across every garden under Root.
type Watcher struct {
	config  *Config
	store   *garden.DirStore
	watcher *fsnotify.Watcher
	changes chan Change

	changeQueue   map[string]time.Time // absolute path -> last event
	suppressed    map[string]time.Time // absolute path -> muted until
	changeQueueMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a watcher. Call Start to begin emitting changes.
func New(config *Config) (*Watcher, error) {
	if config == nil || config.Root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	defaults := DefaultConfig(config.Root)
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.SuppressWindow <= 0 {
		config.SuppressWindow = defaults.SuppressWindow
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", config.Root, err)
	}
	config.Root = root

	store, err := garden.NewDirStore(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		config:      config,
		store:       store,
		watcher:     watcher,
		changes:     make(chan Change, 100),
		changeQueue: make(map[string]time.Time),
		suppressed:  make(map[string]time.Time),
	}, nil
}

// Start watches Root and every directory below it, metadata excluded.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.addTree(w.config.Root, false); err != nil {
		return err
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	w.config.Logger.Printf("Watching %s", w.config.Root)
	return nil
}

// Stop shuts the watcher down and closes the Changes channel.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.changes)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Changes returns the channel of settled changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Suppress mutes the next changes to garden/p, typically because the sync
// engine wrote the file itself.
func (w *Watcher) Suppress(gardenName, p string) {
	full := filepath.Join(w.config.Root, gardenName, filepath.FromSlash(p))

	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	w.suppressed[full] = time.Now().Add(w.config.SuppressWindow)
}

// addTree watches root and its subdirectories. Files already present in a
// directory that appeared after Start are queued, since their own create
// events may have been missed.
func (w *Watcher) addTree(root string, queueFiles bool) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if queueFiles {
				w.queueChange(p)
			}
			return nil
		}
		if d.Name() == garden.MetadataDir {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// split maps an absolute path to its garden and slash-separated path.
func (w *Watcher) split(full string) (string, string, bool) {
	rel, err := filepath.Rel(w.config.Root, full)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 || garden.ValidateName(parts[0]) != nil {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if filepath.Base(event.Name) != garden.MetadataDir {
						if err := w.addTree(event.Name, true); err != nil {
							w.config.Logger.Printf("Watcher error: %v", err)
						}
					}
					continue
				}
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) queueChange(full string) {
	_, p, ok := w.split(full)
	if !ok || garden.IsMetadata(p) || strings.HasPrefix(path.Base(p), garden.TempPrefix) {
		return
	}

	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[full] = time.Now()
}

func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			for _, c := range w.settledChanges() {
				select {
				case w.changes <- c:
				case <-w.ctx.Done():
					return
				}
			}
		}
	}
}

// settledChanges drains queued paths that have been quiet for the
// debounce interval.
func (w *Watcher) settledChanges() []Change {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	now := time.Now()
	var out []Change

	for full, until := range w.suppressed {
		if now.After(until) {
			delete(w.suppressed, full)
		}
	}

	for full, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		delete(w.changeQueue, full)

		if _, muted := w.suppressed[full]; muted {
			continue
		}

		gardenName, p, ok := w.split(full)
		if !ok {
			continue
		}
		manifest, err := garden.LoadManifest(w.store, gardenName)
		if err == nil && manifest.Ignored(p) {
			continue
		}

		c := Change{Garden: gardenName, Path: p, Op: OpWrite}
		fi, err := os.Stat(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			c.Op = OpDelete
			c.ModTime = now
		case err != nil:
			w.config.Logger.Printf("Error reading %s: %v", full, err)
			continue
		case fi.IsDir():
			continue
		default:
			c.ModTime = fi.ModTime()
		}

		w.config.Logger.Printf("Change: %s %s/%s", c.Op, c.Garden, c.Path)
		out = append(out, c)
	}
	return out
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
