package node

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/gardensync/internal/garden"
	"github.com/mschirtzinger/gardensync/internal/history"
	"github.com/mschirtzinger/gardensync/internal/livesync"
	"github.com/mschirtzinger/gardensync/internal/progress"
	"github.com/mschirtzinger/gardensync/internal/relay"
	"github.com/mschirtzinger/gardensync/internal/session"
)

func startRelay(t *testing.T) string {
	t.Helper()
	server := relay.NewServer(&relay.Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return "ws://" + server.GetAddr() + "/ws"
}

type reloads struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *reloads) record(gardens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, gardens)
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newNode(t *testing.T, relayURL string, mutate func(*Config)) *Node {
	t.Helper()
	cfg := &Config{
		RelayURL:   relayURL,
		Session:    "garden-club",
		GardensDir: t.TempDir(),
		LogOutput:  io.Discard,
	}
	if mutate != nil {
		mutate(cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return n
}

func start(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { n.Stop() })
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitConnected(t *testing.T, a, b *Node) {
	t.Helper()
	waitFor(t, "direct transport", func() bool {
		return slices.Contains(a.DirectPeers(), b.PeerID()) && slices.Contains(b.DirectPeers(), a.PeerID())
	})
}

func randomContent(seed int64, size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func contents(t *testing.T, s garden.Store, name string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := s.Walk(name, func(fi garden.FileInfo) error {
		if garden.IsMetadata(fi.Path) {
			return nil
		}
		data, err := s.ReadFile(name, fi.Path)
		out[fi.Path] = string(data)
		return err
	})
	if err != nil {
		t.Fatalf("Walk(%s) failed: %v", name, err)
	}
	return out
}

func TestPullGardenMatchesSender(t *testing.T) {
	relayURL := startRelay(t)

	a := newNode(t, relayURL, nil)
	for i, p := range []string{"a.md", "b.md", "sub/c.bin"} {
		if err := a.Store().WriteFile("notes", p, randomContent(int64(i), 45<<10), 0o644, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	db, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open() failed: %v", err)
	}
	defer db.Close()

	var got reloads
	b := newNode(t, relayURL, func(c *Config) {
		c.OnReload = got.record
		c.History = db
	})

	start(t, a)
	start(t, b)
	waitConnected(t, a, b)

	if b.State() != session.StateMesh {
		t.Errorf("Expected mesh state, got %s", b.State())
	}
	waitFor(t, "peer introduction", func() bool {
		for _, p := range b.Peers() {
			if p.ID == a.PeerID() && slices.Contains(p.Gardens, "notes") {
				return true
			}
		}
		return false
	})

	if err := b.RequestGardens(context.Background(), a.PeerID(), []string{"notes"}); err != nil {
		t.Fatalf("RequestGardens() failed: %v", err)
	}
	waitFor(t, "reload", func() bool { return got.count() == 1 })

	want := contents(t, a.Store(), "notes")
	have := contents(t, b.Store(), "notes")
	if len(have) != len(want) {
		t.Fatalf("Expected %d files, got %d", len(want), len(have))
	}
	for p, data := range want {
		if have[p] != data {
			t.Errorf("File %s differs after sync", p)
		}
	}

	// No second reload arrives later
	time.Sleep(200 * time.Millisecond)
	if got.count() != 1 {
		t.Errorf("Expected exactly one reload, got %d", got.count())
	}

	events, err := db.List(context.Background(), history.Filter{Types: []progress.Type{progress.TypeComplete}})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected one recorded completion, got %d", len(events))
	}
}

func TestRelayLossKeepsDirectLinks(t *testing.T) {
	server := relay.NewServer(&relay.Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	var once sync.Once
	stopRelay := func() { once.Do(func() { server.Stop() }) }
	t.Cleanup(stopRelay)
	relayURL := "ws://" + server.GetAddr() + "/ws"

	a := newNode(t, relayURL, nil)
	if err := a.Store().WriteFile("notes", "a.md", randomContent(1, 100<<10), 0o644, time.Time{}); err != nil {
		t.Fatal(err)
	}
	var got reloads
	b := newNode(t, relayURL, func(c *Config) { c.OnReload = got.record })

	start(t, a)
	start(t, b)
	waitConnected(t, a, b)

	stopRelay()
	waitFor(t, "relay loss", func() bool {
		return a.State() == session.StateDisconnected && b.State() == session.StateDisconnected
	})
	// Give the queued disconnect handling a moment to run
	time.Sleep(100 * time.Millisecond)
	if !slices.Contains(b.DirectPeers(), a.PeerID()) {
		t.Fatal("Direct link dropped with the relay")
	}

	if err := b.RequestGardens(context.Background(), a.PeerID(), []string{"notes"}); err != nil {
		t.Fatalf("RequestGardens() without relay failed: %v", err)
	}
	waitFor(t, "reload", func() bool { return got.count() == 1 })
	if have := contents(t, b.Store(), "notes"); len(have) != 1 {
		t.Errorf("Expected one synced file, got %d", len(have))
	}
}

func TestFileUpdatePropagates(t *testing.T) {
	relayURL := startRelay(t)

	a := newNode(t, relayURL, func(c *Config) { c.Watch = true })
	b := newNode(t, relayURL, func(c *Config) { c.Watch = true })
	for _, n := range []*Node{a, b} {
		if err := n.Store().WriteFile("notes", "seed.md", []byte("seed"), 0o644, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	start(t, a)
	start(t, b)
	waitConnected(t, a, b)

	if err := a.Store().WriteFile("notes", "todo.md", []byte("water the basil"), 0o644, time.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "file update", func() bool {
		data, err := b.Store().ReadFile("notes", "todo.md")
		return err == nil && string(data) == "water the basil"
	})

	if err := a.Store().Remove("notes", "todo.md"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete", func() bool {
		_, err := b.Store().Stat("notes", "todo.md")
		return err != nil
	})
}

func TestOversizedFileLeftToFullSync(t *testing.T) {
	relayURL := startRelay(t)

	a := newNode(t, relayURL, func(c *Config) { c.Watch = true })
	b := newNode(t, relayURL, func(c *Config) { c.Watch = true })
	for _, n := range []*Node{a, b} {
		if err := n.Store().WriteFile("notes", "seed.md", []byte("seed"), 0o644, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	start(t, a)
	start(t, b)
	waitConnected(t, a, b)

	// Encoded as a file_update this would exceed the direct link's read limit
	big := randomContent(9, 13<<20)
	if err := a.Store().WriteFile("notes", "big.bin", big, 0o644, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.readUpdate("notes", "big.bin"); !errors.Is(err, errUpdateTooLarge) {
		t.Errorf("Expected errUpdateTooLarge, got %v", err)
	}
	if err := a.Store().WriteFile("notes", "after.md", []byte("still here"), 0o644, time.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "small update", func() bool {
		data, err := b.Store().ReadFile("notes", "after.md")
		return err == nil && string(data) == "still here"
	})

	if !slices.Contains(a.DirectPeers(), b.PeerID()) || !slices.Contains(b.DirectPeers(), a.PeerID()) {
		t.Error("Direct link dropped after a large local edit")
	}
	if b.State() != session.StateMesh {
		t.Errorf("Expected mesh state, got %s", b.State())
	}
	if _, err := b.Store().Stat("notes", "big.bin"); err == nil {
		t.Error("Oversized file should not travel as an update")
	}
}

func TestLiveSyncElectsLowestPeer(t *testing.T) {
	relayURL := startRelay(t)

	a := newNode(t, relayURL, nil)
	b := newNode(t, relayURL, nil)
	start(t, a)
	start(t, b)
	waitConnected(t, a, b)

	a.Live().Enable()
	b.Live().Enable()

	host, follower := a, b
	if b.PeerID() < a.PeerID() {
		host, follower = b, a
	}
	waitFor(t, "election", func() bool {
		return host.Live().State() == livesync.StateHost && follower.Live().State() == livesync.StateActive
	})
	if follower.Live().HostID() != host.PeerID() {
		t.Errorf("Follower thinks %s hosts, want %s", follower.Live().HostID(), host.PeerID())
	}
}

func TestOperationsRequireStart(t *testing.T) {
	n := newNode(t, "ws://127.0.0.1:1/ws", nil)

	if _, err := n.SendGardens(context.Background(), []string{"notes"}, []string{"peer"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SendGardens() expected ErrNotStarted, got %v", err)
	}
	if err := n.RequestGardens(context.Background(), "peer", []string{"notes"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("RequestGardens() expected ErrNotStarted, got %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Errorf("Stop() on an idle node failed: %v", err)
	}
}

func TestRequestWithoutRoute(t *testing.T) {
	relayURL := startRelay(t)

	n := newNode(t, relayURL, nil)
	start(t, n)

	err := n.RequestGardens(context.Background(), "nobody", []string{"notes"})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute, got %v", err)
	}
}
