package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/gardensync/internal/garden"
	"github.com/mschirtzinger/gardensync/internal/gossip"
	"github.com/mschirtzinger/gardensync/internal/progress"
	"github.com/mschirtzinger/gardensync/internal/protocol"
)

// fakeLink records decoded payloads per peer and can simulate a
// slow-draining channel.
type fakeLink struct {
	t *testing.T

	mu     sync.Mutex
	frames map[string][]protocol.Payload
	onSend func(peer string, p protocol.Payload)

	slow        bool
	queue       []int
	buffered    int64
	maxBuffered int64
}

func newFakeLink(t *testing.T) *fakeLink {
	return &fakeLink{t: t, frames: make(map[string][]protocol.Payload)}
}

func (l *fakeLink) Send(peer string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.t.Errorf("Sender produced invalid envelope: %v", err)
		return err
	}
	if !env.NoGossip {
		l.t.Errorf("Transfer traffic must be point-to-point")
	}
	p, err := protocol.DecodePayload(env.Payload)
	if err != nil {
		l.t.Errorf("Sender produced invalid payload: %v", err)
		return err
	}

	l.mu.Lock()
	l.frames[peer] = append(l.frames[peer], p)
	if l.slow {
		l.queue = append(l.queue, len(data))
		l.buffered += int64(len(data))
		if l.buffered > l.maxBuffered {
			l.maxBuffered = l.buffered
		}
	}
	hook := l.onSend
	l.mu.Unlock()

	if hook != nil {
		hook(peer, p)
	}
	return nil
}

func (l *fakeLink) WaitWritable(ctx context.Context, peer string, n int, highWater int64) error {
	for {
		l.mu.Lock()
		ok := l.buffered == 0 || l.buffered+int64(n) <= highWater
		l.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-time.After(100 * time.Microsecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain flushes one queued message per tick until ctx ends.
func (l *fakeLink) drain(ctx context.Context, tick time.Duration) {
	for {
		select {
		case <-time.After(tick):
		case <-ctx.Done():
			return
		}
		l.mu.Lock()
		if len(l.queue) > 0 {
			l.buffered -= int64(l.queue[0])
			l.queue = l.queue[1:]
		}
		l.mu.Unlock()
	}
}

func (l *fakeLink) payloads(peer string) []protocol.Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Payload(nil), l.frames[peer]...)
}

type harness struct {
	store  *garden.DirStore
	link   *fakeLink
	sender *Sender
	events []progress.Event
	mu     sync.Mutex
}

func newHarness(t *testing.T, highWater int64) *harness {
	t.Helper()

	store, err := garden.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}
	router, err := gossip.NewRouter(&gossip.Config{Logger: log.New(os.Stderr, "[test] ", log.LstdFlags)})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	h := &harness{store: store, link: newFakeLink(t)}
	stream := progress.NewStream()
	stream.Subscribe(func(e progress.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	h.sender = NewSender(&Config{
		Store:         store,
		Encoder:       router,
		Link:          h.link,
		Progress:      stream,
		HighWaterMark: highWater,
		Logger:        log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	return h
}

func (h *harness) eventTypes() map[progress.Type]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[progress.Type]int)
	for _, e := range h.events {
		out[e.Type]++
	}
	return out
}

func randomFile(t *testing.T, store garden.Store, g, p string, size int, seed int64) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	if err := store.WriteFile(g, p, data, 0o644, time.Time{}); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestChunkCount(t *testing.T) {
	cases := map[int]int{
		0:             1,
		1:             1,
		ChunkSize:     1,
		ChunkSize + 1: 2,
		130 << 10:     3,
		3 * ChunkSize: 3,
	}
	for size, want := range cases {
		if got := ChunkCount(size); got != want {
			t.Errorf("ChunkCount(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestSendGardenStreamOrder(t *testing.T) {
	h := newHarness(t, 0)
	// Incompressible content so the bundle lands between two and three chunks
	randomFile(t, h.store, "notes", "a.md", 43<<10, 1)
	randomFile(t, h.store, "notes", "b.md", 43<<10, 2)
	randomFile(t, h.store, "notes", "c.md", 43<<10, 3)

	id, err := h.sender.SendGarden(context.Background(), []string{"notes"}, []string{"peer-b"}, nil)
	if err != nil {
		t.Fatalf("SendGarden failed: %v", err)
	}

	frames := h.link.payloads("peer-b")
	if len(frames) != 6 {
		t.Fatalf("Expected initiation, 3 chunks, zip complete, full sync complete; got %d frames", len(frames))
	}

	init, ok := frames[0].(protocol.SendInitiation)
	if !ok || init.TransferID != id || len(init.Gardens) != 1 || init.Gardens[0] != "notes" {
		t.Fatalf("Unexpected first frame %#v", frames[0])
	}

	var bundle bytes.Buffer
	for i := 0; i < 3; i++ {
		chunk, ok := frames[1+i].(protocol.GardenZipChunk)
		if !ok {
			t.Fatalf("Frame %d is %T, expected chunk", 1+i, frames[1+i])
		}
		if chunk.ChunkIndex != i || chunk.TotalChunks != 3 || chunk.TransferID != id {
			t.Errorf("Unexpected chunk header %+v", chunk)
		}
		if i < 2 && len(chunk.Data) != ChunkSize {
			t.Errorf("Chunk %d has %d bytes, expected %d", i, len(chunk.Data), ChunkSize)
		}
		bundle.Write(chunk.Data)
		if int64(bundle.Len()) > chunk.TotalSize {
			t.Fatalf("Chunks exceed declared size %d", chunk.TotalSize)
		}
	}

	if _, ok := frames[4].(protocol.GardenZipComplete); !ok {
		t.Errorf("Expected garden_zip_complete, got %T", frames[4])
	}
	if fc, ok := frames[5].(protocol.FullSyncComplete); !ok || fc.TransferID != id {
		t.Errorf("Expected full_sync_complete, got %#v", frames[5])
	}

	entries, err := garden.Extract(bundle.Bytes())
	if err != nil {
		t.Fatalf("Reassembled bundle does not extract: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 files in bundle, got %d", len(entries))
	}

	if got := h.eventTypes(); got[progress.TypeComplete] != 1 || got[progress.TypeError] != 0 {
		t.Errorf("Unexpected progress events: %v", got)
	}
	if len(h.sender.Active()) != 0 {
		t.Error("Transfer should no longer be active")
	}
}

func TestSendGardenToMultipleTargets(t *testing.T) {
	h := newHarness(t, 0)
	randomFile(t, h.store, "notes", "a.md", 1000, 1)
	randomFile(t, h.store, "recipes", "soup.md", 1000, 2)

	_, err := h.sender.SendGarden(context.Background(), []string{"notes", "recipes"}, []string{"p1", "p2", "p3"}, nil)
	if err != nil {
		t.Fatalf("SendGarden failed: %v", err)
	}

	for _, peer := range []string{"p1", "p2", "p3"} {
		frames := h.link.payloads(peer)
		// initiation + (chunk + zip complete) per garden + full sync complete
		if len(frames) != 6 {
			t.Errorf("%s: expected 6 frames, got %d", peer, len(frames))
			continue
		}
		if _, ok := frames[len(frames)-1].(protocol.FullSyncComplete); !ok {
			t.Errorf("%s: last frame is %T", peer, frames[len(frames)-1])
		}
	}
	if got := h.eventTypes()[progress.TypeComplete]; got != 3 {
		t.Errorf("Expected 3 completion events, got %d", got)
	}
}

func TestCancelMidStream(t *testing.T) {
	h := newHarness(t, 0)
	randomFile(t, h.store, "notes", "big.bin", 10*ChunkSize, 7)

	h.link.onSend = func(peer string, p protocol.Payload) {
		if c, ok := p.(protocol.GardenZipChunk); ok && c.ChunkIndex == 1 {
			for _, id := range h.sender.Active() {
				h.sender.Cancel(id)
			}
		}
	}

	id, err := h.sender.SendGarden(context.Background(), []string{"notes"}, []string{"peer-b"}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}

	frames := h.link.payloads("peer-b")
	last, ok := frames[len(frames)-1].(protocol.SyncCancel)
	if !ok || last.TransferID != id {
		t.Fatalf("Expected sync_cancel as last frame, got %#v", frames[len(frames)-1])
	}

	chunks := 0
	for _, f := range frames {
		switch f.(type) {
		case protocol.GardenZipChunk:
			chunks++
		case protocol.GardenZipComplete, protocol.FullSyncComplete:
			t.Errorf("Completion marker %T sent after cancel", f)
		}
	}
	if chunks != 2 {
		t.Errorf("Expected exactly 2 chunks before cancel, got %d", chunks)
	}

	types := h.eventTypes()
	if types[progress.TypeCancelled] != 1 || types[progress.TypeComplete] != 0 || types[progress.TypeError] != 0 {
		t.Errorf("Cancellation must be reported as cancelled, got %v", types)
	}
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t, 0)
	randomFile(t, h.store, "notes", "a.md", 100, 1)

	token := NewCancelToken()
	token.Cancel()

	_, err := h.sender.SendGarden(context.Background(), []string{"notes"}, []string{"peer-b"}, token)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	frames := h.link.payloads("peer-b")
	if len(frames) != 2 {
		t.Fatalf("Expected initiation then cancel, got %d frames", len(frames))
	}
	if _, ok := frames[1].(protocol.SyncCancel); !ok {
		t.Errorf("Expected sync_cancel, got %T", frames[1])
	}
}

func TestBackpressureNeverExceedsHighWater(t *testing.T) {
	const highWater = 256 << 10

	h := newHarness(t, highWater)
	h.link.slow = true
	randomFile(t, h.store, "notes", "big.bin", 1<<20, 9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.link.drain(ctx, 200*time.Microsecond)

	if _, err := h.sender.SendGarden(ctx, []string{"notes"}, []string{"slow-peer"}, nil); err != nil {
		t.Fatalf("SendGarden failed: %v", err)
	}

	h.link.mu.Lock()
	defer h.link.mu.Unlock()
	if h.link.maxBuffered > highWater {
		t.Errorf("Buffered amount peaked at %d, above high-water mark %d", h.link.maxBuffered, highWater)
	}
	if h.link.maxBuffered < ChunkSize {
		t.Errorf("Expected the link to buffer at least one chunk, peaked at %d", h.link.maxBuffered)
	}
}

func TestSendGardenMissingGarden(t *testing.T) {
	h := newHarness(t, 0)

	if _, err := h.sender.SendGarden(context.Background(), []string{"ghost"}, []string{"p"}, nil); err == nil {
		t.Fatal("Expected error for missing garden")
	}
	if got := h.eventTypes()[progress.TypeError]; got != 1 {
		t.Errorf("Expected one error event, got %d", got)
	}
	if len(h.link.payloads("p")) != 0 {
		t.Error("Nothing should be sent when the snapshot fails")
	}
}
