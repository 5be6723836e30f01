// Package fullsync implements the receiving side of garden full-sync.
//
// A Receiver tracks one operation per transfer ID. Chunks are stored by
// absolute index under (garden, transferId) so they may arrive in any order.
// When a garden's zip marker arrives its chunks are verified, reassembled
// and written to storage asynchronously. The operation completes, and
// OnComplete fires exactly once, only after the sender has finished the
// stream, every write has landed, and no garden is still in flight.
package fullsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raulk/clock"
	"github.com/samber/lo"

	"github.com/mschirtzinger/gardensync/internal/garden"
	"github.com/mschirtzinger/gardensync/internal/progress"
	"github.com/mschirtzinger/gardensync/internal/protocol"
)

// DefaultIdleTimeout is how long a garden may go without a chunk before
// its partial data is discarded. Operations with no activity for as long
// are failed, and finished ones are forgotten.
const DefaultIdleTimeout = 2 * time.Minute

// finishedSize bounds how many forgotten transfers are remembered so late
// messages for them are refused.
const finishedSize = 1024

var (
	// ErrChunkCountMismatch means a garden's zip marker arrived before all
	// of its chunks.
	ErrChunkCountMismatch = errors.New("chunk count mismatch")

	// ErrUnknownTransfer means a message referenced no known transfer.
	ErrUnknownTransfer = errors.New("unknown transfer")

	// ErrInvalidChunk means a chunk's header is inconsistent.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrTransferClosed means the transfer was already cancelled or failed.
	ErrTransferClosed = errors.New("transfer closed")
)

// State is the lifecycle of one full-sync operation.
type State string

const (
	StateIdle         State = "idle"
	StateReceiving    State = "receiving"
	StateReassembling State = "reassembling"
	StateApplied      State = "applied"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// WriteFunc persists one extracted entry.
type WriteFunc func(gardenName string, e garden.Entry) error

// Config holds receiver configuration.
type Config struct {
	Store    garden.Store
	Progress *progress.Stream

	// Write overrides how entries are persisted (default: Store.WriteFile)
	Write WriteFunc

	// OnComplete is called once per successful operation, after every
	// write has finished.
	OnComplete func(transferID string, gardens []string)

	// IdleTimeout for partially received gardens (default: DefaultIdleTimeout)
	IdleTimeout time.Duration

	// Clock drives idle eviction (default: wall clock)
	Clock clock.Clock

	// Logger for receiver activity (default: stderr logger)
	Logger *log.Logger
}

type transferKey struct {
	garden     string
	transferID string
}

// slots holds one garden's chunks while they arrive.
type slots struct {
	chunks   [][]byte
	received int
	size     int64
	lastSeen time.Time
}

type operation struct {
	id      string
	from    string
	state   State
	gardens []string

	streamComplete bool
	pendingWrites  int
	reset          map[string]bool
	done           bool
	lastActivity   time.Time
}

func (op *operation) closed() bool {
	return op.state == StateCancelled || op.state == StateFailed || op.done
}

// Receiver reassembles incoming garden streams.
type Receiver struct {
	store       garden.Store
	stream      *progress.Stream
	write       WriteFunc
	onComplete  func(string, []string)
	idleTimeout time.Duration
	clock       clock.Clock
	logger      *log.Logger

	mu        sync.Mutex
	ops       map[string]*operation
	transfers map[transferKey]*slots
	finished  *lru.Cache[string, State]
	writes    sync.WaitGroup
}

// NewReceiver creates a receiver.
func NewReceiver(config *Config) *Receiver {
	r := &Receiver{
		store:       config.Store,
		stream:      config.Progress,
		write:       config.Write,
		onComplete:  config.OnComplete,
		idleTimeout: config.IdleTimeout,
		clock:       config.Clock,
		logger:      config.Logger,
		ops:         make(map[string]*operation),
		transfers:   make(map[transferKey]*slots),
	}
	r.finished, _ = lru.New[string, State](finishedSize)
	if r.write == nil {
		r.write = func(g string, e garden.Entry) error {
			return r.store.WriteFile(g, e.Path, e.Data, e.Mode, e.ModTime)
		}
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = log.New(os.Stderr, "[fullsync] ", log.LstdFlags)
	}
	return r
}

// Run evicts idle transfers until ctx is done.
func (r *Receiver) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.EvictIdle()
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until every write started so far has finished.
func (r *Receiver) Wait() {
	r.writes.Wait()
}

// State returns the state of a transfer, or StateIdle if unknown.
func (r *Receiver) State(transferID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op, ok := r.ops[transferID]; ok {
		return op.state
	}
	if state, ok := r.finished.Peek(transferID); ok {
		return state
	}
	return StateIdle
}

func (r *Receiver) reporter(op *operation) progress.Reporter {
	return progress.Reporter{Stream: r.stream, TransferID: op.id, PeerID: op.from}
}

// operation returns the record for id, creating it when missing, and
// marks it active. Forgotten transfers are refused. Must be called with mu
// held.
func (r *Receiver) operation(id, from string) (*operation, error) {
	if r.finished.Contains(id) {
		return nil, fmt.Errorf("%w: %s", ErrTransferClosed, id)
	}
	op, ok := r.ops[id]
	if !ok {
		op = &operation{id: id, from: from, state: StateReceiving, reset: make(map[string]bool)}
		r.ops[id] = op
	}
	op.lastActivity = r.clock.Now()
	return op, nil
}

// HandleInitiation starts expecting chunks for a transfer.
func (r *Receiver) HandleInitiation(from string, msg protocol.SendInitiation) {
	r.mu.Lock()
	op, err := r.operation(msg.TransferID, from)
	if err != nil {
		r.mu.Unlock()
		r.logger.Printf("Ignoring initiation from %s: %v", from, err)
		return
	}
	op.gardens = lo.Uniq(append(op.gardens, msg.Gardens...))
	r.mu.Unlock()

	r.reporter(op).Info(fmt.Sprintf("Receiving %d garden(s) from %s", len(msg.Gardens), from))
}

// HandleChunk stores one chunk by index. Duplicate indices are ignored.
func (r *Receiver) HandleChunk(from string, msg protocol.GardenZipChunk) error {
	if err := validateChunk(msg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	op, err := r.operation(msg.TransferID, from)
	if err != nil {
		return err
	}
	if op.closed() {
		return fmt.Errorf("%w: %s", ErrTransferClosed, msg.TransferID)
	}

	key := transferKey{garden: msg.GardenName, transferID: msg.TransferID}
	t, ok := r.transfers[key]
	if !ok {
		t = &slots{chunks: make([][]byte, msg.TotalChunks), size: msg.TotalSize}
		r.transfers[key] = t
		op.gardens = lo.Uniq(append(op.gardens, msg.GardenName))
	} else if len(t.chunks) != msg.TotalChunks {
		return fmt.Errorf("%w: total changed from %d to %d", ErrInvalidChunk, len(t.chunks), msg.TotalChunks)
	}

	t.lastSeen = r.clock.Now()
	if t.chunks[msg.ChunkIndex] == nil {
		t.chunks[msg.ChunkIndex] = msg.Data
		t.received++
	}
	return nil
}

// validateChunk checks a chunk header against the bundle size it declares,
// so a slot table is never sized from an unchecked count.
func validateChunk(msg protocol.GardenZipChunk) error {
	if msg.TotalSize < 0 || msg.TotalSize > protocol.MaxBundleSize {
		return fmt.Errorf("%w: total size %d", ErrInvalidChunk, msg.TotalSize)
	}
	if want := protocol.ChunkCount(msg.TotalSize); msg.TotalChunks != want {
		return fmt.Errorf("%w: %d chunks for %d bytes, expected %d", ErrInvalidChunk, msg.TotalChunks, msg.TotalSize, want)
	}
	if msg.ChunkIndex < 0 || msg.ChunkIndex >= msg.TotalChunks {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, msg.ChunkIndex, msg.TotalChunks)
	}
	if len(msg.Data) > protocol.ChunkSize {
		return fmt.Errorf("%w: chunk of %d bytes", ErrInvalidChunk, len(msg.Data))
	}
	return nil
}

// HandleZipComplete verifies and applies one garden of a transfer.
func (r *Receiver) HandleZipComplete(from string, msg protocol.GardenZipComplete) error {
	r.mu.Lock()
	op, err := r.operation(msg.TransferID, from)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if op.closed() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferClosed, msg.TransferID)
	}

	key := transferKey{garden: msg.GardenName, transferID: msg.TransferID}
	t, ok := r.transfers[key]
	delete(r.transfers, key)
	if !ok {
		err := fmt.Errorf("%w: no chunks for %s in %s", ErrUnknownTransfer, msg.GardenName, msg.TransferID)
		r.failLocked(op, err)
		r.mu.Unlock()
		return err
	}
	if t.received != len(t.chunks) {
		err := fmt.Errorf("%w: %s has %d of %d chunks", ErrChunkCountMismatch, msg.GardenName, t.received, len(t.chunks))
		r.failLocked(op, err)
		r.mu.Unlock()
		return err
	}
	op.state = StateReassembling
	needsReset := !op.reset[msg.GardenName]
	op.reset[msg.GardenName] = true
	r.mu.Unlock()

	data := bytes.Join(t.chunks, nil)
	if t.size > 0 && int64(len(data)) != t.size {
		return r.fail(op, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrChunkCountMismatch, msg.GardenName, len(data), t.size))
	}
	entries, err := garden.Extract(data)
	if err != nil {
		return r.fail(op, fmt.Errorf("failed to extract %s: %w", msg.GardenName, err))
	}
	if needsReset {
		if err := garden.ResetMetadata(r.store, msg.GardenName); err != nil {
			return r.fail(op, fmt.Errorf("failed to reset metadata of %s: %w", msg.GardenName, err))
		}
	}

	r.mu.Lock()
	if op.closed() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferClosed, msg.TransferID)
	}
	op.pendingWrites += len(entries)
	op.state = StateReceiving
	r.writes.Add(len(entries))
	r.mu.Unlock()

	r.reporter(op).Info(fmt.Sprintf("%s: writing %d files", msg.GardenName, len(entries)))

	for _, e := range entries {
		go r.apply(op, msg.GardenName, e)
	}

	r.checkComplete(op)
	return nil
}

func (r *Receiver) apply(op *operation, gardenName string, e garden.Entry) {
	defer r.writes.Done()

	err := r.write(gardenName, e)

	r.mu.Lock()
	op.pendingWrites--
	op.lastActivity = r.clock.Now()
	if err != nil && !op.closed() {
		r.failLocked(op, fmt.Errorf("failed to write %s/%s: %w", gardenName, e.Path, err))
	}
	r.mu.Unlock()

	r.checkComplete(op)
}

// HandleFullSyncComplete marks the end of a sender's stream.
func (r *Receiver) HandleFullSyncComplete(from string, msg protocol.FullSyncComplete) {
	r.mu.Lock()
	op, err := r.operation(msg.TransferID, from)
	if err != nil {
		r.mu.Unlock()
		r.logger.Printf("Ignoring completion from %s: %v", from, err)
		return
	}
	op.streamComplete = true
	r.mu.Unlock()

	r.checkComplete(op)
}

// HandleCancel abandons a transfer. Writes already started still finish,
// but the operation never completes.
func (r *Receiver) HandleCancel(from string, msg protocol.SyncCancel) {
	r.mu.Lock()
	op, ok := r.ops[msg.TransferID]
	if !ok || op.closed() {
		r.mu.Unlock()
		return
	}
	op.state = StateCancelled
	op.lastActivity = r.clock.Now()
	r.dropTransfersLocked(op.id)
	r.mu.Unlock()

	r.reporter(op).Cancelled(fmt.Sprintf("Transfer %s cancelled by %s", op.id, from))
}

// EvictIdle discards gardens that have not received a chunk within the
// idle timeout and fails their operations. Operations that are open but
// stalled, waiting on chunks that never started or on a completion marker
// that never came, are failed too. Closed operations idle for as long are
// forgotten. It returns the number of gardens and operations evicted.
func (r *Receiver) EvictIdle() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []transferKey
	for key, t := range r.transfers {
		if now.Sub(t.lastSeen) >= r.idleTimeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(r.transfers, key)
		if op, ok := r.ops[key.transferID]; ok && !op.closed() {
			r.failLocked(op, fmt.Errorf("%s: no data for %s", key.garden, r.idleTimeout))
		}
	}

	evicted := len(stale)
	for id, op := range r.ops {
		if now.Sub(op.lastActivity) < r.idleTimeout || op.pendingWrites > 0 || op.state == StateReassembling {
			continue
		}
		if !op.closed() {
			if r.inFlightLocked(id) {
				continue
			}
			r.failLocked(op, fmt.Errorf("no activity for %s", r.idleTimeout))
			evicted++
		}
		delete(r.ops, id)
		r.finished.Add(id, op.state)
	}
	return evicted
}

func (r *Receiver) fail(op *operation, err error) error {
	r.mu.Lock()
	r.failLocked(op, err)
	r.mu.Unlock()
	return err
}

// failLocked marks op failed and discards its partial data. Must be called
// with mu held.
func (r *Receiver) failLocked(op *operation, err error) {
	if op.closed() {
		return
	}
	op.state = StateFailed
	r.dropTransfersLocked(op.id)
	r.logger.Printf("Transfer %s failed: %v", op.id, err)
	r.reporter(op).Error(fmt.Sprintf("Transfer failed: %v", err))
}

func (r *Receiver) dropTransfersLocked(transferID string) {
	for key := range r.transfers {
		if key.transferID == transferID {
			delete(r.transfers, key)
		}
	}
}

func (r *Receiver) inFlightLocked(transferID string) bool {
	for key := range r.transfers {
		if key.transferID == transferID {
			return true
		}
	}
	return false
}

// checkComplete fires OnComplete once the stream is finished, every write
// has landed and nothing is in flight.
func (r *Receiver) checkComplete(op *operation) {
	r.mu.Lock()
	if op.closed() || op.state == StateReassembling || !op.streamComplete ||
		op.pendingWrites > 0 || r.inFlightLocked(op.id) {
		r.mu.Unlock()
		return
	}
	op.done = true
	op.state = StateApplied
	gardens := append([]string(nil), op.gardens...)
	r.mu.Unlock()

	r.reporter(op).Complete(fmt.Sprintf("Received %d garden(s) from %s", len(gardens), op.from))
	if r.onComplete != nil {
		r.onComplete(op.id, gardens)
	}
}
