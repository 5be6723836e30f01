// Package transfer implements the sending side of garden full-sync.
//
// A transfer snapshots one or more gardens into zip bundles and streams each
// bundle to every target as fixed-size chunks, point-to-point. Every target
// gets its own stream: send_initiation, then per garden its chunks followed
// by garden_zip_complete, then full_sync_complete. Before each chunk the
// sender waits until the target's channel can take it without its buffered
// amount passing the high-water mark.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/gardensync/internal/garden"
	"github.com/mschirtzinger/gardensync/internal/progress"
	"github.com/mschirtzinger/gardensync/internal/protocol"
)

const (
	// ChunkSize is the payload size of every chunk but the last.
	ChunkSize = protocol.ChunkSize

	// HighWaterMark bounds a channel's unflushed bytes during a transfer.
	HighWaterMark = 10 << 20

	// LowWaterMark is where a suspended sender resumes.
	LowWaterMark = HighWaterMark / 2

	// ProgressInterval is the number of chunks between progress events.
	ProgressInterval = 10
)

var (
	// ErrCancelled is returned when a transfer was stopped by its cancel token.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrBundleTooLarge means a garden snapshot exceeds protocol.MaxBundleSize.
	ErrBundleTooLarge = errors.New("garden bundle too large")
)

// CancelToken is a cooperative cancellation flag. The sender polls it before
// every chunk and at every garden boundary.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken creates an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Encoder wraps a payload in a gossip envelope.
type Encoder interface {
	Encode(p protocol.Payload, noGossip bool, preservedID string) (string, []byte, error)
}

// Link is the mesh's point-to-point path with flow control.
type Link interface {
	Send(peerID string, data []byte) error
	WaitWritable(ctx context.Context, peerID string, n int, highWater int64) error
}

// Config holds sender configuration.
type Config struct {
	Store    garden.Store
	Encoder  Encoder
	Link     Link
	Progress *progress.Stream

	// HighWaterMark overrides the backpressure threshold (default: HighWaterMark)
	HighWaterMark int64

	// Logger for transfer activity (default: stderr logger)
	Logger *log.Logger
}

// Sender streams garden snapshots to peers.
type Sender struct {
	store     garden.Store
	encoder   Encoder
	link      Link
	stream    *progress.Stream
	highWater int64
	logger    *log.Logger

	mu     sync.Mutex
	active map[string]*CancelToken
}

// NewSender creates a sender.
func NewSender(config *Config) *Sender {
	highWater := config.HighWaterMark
	if highWater <= 0 {
		highWater = HighWaterMark
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transfer] ", log.LstdFlags)
	}

	return &Sender{
		store:     config.Store,
		encoder:   config.Encoder,
		link:      config.Link,
		stream:    config.Progress,
		highWater: highWater,
		logger:    logger,
		active:    make(map[string]*CancelToken),
	}
}

// ChunkCount returns the number of chunks a bundle of size bytes needs.
func ChunkCount(size int) int {
	return protocol.ChunkCount(int64(size))
}

type bundle struct {
	garden string
	data   []byte
}

// SendGarden snapshots gardens and streams them to every target. A nil
// token gets a fresh one, reachable through Cancel. It blocks until every
// target's stream has finished and returns the transfer ID.
func (s *Sender) SendGarden(ctx context.Context, gardens, targets []string, token *CancelToken) (string, error) {
	transferID := uuid.NewString()
	if token == nil {
		token = NewCancelToken()
	}
	report := progress.Reporter{Stream: s.stream, TransferID: transferID}

	if len(gardens) == 0 || len(targets) == 0 {
		report.Error("Nothing to send: no gardens or no targets")
		return transferID, fmt.Errorf("send requires at least one garden and one target")
	}

	s.mu.Lock()
	s.active[transferID] = token
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, transferID)
		s.mu.Unlock()
	}()

	bundles := make([]bundle, 0, len(gardens))
	for _, name := range gardens {
		data, err := garden.Snapshot(s.store, name)
		if err != nil {
			report.Error(fmt.Sprintf("Failed to snapshot %s: %v", name, err))
			return transferID, err
		}
		if len(data) > protocol.MaxBundleSize {
			err := fmt.Errorf("%w: %s is %d bytes", ErrBundleTooLarge, name, len(data))
			report.Error(err.Error())
			return transferID, err
		}
		bundles = append(bundles, bundle{garden: name, data: data})
		report.Info(fmt.Sprintf("Snapshot of %s: %d bytes, %d chunks", name, len(data), ChunkCount(len(data))))
	}

	var (
		g         errgroup.Group
		mu        sync.Mutex
		cancelled bool
	)
	for _, target := range targets {
		g.Go(func() error {
			err := s.streamTo(ctx, transferID, target, gardens, bundles, token)
			if errors.Is(err, ErrCancelled) {
				mu.Lock()
				cancelled = true
				mu.Unlock()
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if cancelled {
		return transferID, ErrCancelled
	}
	return transferID, err
}

// Cancel sets the token of an active transfer.
func (s *Sender) Cancel(transferID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.active[transferID]
	if ok {
		token.Cancel()
	}
	return ok
}

// Active returns the IDs of transfers in progress.
func (s *Sender) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *Sender) streamTo(ctx context.Context, transferID, target string, gardens []string, bundles []bundle, token *CancelToken) error {
	report := progress.Reporter{Stream: s.stream, TransferID: transferID, PeerID: target}

	fail := func(err error) error {
		report.Error(fmt.Sprintf("Transfer to %s failed: %v", target, err))
		return err
	}
	cancel := func() error {
		if err := s.send(ctx, target, protocol.SyncCancel{TransferID: transferID}); err != nil {
			s.logger.Printf("Failed to notify %s of cancellation: %v", target, err)
		}
		report.Cancelled(fmt.Sprintf("Transfer to %s cancelled", target))
		return ErrCancelled
	}

	if err := s.send(ctx, target, protocol.SendInitiation{TransferID: transferID, Gardens: gardens}); err != nil {
		return fail(err)
	}

	for _, b := range bundles {
		if token.Cancelled() {
			return cancel()
		}

		total := ChunkCount(len(b.data))
		for i := 0; i < total; i++ {
			if token.Cancelled() {
				return cancel()
			}

			end := min((i+1)*ChunkSize, len(b.data))
			chunk := protocol.GardenZipChunk{
				TransferID:  transferID,
				GardenName:  b.garden,
				ChunkIndex:  i,
				TotalChunks: total,
				Data:        b.data[i*ChunkSize : end],
				TotalSize:   int64(len(b.data)),
			}
			if err := s.send(ctx, target, chunk); err != nil {
				return fail(err)
			}

			if sent := i + 1; sent%ProgressInterval == 0 && sent < total {
				report.Info(fmt.Sprintf("%s: sent %d/%d chunks to %s", b.garden, sent, total, target))
			}
		}

		if err := s.send(ctx, target, protocol.GardenZipComplete{TransferID: transferID, GardenName: b.garden}); err != nil {
			return fail(err)
		}
		report.Info(fmt.Sprintf("%s: sent %d/%d chunks to %s", b.garden, total, total, target))
	}

	if token.Cancelled() {
		return cancel()
	}
	if err := s.send(ctx, target, protocol.FullSyncComplete{TransferID: transferID}); err != nil {
		return fail(err)
	}

	report.Complete(fmt.Sprintf("Sent %d garden(s) to %s", len(bundles), target))
	return nil
}

// send encodes p point-to-point and queues it once the channel has room.
func (s *Sender) send(ctx context.Context, target string, p protocol.Payload) error {
	_, data, err := s.encoder.Encode(p, true, "")
	if err != nil {
		return err
	}
	if err := s.link.WaitWritable(ctx, target, len(data), s.highWater); err != nil {
		return fmt.Errorf("waiting to send %s to %s: %w", p.Kind(), target, err)
	}
	if err := s.link.Send(target, data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", p.Kind(), target, err)
	}
	return nil
}
