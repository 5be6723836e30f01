package mesh

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// DefaultLowWaterMark is the buffered amount at or below which writers
// blocked in WaitWritable are released.
const DefaultLowWaterMark = 5 << 20

// Channel is an open direct transport to one peer. Sends are queued and
// flushed to the link by a dedicated writer, so BufferedAmount reports the
// bytes accepted by Send but not yet written.
type Channel struct {
	peerID       string
	link         Link
	lowWaterMark int64
	logger       *log.Logger

	onMessage func(data []byte)
	onClose   func(err error)

	mu       sync.Mutex
	queue    [][]byte
	buffered int64
	waiting  bool
	lowWater chan struct{}
	wake     chan struct{}
	closed   bool
	err      error

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChannel(peerID string, link Link, lowWaterMark int64, logger *log.Logger) *Channel {
	if lowWaterMark <= 0 {
		lowWaterMark = DefaultLowWaterMark
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		peerID:       peerID,
		link:         link,
		lowWaterMark: lowWaterMark,
		logger:       logger,
		lowWater:     make(chan struct{}),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// start launches the reader and writer. Callbacks run on the reader
// goroutine (onMessage) or whichever goroutine observes the failure (onClose).
func (c *Channel) start(onMessage func([]byte), onClose func(error)) {
	c.onMessage = onMessage
	c.onClose = onClose
	go c.writeLoop()
	go c.readLoop()
}

// PeerID returns the remote peer's ID.
func (c *Channel) PeerID() string {
	return c.peerID
}

// Send queues data for delivery. It never blocks; callers that need flow
// control use WaitWritable first.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, data)
	c.buffered += int64(len(data))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// BufferedAmount returns the bytes queued but not yet written to the link.
func (c *Channel) BufferedAmount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// WaitWritable blocks until n more bytes can be queued without the buffered
// amount exceeding highWater. Each time it has to wait, it waits for the
// buffered amount to drain to the low-water mark. An empty queue always
// admits the next message.
func (c *Channel) WaitWritable(ctx context.Context, n int, highWater int64) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrChannelClosed
		}
		if c.buffered == 0 || c.buffered+int64(n) <= highWater {
			c.mu.Unlock()
			return nil
		}
		c.waiting = true
		lowWater := c.lowWater
		c.mu.Unlock()

		select {
		case <-lowWater:
		case <-c.done:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the channel down. Queued data is discarded.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		c.queue = nil
		c.mu.Unlock()

		c.cancel()
		_ = c.link.Close()
		close(c.done)

		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func (c *Channel) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.done:
				return
			}
			c.mu.Lock()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		data := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.link.Write(c.ctx, data); err != nil {
			c.logger.Printf("Write to %s failed: %v", c.peerID, err)
			c.shutdown(err)
			return
		}

		c.mu.Lock()
		c.buffered -= int64(len(data))
		if c.waiting && c.buffered <= c.lowWaterMark {
			close(c.lowWater)
			c.lowWater = make(chan struct{})
			c.waiting = false
		}
		c.mu.Unlock()
	}
}

func (c *Channel) readLoop() {
	for {
		data, err := c.link.Read(c.ctx)
		if err != nil {
			select {
			case <-c.done:
				c.shutdown(nil)
			default:
				c.shutdown(err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}
