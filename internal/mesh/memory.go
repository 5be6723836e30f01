package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errNoListener = errors.New("mem: no such endpoint")

// MemoryNetwork connects MemoryEndpoints inside one process. It stands in
// for the network in tests and in single-process demos.
type MemoryNetwork struct {
	// WriteDelay slows every link write, simulating a slow-draining transport.
	WriteDelay time.Duration

	mu        sync.Mutex
	endpoints map[string]*MemoryEndpoint
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryEndpoint)}
}

// Endpoint registers and returns an endpoint reachable at mem://name.
func (n *MemoryNetwork) Endpoint(name string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := &MemoryEndpoint{
		network: n,
		addr:    "mem://" + name,
		accept:  make(chan Inbound, 16),
		closed:  make(chan struct{}),
	}
	n.endpoints[e.addr] = e
	return e
}

// Pipe returns two connected links, bypassing endpoints.
func (n *MemoryNetwork) Pipe() (Link, Link) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &memLink{in: ba, out: ab, closed: closed, once: once, delay: n.WriteDelay}
	b := &memLink{in: ab, out: ba, closed: closed, once: once, delay: n.WriteDelay}
	return a, b
}

// MemoryEndpoint is an Endpoint on a MemoryNetwork.
type MemoryEndpoint struct {
	network *MemoryNetwork
	addr    string
	accept  chan Inbound

	closeOnce sync.Once
	closed    chan struct{}
}

func (e *MemoryEndpoint) Addrs() []string {
	return []string{e.addr}
}

func (e *MemoryEndpoint) Dial(ctx context.Context, addr, token string) (Link, error) {
	e.network.mu.Lock()
	target := e.network.endpoints[addr]
	e.network.mu.Unlock()
	if target == nil {
		return nil, fmt.Errorf("%w: %s", errNoListener, addr)
	}

	local, remote := e.network.Pipe()
	select {
	case target.accept <- Inbound{Token: token, Link: remote}:
		return local, nil
	case <-target.closed:
		return nil, fmt.Errorf("%w: %s", errNoListener, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *MemoryEndpoint) Accept() <-chan Inbound {
	return e.accept
}

func (e *MemoryEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.network.mu.Lock()
		delete(e.network.endpoints, e.addr)
		e.network.mu.Unlock()
		close(e.closed)
	})
	return nil
}

type memLink struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
	delay  time.Duration
}

func (l *memLink) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-l.in:
		return data, nil
	case <-l.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memLink) Write(ctx context.Context, data []byte) error {
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-l.closed:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case l.out <- data:
		return nil
	case <-l.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
