// Package mesh manages direct peer transports.
//
// The Manager owns at most MaxDegree transports, pending or open. Transports
// are negotiated through the relay: the initiator offers a one-time token and
// its endpoint addresses as candidates, the responder answers and dials one
// of the candidates presenting the token, and the initiator's endpoint
// matches the token back to the pending transport. Once a link is up it is
// wrapped in a Channel, the presence announcement goes out first, and the
// channel is handed to the rest of the node.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/mschirtzinger/gardensync/internal/protocol"
)

// MaxDegree is the maximum number of direct transports per node.
const MaxDegree = 5

var (
	// ErrDegreeExceeded is returned when a transport would exceed MaxDegree.
	ErrDegreeExceeded = errors.New("mesh degree exceeded")

	// ErrNoTransport is returned when no open transport exists to a peer.
	ErrNoTransport = errors.New("no open transport to peer")
)

// IsTransportError reports whether err is a recoverable transport failure.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrNoTransport) || errors.Is(err, ErrChannelClosed)
}

// Signaler carries negotiation payloads to a peer through the relay.
type Signaler interface {
	Signal(target string, sig protocol.Signal) error
}

// Config holds mesh configuration.
type Config struct {
	Endpoint Endpoint
	Signaler Signaler

	// MaxDegree caps pending plus open transports (default: MaxDegree)
	MaxDegree int

	// LowWaterMark for channel backpressure (default: DefaultLowWaterMark)
	LowWaterMark int64

	// NegotiationTimeout drops transports that never open (default: 30s)
	NegotiationTimeout time.Duration

	// MaxDialAttempts bounds responder dial rounds over the candidates (default: 8)
	MaxDialAttempts int

	// Presence builds the announcement sent first on every new channel.
	Presence func(peerID string) ([]byte, error)

	OnOpen    func(peerID string)
	OnMessage func(peerID string, data []byte)
	OnClose   func(peerID string)

	// OnConnectivity reports when the node gains its first open channel
	// (true) or loses its last one (false).
	OnConnectivity func(connected bool)

	// Logger for mesh activity (default: stderr logger)
	Logger *log.Logger
}

type transport struct {
	peerID     string
	initiator  bool
	token      string
	answered   bool
	candidates []string
	channel    *Channel
	timer      *time.Timer
	cancel     context.CancelFunc
}

// Manager owns the node's direct transports.
type Manager struct {
	config *Config
	logger *log.Logger

	mu         sync.Mutex
	transports map[string]*transport
	byToken    map[string]*transport
	openCount  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager and starts accepting links on the endpoint.
func NewManager(config *Config) *Manager {
	if config.MaxDegree <= 0 {
		config.MaxDegree = MaxDegree
	}
	if config.LowWaterMark <= 0 {
		config.LowWaterMark = DefaultLowWaterMark
	}
	if config.NegotiationTimeout <= 0 {
		config.NegotiationTimeout = 30 * time.Second
	}
	if config.MaxDialAttempts <= 0 {
		config.MaxDialAttempts = 8
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[mesh] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:     config,
		logger:     logger,
		transports: make(map[string]*transport),
		byToken:    make(map[string]*transport),
		ctx:        ctx,
		cancel:     cancel,
	}

	if config.Endpoint != nil {
		m.wg.Add(1)
		go m.acceptLoop()
	}
	return m
}

// CreateTransport starts negotiation with peerID. It returns
// ErrDegreeExceeded when the mesh is full and nil when a transport to the
// peer already exists.
func (m *Manager) CreateTransport(peerID string, initiator bool) error {
	m.mu.Lock()
	if _, exists := m.transports[peerID]; exists {
		m.mu.Unlock()
		return nil
	}
	if len(m.transports) >= m.config.MaxDegree {
		m.mu.Unlock()
		m.logger.Printf("Refusing transport to %s: %d/%d in use", peerID, m.config.MaxDegree, m.config.MaxDegree)
		return ErrDegreeExceeded
	}
	t := m.addLocked(peerID, initiator, "")
	if initiator {
		t.token = uuid.NewString()
		m.byToken[t.token] = t
	}
	m.mu.Unlock()

	if !initiator {
		return nil
	}

	if err := m.config.Signaler.Signal(peerID, protocol.Signal{Type: protocol.SignalOffer, SDP: t.token}); err != nil {
		m.drop(t, "offer failed")
		return fmt.Errorf("failed to send offer to %s: %w", peerID, err)
	}
	for _, addr := range m.config.Endpoint.Addrs() {
		if err := m.config.Signaler.Signal(peerID, protocol.Signal{Type: protocol.SignalCandidate, Candidate: addr}); err != nil {
			m.drop(t, "candidate failed")
			return fmt.Errorf("failed to send candidate to %s: %w", peerID, err)
		}
	}
	return nil
}

// HandleIncomingSignal processes a negotiation payload relayed from a peer.
func (m *Manager) HandleIncomingSignal(from string, sig protocol.Signal) error {
	switch sig.Type {
	case protocol.SignalOffer:
		return m.handleOffer(from, sig.SDP)

	case protocol.SignalAnswer:
		m.mu.Lock()
		t, ok := m.transports[from]
		if ok && t.initiator {
			t.answered = true
		}
		m.mu.Unlock()
		if !ok || !t.initiator {
			m.logger.Printf("Dropping answer from %s: no pending offer", from)
		}
		return nil

	case protocol.SignalCandidate:
		m.mu.Lock()
		t, ok := m.transports[from]
		if ok && !t.initiator && sig.Candidate != "" {
			t.candidates = append(t.candidates, sig.Candidate)
		}
		m.mu.Unlock()
		if !ok {
			m.logger.Printf("Dropping candidate from %s: no negotiation in progress", from)
		}
		return nil

	default:
		m.logger.Printf("Dropping unknown signal %q from %s", sig.Type, from)
		return nil
	}
}

func (m *Manager) handleOffer(from, token string) error {
	if token == "" {
		m.logger.Printf("Dropping offer from %s: empty token", from)
		return nil
	}

	m.mu.Lock()
	if existing, ok := m.transports[from]; ok {
		if existing.initiator || existing.channel != nil {
			m.mu.Unlock()
			m.logger.Printf("Ignoring offer from %s: transport already exists", from)
			return nil
		}
		// A renewed offer replaces the token of a responder still dialing.
		existing.token = token
		m.mu.Unlock()
		return nil
	}
	if len(m.transports) >= m.config.MaxDegree {
		m.mu.Unlock()
		m.logger.Printf("Refusing offer from %s: mesh full", from)
		return ErrDegreeExceeded
	}
	t := m.addLocked(from, false, token)
	ctx, cancel := context.WithCancel(m.ctx)
	t.cancel = cancel
	m.mu.Unlock()

	if err := m.config.Signaler.Signal(from, protocol.Signal{Type: protocol.SignalAnswer, SDP: token}); err != nil {
		m.drop(t, "answer failed")
		return fmt.Errorf("failed to send answer to %s: %w", from, err)
	}

	m.wg.Add(1)
	go m.dialLoop(ctx, t)
	return nil
}

// dialLoop tries every known candidate, backing off between rounds, until
// one accepts the token.
func (m *Manager) dialLoop(ctx context.Context, t *transport) {
	defer m.wg.Done()

	b := &backoff.Backoff{
		Min:    20 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < m.config.MaxDialAttempts; attempt++ {
		m.mu.Lock()
		candidates := append([]string(nil), t.candidates...)
		token := t.token
		m.mu.Unlock()

		for _, addr := range candidates {
			link, err := m.config.Endpoint.Dial(ctx, addr, token)
			if err != nil {
				lastErr = err
				continue
			}
			m.open(t, link)
			return
		}

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return
		}
	}

	m.logger.Printf("Giving up on %s after %d dial rounds: %v", t.peerID, m.config.MaxDialAttempts, lastErr)
	m.drop(t, "dial failed")
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		select {
		case in := <-m.config.Endpoint.Accept():
			m.mu.Lock()
			t, ok := m.byToken[in.Token]
			if ok {
				delete(m.byToken, in.Token)
			}
			m.mu.Unlock()

			if !ok {
				m.logger.Printf("Rejecting direct link with unknown token")
				_ = in.Link.Close()
				continue
			}
			m.open(t, in.Link)

		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) open(t *transport, link Link) {
	m.mu.Lock()
	if m.transports[t.peerID] != t || t.channel != nil {
		m.mu.Unlock()
		_ = link.Close()
		return
	}
	ch := newChannel(t.peerID, link, m.config.LowWaterMark, m.logger)
	t.channel = ch
	if t.timer != nil {
		t.timer.Stop()
	}
	m.openCount++
	first := m.openCount == 1
	m.mu.Unlock()

	ch.start(
		func(data []byte) {
			if m.config.OnMessage != nil {
				m.config.OnMessage(t.peerID, data)
			}
		},
		func(err error) { m.closed(t, err) },
	)

	m.logger.Printf("Direct transport to %s open", t.peerID)

	if m.config.Presence != nil {
		if data, err := m.config.Presence(t.peerID); err != nil {
			m.logger.Printf("Failed to build presence for %s: %v", t.peerID, err)
		} else if err := ch.Send(data); err != nil {
			m.logger.Printf("Failed to announce presence to %s: %v", t.peerID, err)
		}
	}
	if first && m.config.OnConnectivity != nil {
		m.config.OnConnectivity(true)
	}
	if m.config.OnOpen != nil {
		m.config.OnOpen(t.peerID)
	}
}

func (m *Manager) closed(t *transport, err error) {
	m.mu.Lock()
	if m.transports[t.peerID] != t {
		m.mu.Unlock()
		return
	}
	m.removeLocked(t)
	m.openCount--
	last := m.openCount == 0
	m.mu.Unlock()

	if err != nil {
		m.logger.Printf("Direct transport to %s failed: %v", t.peerID, err)
	} else {
		m.logger.Printf("Direct transport to %s closed", t.peerID)
	}

	if m.config.OnClose != nil {
		m.config.OnClose(t.peerID)
	}
	if last && m.config.OnConnectivity != nil {
		m.config.OnConnectivity(false)
	}
}

// drop removes a transport that never opened.
func (m *Manager) drop(t *transport, reason string) {
	m.mu.Lock()
	if m.transports[t.peerID] != t || t.channel != nil {
		m.mu.Unlock()
		return
	}
	m.removeLocked(t)
	m.mu.Unlock()

	m.logger.Printf("Dropped negotiation with %s: %s", t.peerID, reason)
}

func (m *Manager) addLocked(peerID string, initiator bool, token string) *transport {
	t := &transport{peerID: peerID, initiator: initiator, token: token}
	t.timer = time.AfterFunc(m.config.NegotiationTimeout, func() { m.drop(t, "negotiation timed out") })
	m.transports[peerID] = t
	return t
}

func (m *Manager) removeLocked(t *transport) {
	delete(m.transports, t.peerID)
	if t.initiator {
		delete(m.byToken, t.token)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

// Send delivers data to peerID over its open channel.
func (m *Manager) Send(peerID string, data []byte) error {
	ch, ok := m.Channel(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, peerID)
	}
	return ch.Send(data)
}

// WaitWritable blocks until n bytes can be queued to peerID without its
// buffered amount exceeding highWater.
func (m *Manager) WaitWritable(ctx context.Context, peerID string, n int, highWater int64) error {
	ch, ok := m.Channel(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, peerID)
	}
	return ch.WaitWritable(ctx, n, highWater)
}

// Broadcast sends data over every open channel except those listed and
// returns the number of peers it was sent to.
func (m *Manager) Broadcast(data []byte, except ...string) int {
	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}

	sent := 0
	for _, ch := range m.openChannels() {
		if skip[ch.PeerID()] {
			continue
		}
		if err := ch.Send(data); err != nil {
			m.logger.Printf("Broadcast to %s failed: %v", ch.PeerID(), err)
			continue
		}
		sent++
	}
	return sent
}

// Channel returns the open channel to peerID.
func (m *Manager) Channel(peerID string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transports[peerID]
	if !ok || t.channel == nil {
		return nil, false
	}
	return t.channel, true
}

// OpenPeers returns the IDs of peers with an open channel, sorted.
func (m *Manager) OpenPeers() []string {
	chans := m.openChannels()
	ids := make([]string, 0, len(chans))
	for _, ch := range chans {
		ids = append(ids, ch.PeerID())
	}
	return ids
}

// Degree returns the number of pending plus open transports.
func (m *Manager) Degree() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transports)
}

// RemovePeer tears down any transport to peerID.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	t, ok := m.transports[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if t.channel != nil {
		_ = t.channel.Close()
		return
	}
	m.drop(t, "peer left")
}

// Reset tears down every transport.
func (m *Manager) Reset() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.transports))
	for id := range m.transports {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemovePeer(id)
	}
}

// Close tears down every transport and stops accepting links.
func (m *Manager) Close() error {
	m.Reset()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) openChannels() []*Channel {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.transports))
	for _, t := range m.transports {
		if t.channel != nil {
			chans = append(chans, t.channel)
		}
	}
	m.mu.Unlock()

	sort.Slice(chans, func(i, j int) bool { return chans[i].PeerID() < chans[j].PeerID() })
	return chans
}
