// Package session implements the client side of the rendezvous relay.
//
// A Client owns one relay connection, joins one named session at a time,
// and turns relay frames into peer lifecycle callbacks. It applies the
// symmetry-breaking rule to every discovered peer: only the side whose ID
// sorts greater initiates negotiation, so each unordered pair negotiates
// from exactly one side.
//
// A dropped relay connection is terminal. The client reports it once and
// waits for an explicit Connect; it never redials on its own.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/mschirtzinger/gardensync/internal/protocol"
)

var (
	// ErrNotConnected is returned when an operation needs a relay connection.
	ErrNotConnected = errors.New("not connected to relay")

	// ErrNotJoined is returned when an operation needs session membership.
	ErrNotJoined = errors.New("not joined to a session")

	// ErrIncompatibleRelay is returned when the relay speaks another major
	// protocol version.
	ErrIncompatibleRelay = errors.New("incompatible relay protocol version")

	// ErrMalformedFrame is returned for a relay frame that is not valid JSON.
	ErrMalformedFrame = errors.New("malformed relay frame")
)

// State is the client's connectivity as shown to the user.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"  // relay open, no session yet
	StateRelayOnly    State = "relay_only" // joined, no direct transports
	StateMesh         State = "mesh"       // joined, at least one direct transport
)

// Handler receives peer lifecycle events. Methods are called from the
// client's read goroutine, one at a time, in frame order.
type Handler interface {
	// PeerDiscovered reports a session member. initiate is true when this
	// side must start negotiation.
	PeerDiscovered(peerID string, initiate bool)
	PeerLeft(peerID string)
	SignalReceived(from string, sig protocol.Signal)
	// Disconnected reports a lost relay connection. It is not called for Close.
	Disconnected(err error)
}

// ShouldInitiate reports whether self starts negotiation toward other.
func ShouldInitiate(self, other string) bool {
	return self > other
}

// Config holds client configuration.
type Config struct {
	Handler Handler

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger

	// WriteTimeout bounds each frame write (default: 5s)
	WriteTimeout time.Duration
}

// Client is a relay connection plus session membership.
type Client struct {
	handler      Handler
	logger       *log.Logger
	writeTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	url       string
	state     State
	peerID    string
	sessionID string
	joined    chan protocol.RelayMessage
	closing   bool
	done      chan struct{}

	stateListeners []func(State)
}

// New creates a disconnected client.
func New(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	return &Client{
		handler:      config.Handler,
		logger:       logger,
		writeTimeout: writeTimeout,
		state:        StateDisconnected,
	}
}

// OnStateChange registers fn to be called after every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// Connect opens the relay connection. It is a no-op when already open.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to relay %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	welcome, err := readFrame(ctx, conn)
	if err == nil && welcome.Type != protocol.RelayWelcome {
		err = fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	if err == nil && semver.Major(welcome.Version) != semver.Major(protocol.Version) {
		err = fmt.Errorf("%w: relay %q, client %q", ErrIncompatibleRelay, welcome.Version, protocol.Version)
	}
	if err != nil {
		conn.CloseNow()
		c.setState(StateDisconnected)
		return fmt.Errorf("relay handshake failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.url = url
	c.closing = false
	c.done = make(chan struct{})
	c.peerID = ""
	c.sessionID = ""
	done := c.done
	c.mu.Unlock()

	c.logger.Printf("Connected to relay %s (protocol %s)", url, welcome.Version)
	c.setState(StateConnected)

	go c.readLoop(conn, done)
	return nil
}

// JoinSession joins (or switches to) the named session and waits for the
// relay to confirm membership. It returns the assigned peer ID.
func (c *Client) JoinSession(ctx context.Context, name, namePrefix string) (string, error) {
	waiter := make(chan protocol.RelayMessage, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.joined = waiter
	done := c.done
	c.mu.Unlock()

	err := c.write(ctx, protocol.RelayMessage{
		Type:           protocol.RelayJoinSession,
		SessionID:      name,
		PeerNamePrefix: namePrefix,
	})
	if err != nil {
		return "", err
	}

	select {
	case msg := <-waiter:
		if msg.Type == protocol.RelayError {
			return "", fmt.Errorf("relay rejected join: %s", msg.Message)
		}
		return msg.PeerID, nil
	case <-done:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Signal sends a negotiation payload to target through the relay.
func (c *Client) Signal(target string, sig protocol.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.write(ctx, protocol.RelayMessage{
		Type:   protocol.RelaySignal,
		Target: target,
		Data:   data,
	})
}

// SetMeshConnected moves between relay_only and mesh once joined.
func (c *Client) SetMeshConnected(connected bool) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StateRelayOnly && state != StateMesh {
		return
	}
	if connected {
		c.setState(StateMesh)
	} else {
		c.setState(StateRelayOnly)
	}
}

// Close drops the relay connection without reporting Disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.closing = true
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && !isCloseError(err) {
		c.logger.Printf("Relay close handshake failed: %v", err)
	}
	<-done
	return nil
}

// PeerID returns the ID assigned at the last join.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// SessionID returns the normalized name of the joined session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current connectivity state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		c.mu.Lock()
		explicit := c.closing
		if c.conn == conn {
			c.conn = nil
		}
		c.peerID = ""
		c.sessionID = ""
		c.mu.Unlock()

		close(done)
		c.setState(StateDisconnected)

		if !explicit {
			c.logger.Printf("Relay connection lost: %v", readErr)
			if c.handler != nil {
				c.handler.Disconnected(readErr)
			}
		}
	}()

	for {
		msg, err := readFrame(context.Background(), conn)
		if errors.Is(err, ErrMalformedFrame) {
			c.logger.Printf("Dropping frame: %v", err)
			continue
		}
		if err != nil {
			readErr = err
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.RelayMessage) {
	switch msg.Type {
	case protocol.RelaySessionJoined:
		c.mu.Lock()
		c.peerID = msg.PeerID
		self := msg.PeerID
		waiter := c.joined
		c.joined = nil
		c.mu.Unlock()

		c.logger.Printf("Joined session as %s with %d known peers", self, len(msg.Peers))
		c.setState(StateRelayOnly)
		for _, peer := range msg.Peers {
			c.discovered(self, peer)
		}
		if waiter != nil {
			waiter <- msg
		}

	case protocol.RelayPeerJoined:
		c.discovered(c.PeerID(), msg.PeerID)

	case protocol.RelayPeerLeft:
		if c.handler != nil {
			c.handler.PeerLeft(msg.PeerID)
		}

	case protocol.RelaySignal:
		var sig protocol.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			c.logger.Printf("Dropping malformed signal from %s: %v", msg.From, err)
			return
		}
		if c.handler != nil {
			c.handler.SignalReceived(msg.From, sig)
		}

	case protocol.RelayError:
		c.logger.Printf("Relay error: %s", msg.Message)
		c.mu.Lock()
		waiter := c.joined
		c.joined = nil
		c.mu.Unlock()
		if waiter != nil {
			waiter <- msg
		}

	default:
		c.logger.Printf("Ignoring relay frame %q", msg.Type)
	}
}

func (c *Client) discovered(self, peer string) {
	if peer == "" || peer == self || c.handler == nil {
		return
	}
	c.handler.PeerDiscovered(peer, ShouldInitiate(self, peer))
}

// setSession records the normalized name of the session being joined.
func (c *Client) setSession(name string) {
	c.mu.Lock()
	c.sessionID = protocol.NormalizeSession(name)
	c.mu.Unlock()
}

func (c *Client) write(ctx context.Context, msg protocol.RelayMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if msg.Type == protocol.RelayJoinSession {
		c.setSession(msg.SessionID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", msg.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append(([]func(State))(nil), c.stateListeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (protocol.RelayMessage, error) {
	var msg protocol.RelayMessage
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return msg, nil
}

func isCloseError(err error) bool {
	return websocket.CloseStatus(err) != -1
}
