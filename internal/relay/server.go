// Package relay provides the rendezvous WebSocket server peers use to find
// each other.
//
// The relay groups connections into named sessions, assigns each connection
// a peer ID, introduces new members to existing ones, and forwards opaque
// negotiation payloads between peers. It never holds garden data and never
// inspects signal payloads.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/mschirtzinger/gardensync/internal/protocol"
)

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8787, 0 picks a free port)
	Port int

	// PingInterval is how often each connection is pinged for liveness
	PingInterval time.Duration

	// PingTimeout bounds how long a ping may wait for its pong
	PingTimeout time.Duration

	// MaxIntroducedPeers caps the member list returned on join
	MaxIntroducedPeers int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:               8787,
		PingInterval:       30 * time.Second,
		PingTimeout:        10 * time.Second,
		MaxIntroducedPeers: 10,
		Logger:             log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// client is one relay connection. peerID and sessionID are guarded by
// Server.mu.
type client struct {
	conn      *websocket.Conn
	peerID    string
	sessionID string
}

// Server manages relay connections and session membership
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	config   *Config

	// Membership, all guarded by mu
	clients  map[*client]bool
	sessions map[string]map[string]*client // session -> peer ID -> client
	peers    map[string]*client            // peer ID -> client
	mu       sync.RWMutex

	metrics *metrics

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a new relay server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = defaults.PingTimeout
	}
	if config.MaxIntroducedPeers <= 0 {
		config.MaxIntroducedPeers = defaults.MaxIntroducedPeers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:     fmt.Sprintf(":%d", config.Port),
		config:   config,
		clients:  make(map[*client]bool),
		sessions: make(map[string]map[string]*client),
		peers:    make(map[string]*client),
		metrics:  newMetrics(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.handler())

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay")

	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Relay stopped")
	return nil
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // editors run from arbitrary origins
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()
	s.metrics.connections.Inc()

	s.logger.Printf("Client connected (total: %d)", total)

	s.send(c, protocol.RelayMessage{Type: protocol.RelayWelcome, Version: protocol.Version})

	s.wg.Add(2)
	go s.pingLoop(c)
	go s.readLoop(c)
}

// readLoop dispatches client frames until the connection fails
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg protocol.RelayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("Malformed frame: %v", err)
			s.sendError(c, "malformed message")
			continue
		}

		switch msg.Type {
		case protocol.RelayJoinSession:
			s.handleJoin(c, msg)
		case protocol.RelaySignal:
			s.handleSignal(c, msg)
		default:
			s.logger.Printf("Ignoring frame type %q", msg.Type)
		}
	}
}

// pingLoop drops the connection when a liveness ping goes unanswered
func (s *Server) pingLoop(c *client) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.config.PingTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Printf("Dropping unresponsive connection: %v", err)
				}
				c.conn.CloseNow()
				return
			}
		}
	}
}

// handleJoin registers the connection under a session and introduces it
func (s *Server) handleJoin(c *client, msg protocol.RelayMessage) {
	sessionID := protocol.NormalizeSession(msg.SessionID)
	if sessionID == "" {
		s.sendError(c, "sessionId is required")
		return
	}

	s.mu.Lock()
	if c.sessionID != "" {
		s.leaveLocked(c)
	}

	peerID := s.newPeerIDLocked(msg.PeerNamePrefix)
	members, ok := s.sessions[sessionID]
	if !ok {
		members = make(map[string]*client)
		s.sessions[sessionID] = members
	}

	existing := make([]*client, 0, len(members))
	ids := make([]string, 0, len(members))
	for id, other := range members {
		existing = append(existing, other)
		ids = append(ids, id)
	}

	c.peerID = peerID
	c.sessionID = sessionID
	members[peerID] = c
	s.peers[peerID] = c
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.metrics.joins.Inc()
	s.logger.Printf("Peer %s joined session %q (%d existing)", peerID, sessionID, len(existing))

	s.send(c, protocol.RelayMessage{
		Type:   protocol.RelaySessionJoined,
		PeerID: peerID,
		Peers:  lo.Samples(ids, s.config.MaxIntroducedPeers),
	})

	for _, other := range existing {
		s.send(other, protocol.RelayMessage{Type: protocol.RelayPeerJoined, PeerID: peerID})
	}
}

// handleSignal forwards a negotiation payload to its target verbatim
func (s *Server) handleSignal(c *client, msg protocol.RelayMessage) {
	s.mu.RLock()
	from := c.peerID
	target, ok := s.peers[msg.Target]
	s.mu.RUnlock()

	if from == "" {
		s.sendError(c, "join a session before signaling")
		return
	}
	if !ok {
		s.metrics.signalsDropped.Inc()
		s.logger.Printf("Dropping signal from %s to unknown peer %s", from, msg.Target)
		return
	}

	s.metrics.signalsRelayed.Inc()
	s.send(target, protocol.RelayMessage{
		Type: protocol.RelaySignal,
		From: from,
		Data: msg.Data,
	})
}

// removeClient safely removes a client connection
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, exists := s.clients[c]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	if c.sessionID != "" {
		s.leaveLocked(c)
	}
	total := len(s.clients)
	s.updateGaugesLocked()
	s.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", total)
}

// leaveLocked removes c from its session, notifies the remaining members
// and drops the session once empty. Callers hold s.mu.
func (s *Server) leaveLocked(c *client) {
	members := s.sessions[c.sessionID]
	delete(members, c.peerID)
	delete(s.peers, c.peerID)

	if len(members) == 0 {
		delete(s.sessions, c.sessionID)
		s.logger.Printf("Session %q closed", c.sessionID)
	}

	left := c.peerID
	remaining := make([]*client, 0, len(members))
	for _, other := range members {
		remaining = append(remaining, other)
	}
	c.peerID = ""
	c.sessionID = ""

	// Notify outside the request path's lock hold time; writes carry their own timeout.
	go func() {
		for _, other := range remaining {
			s.send(other, protocol.RelayMessage{Type: protocol.RelayPeerLeft, PeerID: left})
		}
	}()
}

var prefixSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// newPeerIDLocked returns a random peer ID, optionally prefixed with a
// human label, that is not currently registered.
func (s *Server) newPeerIDLocked(prefix string) string {
	prefix = strings.Trim(prefixSanitizer.ReplaceAllString(prefix, ""), "-")
	if len(prefix) > 24 {
		prefix = prefix[:24]
	}

	for {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		id := suffix
		if prefix != "" {
			id = prefix + "-" + suffix
		}
		if _, taken := s.peers[id]; !taken {
			return id
		}
	}
}

func (s *Server) updateGaugesLocked() {
	s.metrics.sessions.Set(float64(len(s.sessions)))
	s.metrics.peers.Set(float64(len(s.peers)))
}

func (s *Server) send(c *client, msg protocol.RelayMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s frame: %v", msg.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Printf("Failed to send %s frame: %v", msg.Type, err)
	}
}

func (s *Server) sendError(c *client, message string) {
	s.send(c, protocol.RelayMessage{Type: protocol.RelayError, Message: message})
}

// handleHealth returns liveness status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sessions := len(s.sessions)
	peers := len(s.peers)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  sessions,
		"peers":     peers,
	})
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Members returns the peer IDs registered under a session
func (s *Server) Members(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.sessions[protocol.NormalizeSession(sessionID)])
}
