package mesh

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WebSocketConfig holds direct-endpoint configuration.
type WebSocketConfig struct {
	// ListenAddr is the host:port to accept direct links on (default: 127.0.0.1:0)
	ListenAddr string

	// Advertise overrides the addresses offered to peers, for hosts behind NAT
	// or a reverse proxy. Each entry is a ws:// or wss:// URL ending in /direct.
	Advertise []string

	// ReadLimit caps a single inbound frame (default: 16 MiB)
	ReadLimit int64

	// Logger for endpoint activity (default: stderr logger)
	Logger *log.Logger
}

// WebSocketEndpoint accepts and dials direct links over WebSocket.
type WebSocketEndpoint struct {
	config   *WebSocketConfig
	logger   *log.Logger
	server   *http.Server
	listener net.Listener
	accept   chan Inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketEndpoint creates an endpoint. Call Start before use.
func NewWebSocketEndpoint(config *WebSocketConfig) *WebSocketEndpoint {
	if config == nil {
		config = &WebSocketConfig{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:0"
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 16 << 20
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[direct] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &WebSocketEndpoint{
		config: config,
		logger: logger,
		accept: make(chan Inbound, 16),
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/direct", e.handleDirect)
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return e
}

// Start begins accepting direct links.
func (e *WebSocketEndpoint) Start() error {
	listener, err := net.Listen("tcp", e.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.config.ListenAddr, err)
	}
	e.listener = listener

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			e.logger.Printf("Direct endpoint error: %v", err)
		}
	}()

	e.logger.Printf("Accepting direct links on %s", listener.Addr())
	return nil
}

// Addrs returns the URLs peers should dial.
func (e *WebSocketEndpoint) Addrs() []string {
	if len(e.config.Advertise) > 0 {
		return e.config.Advertise
	}
	if e.listener == nil {
		return nil
	}
	return []string{"ws://" + e.listener.Addr().String() + "/direct"}
}

func (e *WebSocketEndpoint) Dial(ctx context.Context, addr, token string) (Link, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid direct address %q: %w", addr, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	conn.SetReadLimit(e.config.ReadLimit)
	return newWSLink(conn), nil
}

func (e *WebSocketEndpoint) Accept() <-chan Inbound {
	return e.accept
}

// Close stops accepting links. Links already handed out stay open.
func (e *WebSocketEndpoint) Close() error {
	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown direct endpoint: %w", err)
	}
	e.wg.Wait()
	return nil
}

func (e *WebSocketEndpoint) handleDirect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		e.logger.Printf("Direct accept error: %v", err)
		return
	}
	conn.SetReadLimit(e.config.ReadLimit)

	link := newWSLink(conn)
	select {
	case e.accept <- Inbound{Token: token, Link: link}:
	case <-e.ctx.Done():
		link.Close()
		return
	}

	// Hold the handler until the link is done with the connection.
	select {
	case <-link.closed:
	case <-e.ctx.Done():
	}
}

type wsLink struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSLink(conn *websocket.Conn) *wsLink {
	return &wsLink{conn: conn, closed: make(chan struct{})}
}

func (l *wsLink) Read(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	return data, err
}

func (l *wsLink) Write(ctx context.Context, data []byte) error {
	return l.conn.Write(ctx, websocket.MessageBinary, data)
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close(websocket.StatusNormalClosure, "")
		close(l.closed)
	})
	return err
}
