// Package node wires one gardensync peer together.
//
// A Node owns every component of a peer: the relay session, the direct
// mesh, the gossip router, the full-sync sender and receiver, live-sync
// and (optionally) the filesystem watcher. Callbacks from all of them are
// funnelled through a single mailbox goroutine, so protocol handling runs
// one message at a time. Only bulk sends and disk writes run beside it.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sync"

	"github.com/raulk/clock"
	"github.com/samber/lo"

	"github.com/mschirtzinger/gardensync/internal/fullsync"
	"github.com/mschirtzinger/gardensync/internal/garden"
	"github.com/mschirtzinger/gardensync/internal/gossip"
	"github.com/mschirtzinger/gardensync/internal/history"
	"github.com/mschirtzinger/gardensync/internal/livesync"
	"github.com/mschirtzinger/gardensync/internal/mesh"
	"github.com/mschirtzinger/gardensync/internal/peers"
	"github.com/mschirtzinger/gardensync/internal/progress"
	"github.com/mschirtzinger/gardensync/internal/protocol"
	"github.com/mschirtzinger/gardensync/internal/session"
	"github.com/mschirtzinger/gardensync/internal/transfer"
	"github.com/mschirtzinger/gardensync/internal/watch"
)

var (
	// ErrNotStarted is returned by operations that need a running node.
	ErrNotStarted = errors.New("node not started")

	// ErrNoRoute is returned when no direct peer can serve a request.
	ErrNoRoute = errors.New("no direct peer holds the requested gardens")
)

// Config holds node configuration.
type Config struct {
	RelayURL   string
	Session    string
	NamePrefix string

	// Name is shown to other peers (default: hostname)
	Name string

	// GardensDir holds one subdirectory per garden
	GardensDir string

	// Endpoint for direct links (default: WebSocket endpoint on ListenAddr)
	Endpoint   mesh.Endpoint
	ListenAddr string

	// Watch publishes local file edits as file_update messages
	Watch bool

	// History, when set, records every progress event
	History *history.DB

	// OnReload is called once per completed incoming full sync.
	OnReload func(gardens []string)

	// OnStateChange reports session connectivity transitions.
	OnStateChange func(session.State)

	// Clock drives receiver eviction and live-sync elections (default: wall clock)
	Clock clock.Clock

	// LogOutput receives every component log (default: stderr)
	LogOutput io.Writer
}

// Node is one running peer.
type Node struct {
	config *Config
	logger *log.Logger

	store    *garden.DirStore
	stream   *progress.Stream
	registry *peers.Registry
	endpoint mesh.Endpoint
	ownsEP   bool
	mesh     *mesh.Manager
	router   *gossip.Router
	sender   *transfer.Sender
	receiver *fullsync.Receiver
	client   *session.Client
	watcher  *watch.Watcher
	box      *mailbox

	mu      sync.Mutex
	live    *livesync.Manager
	peerID  string // last assigned ID, kept while direct transports outlive the relay
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *Config) newLogger(component string) *log.Logger {
	return log.New(c.LogOutput, "["+component+"] ", log.LstdFlags)
}

// New builds a node. Nothing touches the network until Start.
func New(config *Config) (*Node, error) {
	if config == nil || config.GardensDir == "" {
		return nil, fmt.Errorf("gardens directory cannot be empty")
	}
	if config.LogOutput == nil {
		config.LogOutput = os.Stderr
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Name == "" {
		config.Name, _ = os.Hostname()
	}

	store, err := garden.NewDirStore(config.GardensDir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:   config,
		logger:   config.newLogger("node"),
		store:    store,
		stream:   progress.NewStream(),
		registry: peers.NewRegistry(),
		endpoint: config.Endpoint,
		box:      newMailbox(),
	}

	if n.endpoint == nil {
		n.endpoint = mesh.NewWebSocketEndpoint(&mesh.WebSocketConfig{
			ListenAddr: config.ListenAddr,
			Logger:     config.newLogger("direct"),
		})
		n.ownsEP = true
	}

	n.client = session.New(&session.Config{
		Handler: sessionHandler{n},
		Logger:  config.newLogger("session"),
	})
	if config.OnStateChange != nil {
		n.client.OnStateChange(config.OnStateChange)
	}

	n.mesh = mesh.NewManager(&mesh.Config{
		Endpoint: n.endpoint,
		Signaler: n.client,
		Presence: n.presence,
		OnOpen: func(peerID string) {
			n.box.post(func() { n.registry.SetDirect(peerID, true) })
		},
		OnMessage: func(peerID string, data []byte) {
			n.box.post(func() { n.router.Receive(data, peerID) })
		},
		OnClose: func(peerID string) {
			n.box.post(func() { n.transportLost(peerID) })
		},
		OnConnectivity: n.client.SetMeshConnected,
		Logger:         config.newLogger("mesh"),
	})

	n.router, err = gossip.NewRouter(&gossip.Config{
		Transport: n.mesh,
		Handler:   n.handle,
		Logger:    config.newLogger("gossip"),
	})
	if err != nil {
		return nil, err
	}

	n.sender = transfer.NewSender(&transfer.Config{
		Store:    store,
		Encoder:  n.router,
		Link:     n.mesh,
		Progress: n.stream,
		Logger:   config.newLogger("transfer"),
	})

	n.receiver = fullsync.NewReceiver(&fullsync.Config{
		Store:    store,
		Progress: n.stream,
		Write:    n.writeEntry,
		OnComplete: func(transferID string, gardens []string) {
			n.box.post(func() { n.syncCompleted(gardens) })
		},
		Clock:  config.Clock,
		Logger: config.newLogger("fullsync"),
	})

	if config.Watch {
		n.watcher, err = watch.New(&watch.Config{
			Root:   config.GardensDir,
			Logger: config.newLogger("watch"),
		})
		if err != nil {
			return nil, err
		}
	}

	if config.History != nil {
		config.History.SetLogger(config.newLogger("history"))
		n.stream.Subscribe(config.History.Sink())
	}
	return n, nil
}

// Start connects to the relay, joins the session and begins serving. Call
// Stop even when Start fails.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()

	if ws, ok := n.endpoint.(*mesh.WebSocketEndpoint); ok && n.ownsEP {
		if err := ws.Start(); err != nil {
			return err
		}
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.box.run(n.ctx.Done())
	}()
	go func() {
		defer n.wg.Done()
		n.receiver.Run(n.ctx)
	}()

	if n.watcher != nil {
		if err := n.watcher.Start(n.ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		n.wg.Add(1)
		go n.publishChanges()
	}

	if err := n.join(ctx); err != nil {
		return err
	}
	return nil
}

// join connects and joins, resetting anything left from a previous
// membership so a reused peer ID never meets a stale transport.
func (n *Node) join(ctx context.Context) error {
	n.mesh.Reset()
	n.registry.Reset()

	if err := n.client.Connect(ctx, n.config.RelayURL); err != nil {
		return err
	}
	peerID, err := n.client.JoinSession(ctx, n.config.Session, n.config.NamePrefix)
	if err != nil {
		return fmt.Errorf("failed to join session %q: %w", n.config.Session, err)
	}

	live := livesync.NewManager(&livesync.Config{
		Self:            n.self(peerID),
		Dispatcher:      n.router,
		SyncableGardens: n.liveGardens,
		RequestGardens: func(host string, gardens []string) error {
			return n.RequestGardens(context.Background(), host, gardens)
		},
		LoadText: func(gardenName, p string) (string, error) {
			data, err := n.store.ReadFile(gardenName, p)
			return string(data), err
		},
		Clock:  n.config.Clock,
		Logger: n.config.newLogger("livesync"),
	})
	n.mu.Lock()
	prev := n.live
	n.live = live
	n.peerID = peerID
	n.mu.Unlock()
	if prev != nil {
		prev.Disable()
	}

	n.logger.Printf("Joined session %s as %s", n.client.SessionID(), peerID)
	return nil
}

// Reconnect re-establishes a lost relay connection and rejoins.
func (n *Node) Reconnect(ctx context.Context) error {
	if !n.running() {
		return ErrNotStarted
	}
	return n.join(ctx)
}

// Stop leaves the session and shuts every component down.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	live := n.live
	n.mu.Unlock()

	n.logger.Println("Stopping node")

	if live != nil {
		live.Disable()
	}
	if n.watcher != nil {
		if err := n.watcher.Stop(); err != nil {
			n.logger.Printf("Error stopping watcher: %v", err)
		}
	}
	for _, id := range n.sender.Active() {
		n.sender.Cancel(id)
	}
	if err := n.client.Close(); err != nil {
		n.logger.Printf("Error closing relay connection: %v", err)
	}
	if err := n.mesh.Close(); err != nil {
		n.logger.Printf("Error closing mesh: %v", err)
	}
	if err := n.endpoint.Close(); err != nil {
		n.logger.Printf("Error closing endpoint: %v", err)
	}

	n.cancel()
	n.wg.Wait()
	n.receiver.Wait()

	n.logger.Println("Node stopped")
	return nil
}

func (n *Node) running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// PeerID returns the ID assigned by the relay.
func (n *Node) PeerID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peerID
}

// State returns the session connectivity state.
func (n *Node) State() session.State { return n.client.State() }

// Store returns the garden store.
func (n *Node) Store() *garden.DirStore { return n.store }

// Progress returns the stream every component reports to.
func (n *Node) Progress() *progress.Stream { return n.stream }

// Peers returns the registry entries, sorted by ID.
func (n *Node) Peers() []peers.Peer { return n.registry.List() }

// DirectPeers returns the peers with an open direct transport.
func (n *Node) DirectPeers() []string { return n.mesh.OpenPeers() }

// Live returns the live-sync manager of the current membership.
func (n *Node) Live() *livesync.Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live
}

// SendGardens streams gardens to targets and blocks until done.
func (n *Node) SendGardens(ctx context.Context, gardens, targets []string) (string, error) {
	if !n.running() {
		return "", ErrNotStarted
	}
	return n.sender.SendGarden(ctx, gardens, targets, nil)
}

// Cancel stops an outgoing transfer.
func (n *Node) Cancel(transferID string) bool {
	return n.sender.Cancel(transferID)
}

// RequestGardens asks target to full-sync gardens to this node. When target
// is not a direct neighbor, a direct neighbor announcing every garden is
// asked instead.
func (n *Node) RequestGardens(ctx context.Context, target string, gardens []string) error {
	if !n.running() {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	route := target
	direct := n.mesh.OpenPeers()
	if !slices.Contains(direct, target) {
		route = ""
		for _, id := range direct {
			p, _ := n.registry.Get(id)
			if len(lo.Without(gardens, p.Gardens...)) == 0 {
				route = id
				break
			}
		}
		if route == "" {
			return fmt.Errorf("%w: %v from %s", ErrNoRoute, gardens, target)
		}
	}

	progress.Reporter{Stream: n.stream, PeerID: route}.Info(fmt.Sprintf("Requesting %v from %s", gardens, route))
	_, err := n.router.Dispatch(protocol.RequestGardens{Gardens: gardens}, route, "")
	if mesh.IsTransportError(err) {
		return fmt.Errorf("%w: %s went away: %v", ErrNoRoute, route, err)
	}
	return err
}

func (n *Node) self(peerID string) protocol.PeerInfo {
	names, err := n.store.List()
	if err != nil {
		n.logger.Printf("Failed to list gardens: %v", err)
	}
	return protocol.PeerInfo{ID: peerID, Name: n.config.Name, Gardens: names}
}

// presence is the first message on every new channel. It is gossiped on,
// so peers beyond the neighbor learn about this node too.
func (n *Node) presence(string) ([]byte, error) {
	_, data, err := n.router.Encode(protocol.PeerIntroduction{Peer: n.self(n.PeerID())}, false, "")
	return data, err
}

// liveGardens lists the gardens whose manifest opts into live sync.
func (n *Node) liveGardens() []string {
	names, err := n.store.List()
	if err != nil {
		return nil
	}
	return lo.Filter(names, func(name string, _ int) bool {
		m, err := garden.LoadManifest(n.store, name)
		return err == nil && m.LiveSync
	})
}

// handle runs on the mailbox goroutine for every delivered payload.
func (n *Node) handle(from string, p protocol.Payload) {
	switch msg := p.(type) {
	case protocol.PeerIntroduction:
		if msg.Peer.ID != "" && msg.Peer.ID != n.PeerID() {
			n.registry.Introduce(msg.Peer.ID, msg.Peer.Name, msg.Peer.Gardens)
		}
	case protocol.SendInitiation:
		n.receiver.HandleInitiation(from, msg)
	case protocol.GardenZipChunk:
		if err := n.receiver.HandleChunk(from, msg); err != nil {
			n.logger.Printf("Dropping chunk from %s: %v", from, err)
		}
	case protocol.GardenZipComplete:
		if err := n.receiver.HandleZipComplete(from, msg); err != nil {
			n.logger.Printf("Garden %s from %s not applied: %v", msg.GardenName, from, err)
		}
	case protocol.FullSyncComplete:
		n.receiver.HandleFullSyncComplete(from, msg)
	case protocol.SyncCancel:
		n.receiver.HandleCancel(from, msg)
	case protocol.FileUpdate:
		n.applyFileUpdate(msg)
	case protocol.RequestGardens:
		n.serveRequest(from, msg.Gardens)
	case protocol.Unknown:
		n.logger.Printf("Ignoring unknown payload %q from %s", msg.Type, from)
	default:
		if live := n.Live(); live == nil || !live.Handle(p) {
			n.logger.Printf("Ignoring %s from %s", p.Kind(), from)
		}
	}
}

// serveRequest streams the requested gardens this node holds back to from.
func (n *Node) serveRequest(from string, gardens []string) {
	held, err := n.store.List()
	if err != nil {
		n.logger.Printf("Failed to list gardens: %v", err)
		return
	}
	wanted := lo.Intersect(held, gardens)
	if missing := lo.Without(gardens, held...); len(missing) > 0 {
		n.logger.Printf("%s requested gardens not held here: %v", from, missing)
	}
	if len(wanted) == 0 {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_, err := n.sender.SendGarden(n.ctx, wanted, []string{from}, nil)
		switch {
		case err == nil:
		case mesh.IsTransportError(err):
			n.logger.Printf("Lost %s while sending %v: %v", from, wanted, err)
		default:
			n.logger.Printf("Send to %s failed: %v", from, err)
		}
	}()
}

// writeEntry persists one received file, muting its echo in the watcher.
func (n *Node) writeEntry(gardenName string, e garden.Entry) error {
	if n.watcher != nil {
		n.watcher.Suppress(gardenName, e.Path)
	}
	return n.store.WriteFile(gardenName, e.Path, e.Data, e.Mode, e.ModTime)
}

func (n *Node) syncCompleted(gardens []string) {
	n.logger.Printf("Full sync of %v complete", gardens)
	if live := n.Live(); live != nil {
		live.BootstrapComplete()
	}
	if n.config.OnReload != nil {
		n.config.OnReload(gardens)
	}
}

// transportLost handles a closed direct channel.
func (n *Node) transportLost(peerID string) {
	n.registry.SetDirect(peerID, false)
	if live := n.Live(); live != nil {
		live.PeerLost(peerID)
	}
}

// sessionHandler adapts relay events onto the mailbox.
type sessionHandler struct{ n *Node }

func (h sessionHandler) PeerDiscovered(peerID string, initiate bool) {
	h.n.box.post(func() {
		h.n.registry.Discover(peerID)
		if !initiate {
			return
		}
		if err := h.n.mesh.CreateTransport(peerID, true); err != nil {
			if errors.Is(err, mesh.ErrDegreeExceeded) {
				h.n.logger.Printf("Reaching %s through gossip only: %v", peerID, err)
				return
			}
			h.n.logger.Printf("Failed to connect to %s: %v", peerID, err)
		}
	})
}

func (h sessionHandler) PeerLeft(peerID string) {
	h.n.box.post(func() {
		h.n.registry.Remove(peerID)
		h.n.mesh.RemovePeer(peerID)
		if live := h.n.Live(); live != nil {
			live.PeerLost(peerID)
		}
	})
}

func (h sessionHandler) SignalReceived(from string, sig protocol.Signal) {
	h.n.box.post(func() {
		if err := h.n.mesh.HandleIncomingSignal(from, sig); err != nil {
			h.n.logger.Printf("Signal from %s: %v", from, err)
		}
	})
}

// Disconnected leaves open direct transports alone. Gossip and in-flight
// transfers keep using them until Reconnect resets the mesh.
func (h sessionHandler) Disconnected(err error) {
	h.n.box.post(func() {
		h.n.logger.Printf("Relay lost, keeping %d direct transport(s)", len(h.n.mesh.OpenPeers()))
		progress.Reporter{Stream: h.n.stream}.Error(fmt.Sprintf("Relay connection lost: %v", err))
	})
}
