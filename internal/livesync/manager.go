// Package livesync coordinates live collaborative editing across a session.
//
// Peers that enable live sync first agree on a single host. A peer entering
// the pending state announces itself; anyone already in a session answers
// with the session's host so late joiners skip election. Otherwise, once the
// election window closes, every pending peer picks the lowest ID it has
// heard from. The host starts the session, followers full-sync the host's
// syncable gardens and then exchange CRDT updates per open document.
package livesync

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"

	"github.com/mschirtzinger/gardensync/internal/crdt"
	"github.com/mschirtzinger/gardensync/internal/protocol"
)

// DefaultElectionWindow is how long a pending peer waits for session info
// before electing a host.
const DefaultElectionWindow = 2 * time.Second

var (
	// ErrNotActive is returned for document operations outside a session.
	ErrNotActive = errors.New("live sync not active")

	// ErrDocumentNotOpen is returned for edits to a document never opened.
	ErrDocumentNotOpen = errors.New("document not open")
)

// State is the live-sync lifecycle of this peer.
type State string

const (
	StateDisabled      State = "disabled"
	StatePending       State = "pending"
	StateHost          State = "host"
	StateFollower      State = "follower"
	StateBootstrapping State = "bootstrapping"
	StateActive        State = "active"
)

// inSession reports whether the peer knows the session's host.
func (s State) inSession() bool {
	return s == StateHost || s == StateFollower || s == StateBootstrapping || s == StateActive
}

// Dispatcher is the gossip primitive the manager sends through.
type Dispatcher interface {
	Dispatch(p protocol.Payload, target, preservedID string) (string, error)
}

// Editor is the view of one open document. The replica is authoritative:
// when they disagree the editor is replaced.
type Editor interface {
	Content() string
	Replace(text string)
}

// Config holds manager configuration.
type Config struct {
	Self       protocol.PeerInfo
	Dispatcher Dispatcher

	// SyncableGardens lists the gardens this peer offers when it hosts.
	SyncableGardens func() []string

	// RequestGardens asks host for a full sync of gardens.
	RequestGardens func(host string, gardens []string) error

	// LoadText reads a file's current content when the host opens it.
	LoadText func(gardenName, path string) (string, error)

	// OnStateChange is called after every transition.
	OnStateChange func(State)

	// ElectionWindow (default: DefaultElectionWindow)
	ElectionWindow time.Duration

	// Clock drives the election timer (default: wall clock)
	Clock clock.Clock

	// Logger (default: stderr logger)
	Logger *log.Logger
}

type docKey struct {
	garden string
	path   string
}

type document struct {
	replica *crdt.Document
	editor  Editor
	loaded  bool
}

// Manager runs host election and document replication for one peer.
type Manager struct {
	self       protocol.PeerInfo
	dispatcher Dispatcher
	syncable   func() []string
	request    func(string, []string) error
	loadText   func(string, string) (string, error)
	onState    func(State)
	window     time.Duration
	clock      clock.Clock
	logger     *log.Logger

	mu      sync.Mutex
	state   State
	hostID  string
	gardens []string
	pending map[string]bool
	active  map[string]bool
	timer   *clock.Timer
	epoch   int
	docs    map[docKey]*document
}

// NewManager creates a manager in the disabled state.
func NewManager(config *Config) *Manager {
	m := &Manager{
		self:       config.Self,
		dispatcher: config.Dispatcher,
		syncable:   config.SyncableGardens,
		request:    config.RequestGardens,
		loadText:   config.LoadText,
		onState:    config.OnStateChange,
		window:     config.ElectionWindow,
		clock:      config.Clock,
		logger:     config.Logger,
		state:      StateDisabled,
		pending:    make(map[string]bool),
		active:     make(map[string]bool),
		docs:       make(map[docKey]*document),
	}
	if m.window <= 0 {
		m.window = DefaultElectionWindow
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logger == nil {
		m.logger = log.New(os.Stderr, "[livesync] ", log.LstdFlags)
	}
	if m.syncable == nil {
		m.syncable = func() []string { return nil }
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HostID returns the session's host, or "" when unknown.
func (m *Manager) HostID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostID
}

// SyncableGardens returns the gardens of the current session.
func (m *Manager) SyncableGardens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.gardens...)
}

// ActivePeers returns the peers known to be in the session, sorted.
func (m *Manager) ActivePeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := lo.Keys(m.active)
	slices.Sort(peers)
	return peers
}

// setState must be called with mu held; the returned func notifies the
// observer and must be called after unlocking.
func (m *Manager) setState(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.logger.Printf("%s -> %s", m.state, s)
	m.state = s
	if m.onState == nil {
		return func() {}
	}
	return func() { m.onState(s) }
}

func (m *Manager) broadcast(p protocol.Payload) {
	if _, err := m.dispatcher.Dispatch(p, "", ""); err != nil {
		m.logger.Printf("Failed to broadcast %s: %v", p.Kind(), err)
	}
}

// reply sends p to target directly, flooding it when target is not a
// neighbor.
func (m *Manager) reply(target string, p protocol.Payload) {
	if _, err := m.dispatcher.Dispatch(p, target, ""); err != nil {
		m.broadcast(p)
	}
}

// Enable enters the pending state and announces this peer.
func (m *Manager) Enable() {
	m.mu.Lock()
	if m.state != StateDisabled {
		m.mu.Unlock()
		return
	}
	notify := m.startElectionLocked()
	m.mu.Unlock()

	notify()
	m.broadcast(protocol.LiveAnnounce{Peer: m.self})
}

// startElectionLocked resets session state and arms the election timer.
func (m *Manager) startElectionLocked() func() {
	m.hostID = ""
	m.gardens = nil
	m.pending = map[string]bool{m.self.ID: true}
	m.active = make(map[string]bool)
	m.armTimerLocked()
	return m.setState(StatePending)
}

func (m *Manager) armTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.epoch++
	epoch := m.epoch
	m.timer = m.clock.AfterFunc(m.window, func() { m.elect(epoch) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.epoch++
}

// Disable leaves the session and tells the others.
func (m *Manager) Disable() {
	m.mu.Lock()
	if m.state == StateDisabled {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.hostID = ""
	m.gardens = nil
	m.pending = make(map[string]bool)
	m.active = make(map[string]bool)
	m.docs = make(map[docKey]*document)
	notify := m.setState(StateDisabled)
	m.mu.Unlock()

	notify()
	m.broadcast(protocol.LiveDisable{PeerID: m.self.ID})
}

// elect picks the lowest pending ID once the window closes.
func (m *Manager) elect(epoch int) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != StatePending {
		m.mu.Unlock()
		return
	}
	m.timer = nil

	candidates := lo.Keys(m.pending)
	slices.Sort(candidates)
	host := candidates[0]
	m.hostID = host

	if host != m.self.ID {
		notify := m.setState(StateFollower)
		m.mu.Unlock()
		notify()
		m.logger.Printf("Elected %s as host", host)
		return
	}

	m.gardens = m.syncable()
	for _, id := range candidates {
		if id != m.self.ID {
			m.active[id] = true
		}
	}
	gardens := append([]string(nil), m.gardens...)
	notify := m.setState(StateHost)
	m.mu.Unlock()

	notify()
	m.logger.Printf("Hosting live session with %d garden(s)", len(gardens))
	m.broadcast(protocol.LiveSessionStart{HostID: m.self.ID, SyncableGardens: gardens})
}

// HandleAnnounce records a pending peer, or tells it about the running
// session.
func (m *Manager) HandleAnnounce(msg protocol.LiveAnnounce) {
	peer := msg.Peer.ID
	if peer == "" || peer == m.self.ID {
		return
	}

	m.mu.Lock()
	switch {
	case m.state.inSession():
		info := protocol.LiveSessionInfo{HostID: m.hostID, SyncableGardens: append([]string(nil), m.gardens...)}
		if m.state == StateHost {
			m.active[peer] = true
		}
		m.mu.Unlock()
		m.reply(peer, info)

	case m.state == StatePending:
		m.pending[peer] = true
		m.mu.Unlock()
		m.reply(peer, protocol.LiveAnnounceReply{Peer: m.self})

	default:
		m.mu.Unlock()
	}
}

// HandleAnnounceReply records another pending peer.
func (m *Manager) HandleAnnounceReply(msg protocol.LiveAnnounceReply) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePending && msg.Peer.ID != "" {
		m.pending[msg.Peer.ID] = true
	}
}

// HandleSessionInfo joins an existing session without an election.
func (m *Manager) HandleSessionInfo(msg protocol.LiveSessionInfo) {
	m.mu.Lock()
	if m.state != StatePending || msg.HostID == "" || msg.HostID == m.self.ID {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.mu.Unlock()

	m.follow(msg.HostID, msg.SyncableGardens)
}

// HandleSessionStart follows a newly elected host.
func (m *Manager) HandleSessionStart(msg protocol.LiveSessionStart) {
	m.mu.Lock()
	if msg.HostID == "" || msg.HostID == m.self.ID ||
		(m.state != StatePending && m.state != StateFollower) {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.mu.Unlock()

	m.follow(msg.HostID, msg.SyncableGardens)
}

// follow enters bootstrapping and asks the host for its gardens.
func (m *Manager) follow(host string, gardens []string) {
	m.mu.Lock()
	m.hostID = host
	m.gardens = append([]string(nil), gardens...)
	m.active = map[string]bool{host: true}
	m.pending = make(map[string]bool)
	notify := m.setState(StateBootstrapping)
	m.mu.Unlock()
	notify()

	if len(gardens) == 0 {
		m.BootstrapComplete()
		return
	}
	if m.request == nil {
		return
	}
	if err := m.request(host, gardens); err != nil {
		m.logger.Printf("Failed to request gardens from %s: %v", host, err)
	}
}

// BootstrapComplete marks the follower's copy as matching the host and
// requests state for every document opened meanwhile.
func (m *Manager) BootstrapComplete() {
	m.mu.Lock()
	if m.state != StateBootstrapping {
		m.mu.Unlock()
		return
	}
	notify := m.setState(StateActive)
	var waiting []docKey
	for key, doc := range m.docs {
		if !doc.loaded {
			waiting = append(waiting, key)
		}
	}
	host := m.hostID
	m.mu.Unlock()

	notify()
	for _, key := range waiting {
		m.reply(host, protocol.LiveRequestDocState{Requester: m.self.ID, GardenName: key.garden, Path: key.path})
	}
}

// PeerLost removes a peer from the session. Losing the host, or a peer
// during an election, restarts the election.
func (m *Manager) PeerLost(peerID string) {
	m.mu.Lock()
	if m.state == StateDisabled {
		m.mu.Unlock()
		return
	}
	wasPending := m.pending[peerID]
	delete(m.pending, peerID)
	delete(m.active, peerID)

	var notify func()
	switch {
	case peerID == m.hostID && m.state != StateHost:
		m.logger.Printf("Lost host %s, re-electing", peerID)
		m.docs = make(map[docKey]*document)
		notify = m.startElectionLocked()
	case m.state == StatePending && wasPending:
		m.armTimerLocked()
	}
	m.mu.Unlock()

	if notify != nil {
		notify()
		m.broadcast(protocol.LiveAnnounce{Peer: m.self})
	}
}

// HandleDisable treats an announced departure like a lost peer.
func (m *Manager) HandleDisable(msg protocol.LiveDisable) {
	if msg.PeerID != "" && msg.PeerID != m.self.ID {
		m.PeerLost(msg.PeerID)
	}
}

// OpenDocument attaches editor to the replica of garden/path. The host
// seeds the replica from storage; followers request it from the host.
func (m *Manager) OpenDocument(gardenName, path string, editor Editor) error {
	key := docKey{garden: gardenName, path: path}

	m.mu.Lock()
	state, host := m.state, m.hostID
	if !state.inSession() || state == StateFollower {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	if doc, ok := m.docs[key]; ok {
		doc.editor = editor
		text, loaded := doc.replica.Text(), doc.loaded
		m.mu.Unlock()
		if loaded {
			reconcile(editor, text)
		}
		return nil
	}

	doc := &document{replica: crdt.NewDocument(m.self.ID), editor: editor}
	m.docs[key] = doc
	m.mu.Unlock()

	if state == StateHost {
		return m.seed(key, doc)
	}
	if state == StateActive {
		m.reply(host, protocol.LiveRequestDocState{Requester: m.self.ID, GardenName: gardenName, Path: path})
	}
	return nil
}

// seed loads a host document from storage.
func (m *Manager) seed(key docKey, doc *document) error {
	text := ""
	if m.loadText != nil {
		var err error
		if text, err = m.loadText(key.garden, key.path); err != nil {
			return fmt.Errorf("failed to load %s/%s: %w", key.garden, key.path, err)
		}
	}

	m.mu.Lock()
	if _, err := doc.replica.SetText(text); err != nil {
		m.mu.Unlock()
		return err
	}
	doc.loaded = true
	editor := doc.editor
	m.mu.Unlock()

	reconcile(editor, text)
	return nil
}

// CloseDocument detaches a document's editor and drops its replica.
func (m *Manager) CloseDocument(gardenName, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docKey{garden: gardenName, path: path})
}

// Text returns the replica's text of an open document.
func (m *Manager) Text(gardenName, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docKey{garden: gardenName, path: path}]
	if !ok {
		return "", false
	}
	return doc.replica.Text(), true
}

// HandleRequestDocState answers a follower with the full replica state.
func (m *Manager) HandleRequestDocState(msg protocol.LiveRequestDocState) {
	if msg.Requester == "" || msg.Requester == m.self.ID {
		return
	}
	key := docKey{garden: msg.GardenName, path: msg.Path}

	m.mu.Lock()
	if m.state != StateHost {
		m.mu.Unlock()
		return
	}
	doc, ok := m.docs[key]
	if !ok {
		doc = &document{replica: crdt.NewDocument(m.self.ID)}
		m.docs[key] = doc
	}
	loaded := doc.loaded
	m.mu.Unlock()

	if !loaded {
		if err := m.seed(key, doc); err != nil {
			m.logger.Printf("Cannot serve %s/%s to %s: %v", key.garden, key.path, msg.Requester, err)
			return
		}
	}

	m.mu.Lock()
	state, err := doc.replica.EncodeState()
	m.mu.Unlock()
	if err != nil {
		m.logger.Printf("Failed to encode %s/%s: %v", key.garden, key.path, err)
		return
	}
	m.reply(msg.Requester, protocol.LiveDocState{GardenName: key.garden, Path: key.path, State: state})
}

// HandleDocState merges a full state into an open document.
func (m *Manager) HandleDocState(msg protocol.LiveDocState) {
	m.merge(docKey{garden: msg.GardenName, path: msg.Path}, msg.State, true)
}

// HandleDocUpdate merges an incremental update into an open document.
func (m *Manager) HandleDocUpdate(msg protocol.LiveDocUpdate) {
	m.merge(docKey{garden: msg.GardenName, path: msg.Path}, msg.Update, false)
}

func (m *Manager) merge(key docKey, data []byte, full bool) {
	m.mu.Lock()
	doc, ok := m.docs[key]
	if !ok || m.state == StateDisabled {
		m.mu.Unlock()
		return
	}
	if err := doc.replica.Apply(data); err != nil {
		m.mu.Unlock()
		m.logger.Printf("Dropping update for %s/%s: %v", key.garden, key.path, err)
		return
	}
	if full {
		doc.loaded = true
	}
	text, editor, loaded := doc.replica.Text(), doc.editor, doc.loaded
	m.mu.Unlock()

	if loaded {
		reconcile(editor, text)
	}
}

// LocalEdit records the editor's new content and broadcasts the change.
func (m *Manager) LocalEdit(gardenName, path, text string) error {
	key := docKey{garden: gardenName, path: path}

	m.mu.Lock()
	if m.state != StateHost && m.state != StateActive {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, state)
	}
	doc, ok := m.docs[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrDocumentNotOpen, gardenName, path)
	}
	update, err := doc.replica.SetText(text)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if update == nil {
		return nil
	}

	m.broadcast(protocol.LiveDocUpdate{GardenName: gardenName, Path: path, Update: update})
	return nil
}

// Handle routes a live-sync payload to its handler. It reports false for
// payloads of other kinds.
func (m *Manager) Handle(p protocol.Payload) bool {
	switch msg := p.(type) {
	case protocol.LiveAnnounce:
		m.HandleAnnounce(msg)
	case protocol.LiveAnnounceReply:
		m.HandleAnnounceReply(msg)
	case protocol.LiveSessionInfo:
		m.HandleSessionInfo(msg)
	case protocol.LiveSessionStart:
		m.HandleSessionStart(msg)
	case protocol.LiveRequestDocState:
		m.HandleRequestDocState(msg)
	case protocol.LiveDocState:
		m.HandleDocState(msg)
	case protocol.LiveDocUpdate:
		m.HandleDocUpdate(msg)
	case protocol.LiveDisable:
		m.HandleDisable(msg)
	default:
		return false
	}
	return true
}

// reconcile forces the editor to match the replica.
func reconcile(editor Editor, text string) {
	if editor != nil && editor.Content() != text {
		editor.Replace(text)
	}
}
