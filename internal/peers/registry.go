// Package peers holds the per-instance peer registry.
//
// A Registry is owned by one node and passed by reference to the components
// that need it. It records every peer the node knows about, whether it was
// introduced by the relay or announced over gossip, and whether a direct
// transport to it is currently open.
package peers

import (
	"sort"
	"sync"
	"time"
)

// Source records how a peer was discovered.
type Source string

const (
	SourceRelay  Source = "relay"
	SourceGossip Source = "gossip"
)

// Peer is a registry entry.
type Peer struct {
	ID       string
	Name     string
	Gardens  []string
	Source   Source
	Direct   bool
	LastSeen time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Discover records a peer learned from the relay's member list.
func (r *Registry) Discover(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.entryLocked(id, SourceRelay)
	p.LastSeen = time.Now()
}

// Introduce records (or refreshes) the name and gardens a peer announced.
func (r *Registry) Introduce(id, name string, gardens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.entryLocked(id, SourceGossip)
	p.Name = name
	p.Gardens = append([]string(nil), gardens...)
	p.LastSeen = time.Now()
}

// SetDirect marks whether a direct transport to id is open.
func (r *Registry) SetDirect(id string, direct bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !direct {
		if p, ok := r.peers[id]; ok {
			p.Direct = false
		}
		return
	}
	p := r.entryLocked(id, SourceRelay)
	p.Direct = true
	p.LastSeen = time.Now()
}

// Remove forgets a peer entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Reset forgets every peer.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*Peer)
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns copies of all entries sorted by ID.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HoldersOf returns the IDs of peers that claim to hold garden.
func (r *Registry) HoldersOf(garden string) []string {
	var ids []string
	for _, p := range r.List() {
		for _, g := range p.Gardens {
			if g == garden {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	return ids
}

func (r *Registry) entryLocked(id string, source Source) *Peer {
	p, ok := r.peers[id]
	if !ok {
		p = &Peer{ID: id, Source: source}
		r.peers[id] = p
	}
	return p
}
