// Package gossip delivers application messages over the peer mesh.
//
// Broadcasts are flooded: every node that sees a message for the first time
// forwards it, unchanged and under the same message ID, to all of its open
// peers except the one it came from. A bounded cache of recently seen IDs
// makes delivery to the application at-most-once per node regardless of how
// many paths a message takes. Point-to-point messages are marked noGossip
// and are never forwarded.
package gossip

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mschirtzinger/gardensync/internal/protocol"
)

// SeenCacheSize is the number of message IDs remembered for deduplication.
const SeenCacheSize = 500

// Transport is the mesh primitive the router sends through.
type Transport interface {
	Send(peerID string, data []byte) error
	Broadcast(data []byte, except ...string) int
}

// Handler receives each decoded payload once. from is the neighbor that
// delivered it, not necessarily its origin.
type Handler func(from string, p protocol.Payload)

// Config holds router configuration.
type Config struct {
	Transport Transport
	Handler   Handler

	// SeenCacheSize bounds the dedup window (default: SeenCacheSize)
	SeenCacheSize int

	// Logger for dropped messages (default: stderr logger)
	Logger *log.Logger
}

// Router floods and deduplicates gossip envelopes.
type Router struct {
	transport Transport
	handler   Handler
	seen      *lru.Cache[string, struct{}]
	logger    *log.Logger
}

// NewRouter creates a router.
func NewRouter(config *Config) (*Router, error) {
	size := config.SeenCacheSize
	if size <= 0 {
		size = SeenCacheSize
	}
	// Entries are only ever added, never read back with Get, so the LRU
	// evicts in insertion order.
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[gossip] ", log.LstdFlags)
	}

	return &Router{
		transport: config.Transport,
		handler:   config.Handler,
		seen:      seen,
		logger:    logger,
	}, nil
}

// SetHandler replaces the application handler.
func (r *Router) SetHandler(h Handler) {
	r.handler = h
}

// Encode wraps p in an envelope and records its ID as seen, so copies that
// flood back to this node are dropped. An empty preservedID gets a new ID.
func (r *Router) Encode(p protocol.Payload, noGossip bool, preservedID string) (string, []byte, error) {
	body, err := protocol.EncodePayload(p)
	if err != nil {
		return "", nil, err
	}

	id := preservedID
	if id == "" {
		id = uuid.NewString()
	}

	data, err := json.Marshal(protocol.Envelope{
		MessageID: id,
		Payload:   body,
		NoGossip:  noGossip,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	r.seen.Add(id, struct{}{})
	return id, data, nil
}

// Dispatch sends p to target alone, or floods it to every open peer when
// target is empty. It returns the message ID.
func (r *Router) Dispatch(p protocol.Payload, target, preservedID string) (string, error) {
	id, data, err := r.Encode(p, target != "", preservedID)
	if err != nil {
		return "", err
	}

	if target != "" {
		if err := r.transport.Send(target, data); err != nil {
			return id, fmt.Errorf("failed to send %s to %s: %w", p.Kind(), target, err)
		}
		return id, nil
	}

	r.transport.Broadcast(data)
	return id, nil
}

// Receive processes one envelope delivered by neighbor from.
func (r *Router) Receive(raw []byte, from string) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Printf("Dropping malformed envelope from %s: %v", from, err)
		return
	}
	if env.MessageID == "" {
		r.logger.Printf("Dropping envelope without message ID from %s", from)
		return
	}

	if seen, _ := r.seen.ContainsOrAdd(env.MessageID, struct{}{}); seen {
		return
	}

	p, err := protocol.DecodePayload(env.Payload)
	if err != nil {
		r.logger.Printf("Dropping message %s from %s: %v", env.MessageID, from, err)
		return
	}

	if !env.NoGossip {
		r.transport.Broadcast(raw, from)
	}

	if u, ok := p.(protocol.Unknown); ok {
		r.logger.Printf("Ignoring unknown payload kind %q from %s", u.Type, from)
		return
	}
	if r.handler != nil {
		r.handler(from, p)
	}
}
