// Package protocol defines the JSON wire messages exchanged between peers,
// the rendezvous relay, and the gossip mesh.
//
// There are three layers:
//
//   - RelayMessage: frames on the persistent websocket to the relay
//     (join_session, signal, session_joined, peer_joined, ...)
//   - Signal: connection-negotiation payloads carried opaquely inside
//     relay signal frames (offer, answer, candidate)
//   - Envelope: gossip frames on a direct peer channel, wrapping one
//     Payload variant (see payload.go)
package protocol

import (
	"encoding/json"
	"strings"
)

// Version is the relay protocol version announced in the welcome frame.
// Clients refuse relays with a different major version.
const Version = "v1.2.0"

// RelayType identifies a relay frame.
type RelayType string

const (
	// Relay -> client
	RelayWelcome       RelayType = "welcome"
	RelaySessionJoined RelayType = "session_joined"
	RelayPeerJoined    RelayType = "peer_joined"
	RelayPeerLeft      RelayType = "peer_left"
	RelayError         RelayType = "error"

	// Client -> relay
	RelayJoinSession RelayType = "join_session"

	// Both directions. Client -> relay carries Target, relay -> client carries From.
	RelaySignal RelayType = "signal"
)

// RelayMessage is a single frame on the relay connection. Only the fields
// relevant to Type are set.
type RelayMessage struct {
	Type RelayType `json:"type"`

	// welcome
	Version string `json:"version,omitempty"`

	// join_session
	SessionID      string `json:"sessionId,omitempty"`
	PeerNamePrefix string `json:"peerNamePrefix,omitempty"`

	// session_joined, peer_joined, peer_left
	PeerID string   `json:"peerId,omitempty"`
	Peers  []string `json:"peers,omitempty"`

	// signal
	Target string          `json:"target,omitempty"`
	From   string          `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// NormalizeSession case-normalizes an operator-chosen session name.
func NormalizeSession(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SignalKind identifies a negotiation payload.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is a connection-negotiation payload. The relay forwards it
// verbatim and never inspects it.
type Signal struct {
	Type      SignalKind `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"`
}
