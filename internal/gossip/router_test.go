package gossip

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/mschirtzinger/gardensync/internal/protocol"
)

type delivery struct {
	to, from string
	data     []byte
}

// fakeMesh queues deliveries so hops are processed breadth-first.
type fakeMesh struct {
	links   map[string][]string
	routers map[string]*Router
	queue   []delivery
	handled map[string][]protocol.Payload
	wire    map[string]int
}

func newFakeMesh(t *testing.T, edges ...[2]string) *fakeMesh {
	t.Helper()

	m := &fakeMesh{
		links:   make(map[string][]string),
		routers: make(map[string]*Router),
		handled: make(map[string][]protocol.Payload),
		wire:    make(map[string]int),
	}
	for _, e := range edges {
		m.links[e[0]] = append(m.links[e[0]], e[1])
		m.links[e[1]] = append(m.links[e[1]], e[0])
	}
	for id := range m.links {
		id := id
		r, err := NewRouter(&Config{
			Transport: &nodeTransport{mesh: m, self: id},
			Handler: func(from string, p protocol.Payload) {
				m.handled[id] = append(m.handled[id], p)
			},
			Logger: log.New(os.Stderr, "[test-"+id+"] ", log.LstdFlags),
		})
		if err != nil {
			t.Fatalf("NewRouter failed: %v", err)
		}
		m.routers[id] = r
	}
	return m
}

func (m *fakeMesh) run() {
	for len(m.queue) > 0 {
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.wire[d.to]++
		m.routers[d.to].Receive(d.data, d.from)
	}
}

type nodeTransport struct {
	mesh *fakeMesh
	self string
}

func (n *nodeTransport) Send(peerID string, data []byte) error {
	for _, p := range n.mesh.links[n.self] {
		if p == peerID {
			n.mesh.queue = append(n.mesh.queue, delivery{to: peerID, from: n.self, data: data})
			return nil
		}
	}
	return fmt.Errorf("no link to %s", peerID)
}

func (n *nodeTransport) Broadcast(data []byte, except ...string) int {
	sent := 0
	for _, p := range n.mesh.links[n.self] {
		if len(except) > 0 && except[0] == p {
			continue
		}
		n.mesh.queue = append(n.mesh.queue, delivery{to: p, from: n.self, data: data})
		sent++
	}
	return sent
}

func TestFloodDeliversOncePerNode(t *testing.T) {
	// a-b, b-c, a-c form a triangle; d hangs off c
	m := newFakeMesh(t, [2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"a", "c"}, [2]string{"c", "d"})

	if _, err := m.routers["a"].Dispatch(protocol.SyncCancel{TransferID: "t1"}, "", ""); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	m.run()

	for _, id := range []string{"b", "c", "d"} {
		if got := len(m.handled[id]); got != 1 {
			t.Errorf("Node %s handled %d times, expected 1", id, got)
		}
	}
	if len(m.handled["a"]) != 0 {
		t.Errorf("Origin handled its own message %d times", len(m.handled["a"]))
	}
	// Redundant paths still deliver copies; only handling is deduplicated
	if m.wire["c"] < 2 {
		t.Errorf("Expected c to receive duplicate copies, got %d", m.wire["c"])
	}
}

func TestRedeliveryHandledOnce(t *testing.T) {
	m := newFakeMesh(t, [2]string{"a", "b"})

	_, data, err := m.routers["a"].Encode(protocol.FullSyncComplete{TransferID: "t"}, false, "")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		m.routers["b"].Receive(data, "a")
	}
	if got := len(m.handled["b"]); got != 1 {
		t.Errorf("Expected 1 handling, got %d", got)
	}
}

func TestRelayPreservesMessageID(t *testing.T) {
	m := newFakeMesh(t, [2]string{"a", "b"}, [2]string{"b", "c"})

	id, err := m.routers["a"].Dispatch(protocol.SyncCancel{TransferID: "t"}, "", "")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var relayed *delivery
	for len(m.queue) > 0 {
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.wire[d.to]++
		if d.to == "c" {
			relayed = &d
		}
		m.routers[d.to].Receive(d.data, d.from)
	}

	if relayed == nil {
		t.Fatal("Message never reached c")
	}
	if relayed.from != "b" {
		t.Errorf("Expected c to receive from b, got %s", relayed.from)
	}
	var env protocol.Envelope
	_ = json.Unmarshal(relayed.data, &env)
	if env.MessageID != id {
		t.Errorf("Relay changed message ID from %s to %s", id, env.MessageID)
	}
	if m.wire["a"] != 0 {
		t.Errorf("Relay echoed back to sender %d times", m.wire["a"])
	}
}

func TestPointToPointNotRelayed(t *testing.T) {
	m := newFakeMesh(t, [2]string{"a", "b"}, [2]string{"b", "c"})

	if _, err := m.routers["a"].Dispatch(protocol.RequestGardens{Gardens: []string{"notes"}}, "b", ""); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	m.run()

	if len(m.handled["b"]) != 1 {
		t.Errorf("Expected b to handle once, got %d", len(m.handled["b"]))
	}
	if m.wire["c"] != 0 {
		t.Errorf("Point-to-point message leaked to c")
	}

	if _, err := m.routers["a"].Dispatch(protocol.RequestGardens{}, "c", ""); err == nil {
		t.Error("Expected error sending to a non-neighbor")
	}
}

func TestPreservedID(t *testing.T) {
	m := newFakeMesh(t, [2]string{"a", "b"})

	id, err := m.routers["a"].Dispatch(protocol.SyncCancel{TransferID: "t"}, "", "fixed-id")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if id != "fixed-id" {
		t.Errorf("Expected preserved ID, got %s", id)
	}
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	r, err := NewRouter(&Config{
		Transport:     &nodeTransport{mesh: &fakeMesh{links: map[string][]string{}}, self: "x"},
		SeenCacheSize: 2,
		Logger:        log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	var handled int
	r.SetHandler(func(string, protocol.Payload) { handled++ })

	envelope := func(id string) []byte {
		body, _ := protocol.EncodePayload(protocol.SyncCancel{TransferID: id})
		data, _ := json.Marshal(protocol.Envelope{MessageID: id, Payload: body})
		return data
	}

	r.Receive(envelope("1"), "p")
	r.Receive(envelope("2"), "p")
	r.Receive(envelope("1"), "p") // still cached, and must not refresh recency
	r.Receive(envelope("3"), "p") // evicts 1
	r.Receive(envelope("1"), "p")

	if handled != 4 {
		t.Errorf("Expected 4 handlings, got %d", handled)
	}
}

func TestMalformedAndUnknownPayloads(t *testing.T) {
	m := newFakeMesh(t, [2]string{"a", "b"}, [2]string{"b", "c"})
	b := m.routers["b"]

	b.Receive([]byte("not json"), "a")
	b.Receive([]byte(`{"payload":{"type":"sync_cancel"}}`), "a")
	b.Receive([]byte(`{"messageId":"m1","payload":{"type":"sync_cancel","transferId":7}}`), "a")
	m.run()
	if len(m.handled["b"]) != 0 || m.wire["c"] != 0 {
		t.Fatalf("Malformed messages should be dropped without relay")
	}

	// Unknown kinds are relayed for newer peers but not handled here
	b.Receive([]byte(`{"messageId":"m2","payload":{"type":"from_the_future"}}`), "a")
	m.run()
	if len(m.handled["b"]) != 0 {
		t.Errorf("Unknown kind should not reach the handler")
	}
	if m.wire["c"] != 1 {
		t.Errorf("Expected unknown kind relayed to c once, got %d", m.wire["c"])
	}
}
