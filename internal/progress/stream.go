// Package progress carries user-facing transfer progress.
//
// Every failure, cancellation and completion in the sync engine is reported
// as an Event on a Stream rather than returned up the call stack; the CLI
// renders the stream and the history store persists it.
package progress

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Type classifies an event.
type Type string

const (
	TypeInfo      Type = "info"
	TypeError     Type = "error"
	TypeComplete  Type = "complete"
	TypeCancelled Type = "cancelled"
)

// Event is one progress log entry.
type Event struct {
	Message    string    `json:"message" yaml:"message"`
	Type       Type      `json:"type" yaml:"type"`
	TransferID string    `json:"transferId,omitempty" yaml:"transfer_id,omitempty"`
	PeerID     string    `json:"peerId,omitempty" yaml:"peer_id,omitempty"`
	Time       time.Time `json:"time" yaml:"time"`
}

// Terminal reports whether the event ends an operation.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeCancelled || e.Type == TypeError
}

// MarshalLine renders the event as one JSON line.
func (e Event) MarshalLine() []byte {
	data, _ := json.Marshal(e)
	return append(data, '\n')
}

// Sink receives events synchronously, in emission order.
type Sink func(Event)

type subscription struct {
	id   int
	sink Sink
}

// Stream fans events out to subscribed sinks. The zero value is ready to use.
type Stream struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Subscribe registers sink and returns a function that removes it.
func (s *Stream) Subscribe(sink Sink) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, sink: sink})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs = lo.Reject(s.subs, func(sub subscription, _ int) bool { return sub.id == id })
	}
}

// Emit stamps e (when unstamped) and delivers it to every sink.
func (s *Stream) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	s.mu.RLock()
	subs := append([]subscription(nil), s.subs...)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.sink(e)
	}
}

// Reporter tags events with a transfer and peer.
type Reporter struct {
	Stream     *Stream
	TransferID string
	PeerID     string
}

func (r Reporter) emit(t Type, msg string) {
	if r.Stream == nil {
		return
	}
	r.Stream.Emit(Event{Message: msg, Type: t, TransferID: r.TransferID, PeerID: r.PeerID})
}

func (r Reporter) Info(msg string)      { r.emit(TypeInfo, msg) }
func (r Reporter) Error(msg string)     { r.emit(TypeError, msg) }
func (r Reporter) Complete(msg string)  { r.emit(TypeComplete, msg) }
func (r Reporter) Cancelled(msg string) { r.emit(TypeCancelled, msg) }
