// Package crdt implements a replicated text document.
//
// A Document is a replicated growable array (RGA) of runes. Every rune is
// identified by a Lamport clock and the ID of the peer that inserted it, and
// records the rune it was inserted after. Replicas that integrate the same
// set of operations, in any causal order, materialize the same text.
//
// Updates and full state are both JSON arrays of operations. Applying an
// operation twice is a no-op, so state and updates may overlap freely.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfRange is returned when a local edit addresses a position past the
// end of the visible text.
var ErrOutOfRange = errors.New("edit position out of range")

// ID identifies one inserted rune.
type ID struct {
	Clock uint64 `json:"clock"`
	Peer  string `json:"peer"`
}

// head is the origin of runes inserted at the start of the document.
var head = ID{}

func (id ID) isHead() bool { return id == head }

// after reports whether id sorts after other.
func (id ID) after(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Peer > other.Peer
}

// Action is the kind of an Op.
type Action string

const (
	ActionInsert Action = "insert"
	ActionDelete Action = "delete"
)

// Op is one replicated operation. For deletes, ID names the target rune.
type Op struct {
	Action Action `json:"action"`
	ID     ID     `json:"id"`
	Origin ID     `json:"origin"`
	Value  string `json:"value,omitempty"`
}

type element struct {
	id      ID
	value   string
	deleted bool
}

// Document is one replica. It is not safe for concurrent use.
type Document struct {
	peer  string
	clock uint64

	elems []*element
	known map[ID]*element

	// log holds every integrated op in integration order, which is causal.
	log []Op
	// pending holds ops whose origin or target has not arrived yet.
	pending []Op
}

// NewDocument creates an empty replica owned by peer.
func NewDocument(peer string) *Document {
	return &Document{
		peer:  peer,
		known: make(map[ID]*element),
	}
}

// LoadDocument creates a replica for peer from an encoded state.
func LoadDocument(peer string, state []byte) (*Document, error) {
	d := NewDocument(peer)
	if len(state) == 0 {
		return d, nil
	}
	if err := d.Apply(state); err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	return d, nil
}

// Text materializes the visible text.
func (d *Document) Text() string {
	var b strings.Builder
	for _, e := range d.elems {
		if !e.deleted {
			b.WriteString(e.value)
		}
	}
	return b.String()
}

// Pending returns the number of ops waiting on missing dependencies.
func (d *Document) Pending() int {
	return len(d.pending)
}

// Splice deletes del runes at pos, inserts text there, and returns the
// encoded update for other replicas. It returns a nil update when nothing
// changed.
func (d *Document) Splice(pos, del int, text string) ([]byte, error) {
	visible := d.visible()
	if pos < 0 || del < 0 || pos+del > len(visible) {
		return nil, fmt.Errorf("%w: splice(%d, %d) on %d runes", ErrOutOfRange, pos, del, len(visible))
	}

	var ops []Op
	for _, e := range visible[pos : pos+del] {
		op := Op{Action: ActionDelete, ID: e.id}
		d.integrate(op)
		ops = append(ops, op)
	}

	origin := head
	if pos > 0 {
		origin = visible[pos-1].id
	}
	for _, r := range text {
		d.clock++
		op := Op{
			Action: ActionInsert,
			ID:     ID{Clock: d.clock, Peer: d.peer},
			Origin: origin,
			Value:  string(r),
		}
		d.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}

	if len(ops) == 0 {
		return nil, nil
	}
	return json.Marshal(ops)
}

// SetText edits the replica so it reads text, replacing only the span that
// differs, and returns the encoded update.
func (d *Document) SetText(text string) ([]byte, error) {
	have := []rune(d.Text())
	want := []rune(text)

	prefix := 0
	for prefix < len(have) && prefix < len(want) && have[prefix] == want[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(have)-prefix && suffix < len(want)-prefix &&
		have[len(have)-1-suffix] == want[len(want)-1-suffix] {
		suffix++
	}

	return d.Splice(prefix, len(have)-prefix-suffix, string(want[prefix:len(want)-suffix]))
}

// Apply integrates an encoded update or state from another replica.
func (d *Document) Apply(update []byte) error {
	var ops []Op
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("malformed document update: %w", err)
	}
	for _, op := range ops {
		if op.Action != ActionInsert && op.Action != ActionDelete {
			return fmt.Errorf("unknown document op %q", op.Action)
		}
	}

	d.pending = append(d.pending, ops...)
	for progressed := true; progressed; {
		progressed = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if d.ready(op) {
				d.integrate(op)
				progressed = true
			} else {
				rest = append(rest, op)
			}
		}
		d.pending = rest
	}
	return nil
}

// EncodeState returns every integrated op, suitable for LoadDocument.
func (d *Document) EncodeState() ([]byte, error) {
	if d.log == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.log)
}

func (d *Document) ready(op Op) bool {
	if op.Action == ActionDelete {
		_, ok := d.known[op.ID]
		return ok
	}
	if op.Origin.isHead() {
		return true
	}
	_, ok := d.known[op.Origin]
	return ok
}

func (d *Document) integrate(op Op) {
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}

	switch op.Action {
	case ActionDelete:
		e := d.known[op.ID]
		if e.deleted {
			return
		}
		e.deleted = true

	case ActionInsert:
		if _, dup := d.known[op.ID]; dup {
			return
		}
		pos := 0
		if !op.Origin.isHead() {
			pos = d.indexOf(op.Origin) + 1
		}
		// Concurrent inserts at the same origin order by descending ID; their
		// descendants always carry larger clocks, so they are skipped too.
		for pos < len(d.elems) && d.elems[pos].id.after(op.ID) {
			pos++
		}
		e := &element{id: op.ID, value: op.Value}
		d.elems = append(d.elems, nil)
		copy(d.elems[pos+1:], d.elems[pos:])
		d.elems[pos] = e
		d.known[op.ID] = e
	}

	d.log = append(d.log, op)
}

func (d *Document) indexOf(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (d *Document) visible() []*element {
	out := make([]*element, 0, len(d.elems))
	for _, e := range d.elems {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}
