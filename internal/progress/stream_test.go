package progress

import (
	"encoding/json"
	"testing"
)

func TestStreamFansOutInOrder(t *testing.T) {
	s := NewStream()

	var first, second []Event
	s.Subscribe(func(e Event) { first = append(first, e) })
	unsub := s.Subscribe(func(e Event) { second = append(second, e) })

	r := Reporter{Stream: s, TransferID: "t1", PeerID: "p1"}
	r.Info("Sending notes")
	unsub()
	r.Complete("Sent 1 garden")

	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("Expected 2 and 1 events, got %d and %d", len(first), len(second))
	}
	if first[0].Type != TypeInfo || first[1].Type != TypeComplete {
		t.Errorf("Unexpected order: %+v", first)
	}
	if first[0].TransferID != "t1" || first[0].PeerID != "p1" {
		t.Errorf("Reporter did not tag event: %+v", first[0])
	}
	if first[0].Time.IsZero() {
		t.Error("Emit should stamp events")
	}
}

func TestTerminalAndMarshal(t *testing.T) {
	for typ, want := range map[Type]bool{
		TypeInfo:      false,
		TypeError:     true,
		TypeComplete:  true,
		TypeCancelled: true,
	} {
		if got := (Event{Type: typ}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", typ, got, want)
		}
	}

	line := Event{Message: "Cancelled", Type: TypeCancelled}.MarshalLine()
	if line[len(line)-1] != '\n' {
		t.Error("Expected trailing newline")
	}
	var decoded map[string]any
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("Invalid JSON line: %v", err)
	}
	if decoded["type"] != "cancelled" || decoded["message"] != "Cancelled" {
		t.Errorf("Unexpected fields: %v", decoded)
	}
}

func TestNilStreamReporterIsNoop(t *testing.T) {
	Reporter{}.Error("nobody listening")
}
