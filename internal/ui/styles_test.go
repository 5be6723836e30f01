package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/gardensync/internal/progress"
)

func plain(t *testing.T) {
	t.Helper()
	prev := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.Ascii)
	t.Cleanup(func() { lipgloss.SetColorProfile(prev) })
}

func TestFormatEvent(t *testing.T) {
	plain(t)

	at := time.Date(2026, 3, 1, 14, 5, 9, 0, time.Local)
	tests := []struct {
		event progress.Event
		want  string
	}{
		{progress.Event{Message: "Sent notes", Type: progress.TypeComplete, Time: at}, "14:05:09 ✓ Sent notes"},
		{progress.Event{Message: "Chunk missing", Type: progress.TypeError, PeerID: "peer-2"}, "✗ Chunk missing (peer-2)"},
		{progress.Event{Message: "Stopped", Type: progress.TypeCancelled}, "⊘ Stopped"},
		{progress.Event{Message: "Sending", Type: progress.TypeInfo}, "• Sending"},
	}
	for _, tt := range tests {
		if got := FormatEvent(tt.event); got != tt.want {
			t.Errorf("FormatEvent(%+v) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestEventPrinter(t *testing.T) {
	plain(t)

	var buf bytes.Buffer
	sink := EventPrinter(&buf)
	sink(progress.Event{Message: "one", Type: progress.TypeInfo})
	sink(progress.Event{Message: "two", Type: progress.TypeComplete})

	if got := buf.String(); got != "• one\n✓ two\n" {
		t.Errorf("Unexpected output %q", got)
	}
}

func TestTable(t *testing.T) {
	plain(t)

	out := Table([]string{"GARDEN", "FILES"}, [][]string{
		{"notes", "12"},
		{"recipes-long", "3"},
	})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %q", out)
	}
	if lines[0] != "GARDEN        FILES" {
		t.Errorf("Header = %q", lines[0])
	}
	if lines[1] != "notes         12" {
		t.Errorf("Row = %q", lines[1])
	}
	if lines[2] != "recipes-long  3" {
		t.Errorf("Row = %q", lines[2])
	}
}
