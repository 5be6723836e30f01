// Package ui renders CLI output: status glyphs, progress events and tables.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mschirtzinger/gardensync/internal/progress"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Init picks a color profile for out. Plain text is used when out is not a
// terminal or NO_COLOR is set.
func Init(out io.Writer) {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// RenderAccent highlights informational text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success text.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section heading.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// glyph maps an event type to its status marker.
func glyph(t progress.Type) string {
	switch t {
	case progress.TypeComplete:
		return RenderPass("✓")
	case progress.TypeError:
		return RenderFail("✗")
	case progress.TypeCancelled:
		return RenderWarn("⊘")
	default:
		return RenderAccent("•")
	}
}

// FormatEvent renders one progress event as a single line.
func FormatEvent(e progress.Event) string {
	var b strings.Builder
	if !e.Time.IsZero() {
		b.WriteString(RenderMuted(e.Time.Format(time.TimeOnly)))
		b.WriteByte(' ')
	}
	b.WriteString(glyph(e.Type))
	b.WriteByte(' ')
	b.WriteString(e.Message)
	if e.PeerID != "" {
		b.WriteString(RenderMuted(" (" + e.PeerID + ")"))
	}
	return b.String()
}

// EventPrinter returns a progress sink that prints each event on w.
func EventPrinter(w io.Writer) progress.Sink {
	return func(e progress.Event) {
		fmt.Fprintln(w, FormatEvent(e))
	}
}

// Table renders rows under a header with padded columns.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	line := func(cells []string, style func(string) string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			cell := lipgloss.NewStyle().Width(widths[i]).Render(c)
			if style != nil {
				cell = style(cell)
			}
			parts[i] = cell
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	var b strings.Builder
	b.WriteString(line(header, RenderHeader))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(line(row, nil))
		b.WriteByte('\n')
	}
	return b.String()
}
