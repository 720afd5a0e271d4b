// Package printer renders CLI output: status lines, formatted errors and
// true-color palette swatches streamed from a generation.
package printer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/hupe1980/palettemesh/core"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes to an output and an error stream.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer

	// ShowHex appends the hex codes after each swatch.
	ShowHex bool
}

// New returns a Printer. Nil writers default to stdout and stderr.
func New(out, errOut io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Printer{out: out, err: errOut, ShowHex: true}
}

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Info prints an informational message in the default color
func (p *Printer) Info(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a warning message in yellow with a warning prefix
func (p *Printer) Warning(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.err, msg)
}

// Error prints a formatted error with title, explanation, and suggestions to
// the error stream and returns a simple error for Cobra.
func (p *Printer) Error(title string, explanation string, suggestions []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	red.Fprintf(p.err, "%s\n\n", title)
	fmt.Fprintf(p.err, "%s\n", explanation)

	if len(suggestions) > 0 {
		fmt.Fprintf(p.err, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(p.err, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.err, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(p.err, "  %d. %s\n", i+1, suggestion)
			}
		}
	}
	return fmt.Errorf("%s", title)
}

// Swatch renders one palette as a row of colored blocks.
func (p *Printer) Swatch(pal core.Palette) string {
	var b strings.Builder
	for _, c := range pal {
		r, g, bl, ok := parseHex(c)
		if !ok {
			b.WriteString("  ??  ")
			continue
		}
		b.WriteString(color.BgRGB(r, g, bl).Sprint("      "))
	}
	if p.ShowHex {
		b.WriteString("  ")
		b.WriteString(faint.Sprint(strings.Join(pal, " ")))
	}
	return b.String()
}

// Send implements transport.Sink by printing each event as it arrives.
func (p *Printer) Send(_ context.Context, ev core.Event) error {
	switch ev.Type {
	case core.EventSession:
		p.Info("%s %s (version %d)\n", cyan.Sprint("session"), ev.SessionID, ev.Version)
	case core.EventStarted:
		p.Info("%s %s\n", cyan.Sprint("▶"), producerLabel(ev))
	case core.EventItem:
		p.Info("%-12s %s\n", ev.ProducerID, p.Swatch(ev.Palette))
	case core.EventCompleted:
		p.Success("%s finished: %d palettes in %s\n", producerLabel(ev), ev.ItemCount, ev.Duration.Round(1e6))
	case core.EventFailed:
		p.Warning("%s failed: %s\n", producerLabel(ev), ev.ErrorMessage())
	case core.EventDone:
		total := 0
		for _, ps := range ev.Results {
			total += len(ps)
		}
		p.Success("done: %d palettes from %d producers\n", total, len(ev.Results))
	}
	return nil
}

func producerLabel(ev core.Event) string {
	if ev.ProducerName != "" && ev.ProducerName != ev.ProducerID {
		return fmt.Sprintf("%s (%s)", ev.ProducerName, ev.ProducerID)
	}
	return ev.ProducerID
}

func parseHex(c string) (r, g, b int, ok bool) {
	if !core.IsColor(c) {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(c[1:], 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int(v >> 16 & 0xff), int(v >> 8 & 0xff), int(v & 0xff), true
}
