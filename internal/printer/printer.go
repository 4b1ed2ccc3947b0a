// Package printer renders CLI output: status lines, formatted errors and live
// canvas events.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

var (
	// Out receives normal output; tests swap it.
	Out io.Writer = os.Stdout
	// Err receives error output.
	Err io.Writer = os.Stderr
)

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
	faint   = color.New(color.Faint)
)

// Success prints msg in green with a check mark.
func Success(format string, a ...any) {
	green.Fprintf(Out, "✓ %s", fmt.Sprintf(format, a...))
}

// Info prints plain output.
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints msg in yellow to Err, keeping Out clean for piping.
func Warning(format string, a ...any) {
	yellow.Fprintf(Err, "! %s", fmt.Sprintf(format, a...))
}

// Step prints an in-progress step.
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a titled error with an explanation and numbered suggestions to
// Err, and returns an error carrying only the title. Cobra runs with
// SilenceErrors so the title is not printed twice.
func Error(title, explanation string, suggestions ...string) error {
	red.Fprintf(Err, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(Err, "%s\n", explanation)
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(Err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(Err, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(Err, "  %d. %s\n", i+1, s)
		}
	}
	return fmt.Errorf("%s", title)
}

// Event prints one live event as a single line.
func Event(ev canvas.Event) {
	fmt.Fprintln(Out, FormatEvent(ev, time.Now()))
}

// FormatEvent renders ev for a terminal, stamped with at.
func FormatEvent(ev canvas.Event, at time.Time) string {
	stamp := faint.Sprint(at.Format("15:04:05"))

	switch ev.Intent {
	case canvas.IntentPixel:
		if ev.Pixel == nil {
			return fmt.Sprintf("%s %s (empty)", stamp, green.Sprint("pixel"))
		}
		p := ev.Pixel
		return fmt.Sprintf("%s %s (%d,%d) %s by %s", stamp, green.Sprint("pixel"), p.X, p.Y, p.Color, p.AuthorID)
	case canvas.IntentBulkUpdate:
		return fmt.Sprintf("%s %s %d pixels by %s%s", stamp, cyan.Sprint("bulk_update"),
			len(ev.Pixels), ev.AuthorID, sample(ev.Pixels))
	case canvas.IntentBulkOverwrite:
		return fmt.Sprintf("%s %s %d pixels", stamp, magenta.Sprint("bulk_overwrite"), len(ev.Pixels))
	case canvas.IntentHeartbeat:
		return fmt.Sprintf("%s %s sent %s", stamp, faint.Sprint("heartbeat"),
			time.Unix(ev.SentAt, 0).Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s %s", stamp, yellow.Sprintf("unknown intent %q", ev.Intent))
	}
}

// sample lists up to three pixel keys in stable order.
func sample(pixels map[string]canvas.Pixel) string {
	if len(pixels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(pixels))
	for k := range pixels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 3 {
		return " [" + strings.Join(keys[:3], " ") + " ...]"
	}
	return " [" + strings.Join(keys, " ") + "]"
}
