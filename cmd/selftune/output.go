package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kalambet/selftune/internal/monitor"
	"github.com/kalambet/selftune/internal/queue"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stdout and stderr are swapped out by tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(stdout, "  %s %s\n", l, val)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func levelColor(l monitor.Level) string {
	switch l {
	case monitor.Critical:
		return colorize(colorRed, l.String())
	case monitor.Warning:
		return colorize(colorYellow, l.String())
	default:
		return colorize(colorGreen, l.String())
	}
}

func statusColor(s queue.Status) string {
	switch s {
	case queue.StatusFailed:
		return colorize(colorRed, string(s))
	case queue.StatusCompleted:
		return colorize(colorGreen, string(s))
	case queue.StatusRunning:
		return colorize(colorCyan, string(s))
	default:
		return string(s)
	}
}

// jobLine renders one job as a single list row.
func jobLine(j queue.Job) string {
	id := j.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s  p%d  %-10s %s", colorize(colorCyan, id), j.Priority, statusColor(j.Status), j.Topic)
	if d := j.Duration(); d > 0 {
		line += fmt.Sprintf("  (%s)", d.Round(time.Second))
	}
	if j.Error != "" {
		line += "  " + colorize(colorRed, j.Error)
	}
	return line
}
