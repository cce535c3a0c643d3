package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgCyan, color.Bold)
)

// printer writes command output either as colored text or as JSON.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) success(format string, args ...any) {
	successColor.Fprintf(p.w, "✓ "+format+"\n", args...)
}

func (p printer) warn(format string, args ...any) {
	warnColor.Fprintf(p.w, "! "+format+"\n", args...)
}

func (p printer) info(format string, args ...any) {
	infoColor.Fprintf(p.w, format+"\n", args...)
}

func (p printer) errorf(format string, args ...any) {
	errorColor.Fprintf(p.w, "✗ "+format+"\n", args...)
}

// emitJSON writes v indented when JSON output is selected and reports whether
// it did.
func (p printer) emitJSON(v any) (bool, error) {
	if !p.json {
		return false, nil
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

// table renders rows under a bold header with padded columns.
func (p printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		headerColor.Fprintf(p.w, "%-*s  ", widths[i], h)
	}
	fmt.Fprintln(p.w)
	for i := range headers {
		fmt.Fprint(p.w, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(p.w)
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(p.w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(p.w)
	}
}

// statusColor picks the color of a run status.
func statusColor(status schema.RunStatus) *color.Color {
	switch status {
	case schema.RunStatusSuccess:
		return successColor
	case schema.RunStatusPending, schema.RunStatusRunning:
		return infoColor
	case schema.RunStatusStoppedLowQuality, schema.RunStatusDisqualified, schema.RunStatusRateLimited:
		return warnColor
	default:
		return errorColor
	}
}

// logLine renders one streamed event as a single human-readable line.
func (p printer) logLine(env store.Envelope) {
	var data map[string]any
	_ = json.Unmarshal(env.Data, &data)

	c := infoColor
	switch env.Event {
	case schema.EventError, schema.EventTimeout:
		c = errorColor
	case schema.EventFinished:
		c = statusColor(schema.RunStatus(fmt.Sprint(data["status"])))
	case schema.EventStepRetry, schema.EventRateLimitHit, schema.EventSourceFetchFailed:
		c = warnColor
	}

	ts := env.Timestamp
	if len(ts) >= 19 {
		ts = ts[11:19]
	}
	fmt.Fprintf(p.w, "%s ", ts)
	c.Fprintf(p.w, "%-20s", env.Event)
	fmt.Fprintf(p.w, " %s\n", summarize(data))
}

// summarize renders the most informative payload fields in a stable order.
func summarize(data map[string]any) string {
	var parts []string
	for _, key := range []string{"index", "agent", "status", "attempt", "code", "confidence", "quality", "score", "decision", "url", "reason", "error", "message", "detail"} {
		v, ok := data[key]
		if !ok || v == nil || v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, v))
	}
	return strings.Join(parts, " ")
}
