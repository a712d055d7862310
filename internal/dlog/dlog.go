// Package dlog is the ambient logging convention shared by every
// component of the deliberation server: a thin wrapper over the
// standard log package with a subsystem tag, not a structured-logging
// library.
package dlog

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

var debugEnabled = os.Getenv("DEBUG") == "true"

// Info logs an informational message (always shown).
func Info(subsystem, format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
}

// Debug logs a debug message (only shown if DEBUG=true).
func Debug(subsystem, format string, args ...any) {
	if debugEnabled {
		log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
	}
}

// Warn logs a warning (always shown).
func Warn(subsystem, format string, args ...any) {
	log.Printf("[%s] WARN: "+format, append([]any{subsystem}, args...)...)
}

// Truncate truncates a string to maxLen and adds an ellipsis, collapsing
// newlines first so the result stays on one log line.
func Truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Measurement emits one structured key=value line for a subsystem. Used
// by the retriever and the graph integration facade for the MEASUREMENT
// log lines required by spec §4.4/§4.6 — every call produces exactly one
// line, with fields in stable sorted-key order so lines are greppable.
func Measurement(subsystem string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, fields[k])
	}
	log.Printf("[%s] MEASUREMENT %s", subsystem, b.String())
}
