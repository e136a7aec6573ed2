// Package gologger provides the structured logging this module uses for
// non-fatal diagnostics, the same role golang.org/x/debug's
// cmd/viewcore/main.go fills by collecting process.Warnings() and printing
// them with fmt.Fprintf(os.Stderr, "WARNING: %s\n", w) — generalized here
// to log/slog so callers can attach fields (worker id, pool name, frame
// depth) instead of formatting them into a string by hand.
package gologger

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	current = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Set replaces the process-wide logger. Intended for tests and for hosts
// that want JSON logs or a different sink.
func Set(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Get returns the process-wide logger.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns a logger scoped to a component, mirroring the per-file
// "WARNING:"-prefix convention from the teacher's CLI but as a field
// instead of a string prefix.
func Named(component string) *slog.Logger {
	return Get().With("component", component)
}
