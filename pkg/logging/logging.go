// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package logging provides the gateway's single process-wide slog.Logger,
// initialized once at startup (spec_full §4.9) and retrieved everywhere
// else via GetLogger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	once   sync.Once
	mu     sync.Mutex
	logger *slog.Logger
)

// Init configures the process-wide logger with the given level and
// destination writer. Only the first call takes effect; subsequent calls
// are no-ops so that an early default initialization (e.g. from a
// package-level GetLogger call in a test) cannot be silently overridden
// later by a different component.
func Init(level slog.Leveler, w io.Writer) {
	once.Do(func() {
		setLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	})
}

// GetLogger returns the process-wide logger, lazily defaulting to an
// Info-level logger writing to stderr if Init was never called.
func GetLogger() *slog.Logger {
	once.Do(func() {
		setLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	})
	mu.Lock()
	defer mu.Unlock()
	return logger
}

func setLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// ForTestsOnlyResetLogger clears the singleton so the next Init or
// GetLogger call re-initializes it. It exists solely so tests in this and
// other packages can install a buffer-backed logger and assert on its
// output; production code must never call it.
func ForTestsOnlyResetLogger() {
	mu.Lock()
	logger = nil
	mu.Unlock()
	once = sync.Once{}
}
