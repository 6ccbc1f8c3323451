// Package api holds the engine-neutral interfaces the pool and session
// layers program against.
package api

import "context"

// Launcher starts new browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
	Name() string
}

// Browser is one running browser process.
type Browser interface {
	// ID identifies the process for logging and stats.
	ID() string
	// NewPage opens a tab in a fresh, isolated browsing context.
	NewPage(ctx context.Context) (Page, error)
	// IsConnected probes the process and reports whether it still answers.
	IsConnected(ctx context.Context) bool
	Close() error
}
