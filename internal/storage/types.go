package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the snapshot store.
//
// Driver values:
//   - "file": dependency-free single-file backend
//   - "sqlite": SQLite database file, keeps a bounded snapshot history
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepSnapshots bounds the snapshot history (sqlite only). Default 10.
	KeepSnapshots int
}

// Store persists serialized event snapshots across restarts.
type Store interface {
	// SaveSnapshot writes one snapshot payload.
	SaveSnapshot(ctx context.Context, payload string) error
	// LoadLatest returns the most recent payload; ok is false when none exists.
	LoadLatest(ctx context.Context) (payload string, ok bool, err error)
	// Prune discards all but the newest keep snapshots.
	Prune(ctx context.Context, keep int) error
	Close() error
}
