package store

import (
	"errors"
	"time"

	"botherd/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a uniqueness invariant would be violated
	// (active dedup key, outstanding capacity request).
	ErrConflict = errors.New("conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": mutex-guarded in-process maps (tests, ephemeral runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FailureKey groups BotEvents for the observability aggregates.
type FailureKey struct {
	Type    model.EventType
	SubType model.EventSubType
}
