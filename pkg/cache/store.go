package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the key is absent or its entry is stale.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultTTL is how long entries stay fresh when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Store memoizes upstream responses keyed by normalized request identity.
// All implementations are safe for concurrent use; concurrent writes to one
// key resolve as last writer wins.
type Store interface {
	// Get returns the entry for key if present and fresh, ErrCacheMiss otherwise.
	Get(ctx context.Context, key string) (Entry, error)

	// Put inserts or replaces the entry stored under entry.Key.
	Put(ctx context.Context, entry Entry) error

	// Delete removes one key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Stats describes the stored entries without changing them.
	Stats(ctx context.Context) (Stats, error)

	// Sweep removes every entry older than the TTL and returns how many were removed.
	Sweep(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// Stats is a read-only view of the cache contents.
type Stats struct {
	Count   int          `json:"count"`
	Entries []EntryStats `json:"entries"`
}

// EntryStats describes one cache entry.
type EntryStats struct {
	Key        string  `json:"key"`
	AgeSeconds float64 `json:"age_seconds"`
	SizeBytes  int     `json:"size_bytes"`
}
