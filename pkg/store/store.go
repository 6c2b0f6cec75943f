// Package store provides the atomic key-value backends that hold state shared
// by every relay instance. Values are 64-bit integers guarded by a version
// token, so callers can perform optimistic compare-and-set updates.
package store

import (
	"context"
	"errors"
)

// ErrStoreUnavailable wraps I/O failures of the underlying backend.
var ErrStoreUnavailable = errors.New("atomic store unavailable")

// Record is a versioned value read from an AtomicStore.
type Record struct {
	// Value is the stored integer (zero when the key does not exist).
	Value int64

	// Version is the token a caller passes back to CompareAndSet.
	// Version 0 always means "key absent".
	Version uint64

	// Exists reports whether the key has ever been written.
	Exists bool
}

// AtomicStore is a linearizable compare-and-set key-value store.
type AtomicStore interface {
	// Get returns the current record for key. A missing key is not an error.
	Get(ctx context.Context, key string) (Record, error)

	// CompareAndSet stores value under key only if the current version still
	// equals expected and value does not move the stored value backwards.
	// It reports whether the write happened.
	CompareAndSet(ctx context.Context, key string, value int64, expected uint64) (bool, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error
}
