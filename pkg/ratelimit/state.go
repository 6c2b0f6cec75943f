// Package ratelimit enforces a minimum spacing between upstream requests
// across every relay instance. The time of the last granted request is kept in
// a shared atomic store and advanced with compare-and-set, so two racing
// callers can never both claim the same slot.
package ratelimit

import (
	"time"

	"github.com/Sternrassler/cache-relay/pkg/store"
)

// State is the shared rate limit state of one scope.
type State struct {
	// Scope identifies the upstream resource the state belongs to.
	Scope string

	// LastGrantedAt is the most recent moment a caller was allowed to contact
	// the upstream. It only ever moves forward.
	LastGrantedAt time.Time

	// Recorded is false until the first grant for the scope. A scope without a
	// recorded grant behaves as if the last grant happened infinitely long ago.
	Recorded bool

	// version is the optimistic concurrency token observed with the state.
	version uint64
}

func stateFromRecord(scope string, rec store.Record) State {
	s := State{Scope: scope, version: rec.Version}
	if rec.Exists {
		s.LastGrantedAt = time.UnixMilli(rec.Value)
		s.Recorded = true
	}
	return s
}

// Elapsed returns the time since the last grant.
func (s State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.LastGrantedAt)
}

// Allows reports whether a new grant at now keeps minInterval spacing.
// Both sides are compared at millisecond resolution, the resolution of the
// stored timestamp.
func (s State) Allows(now time.Time, minInterval time.Duration) bool {
	if !s.Recorded {
		return true
	}
	return now.UnixMilli()-s.LastGrantedAt.UnixMilli() >= minInterval.Milliseconds()
}

// EstimatedWait returns how long a caller would have to wait before the
// next slot opens. Returns 0 if a slot is open now.
func (s State) EstimatedWait(now time.Time, minInterval time.Duration) time.Duration {
	if !s.Recorded {
		return 0
	}
	wait := minInterval - s.Elapsed(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// phase is the position of a single Execute call in the acquisition state machine.
type phase int

const (
	phaseIdle phase = iota
	phaseWaiting
	phaseGranted
	phaseExhausted
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseWaiting:
		return "waiting"
	case phaseGranted:
		return "granted"
	case phaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
