package cache

import (
	"time"
)

// DefaultContentType is recorded when the upstream response carries none.
const DefaultContentType = "application/json"

// Entry is a cached upstream response. Entries are never modified after
// creation; refreshing a key stores a new Entry in its place.
type Entry struct {
	// Key is the normalized request identity (see Key.String).
	Key string `json:"key"`

	// Payload is the raw response body, stored verbatim.
	Payload []byte `json:"payload"`

	// ContentType is the MIME type reported by the upstream.
	ContentType string `json:"content_type"`

	// CreatedAt is when the entry was inserted.
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry builds an entry, defaulting the content type and copying payload.
func NewEntry(key string, payload []byte, contentType string, now time.Time) Entry {
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Entry{
		Key:         key,
		Payload:     clonePayload(payload),
		ContentType: contentType,
		CreatedAt:   now,
	}
}

// ExpiresAt returns CreatedAt + ttl.
func (e Entry) ExpiresAt(ttl time.Duration) time.Time {
	return e.CreatedAt.Add(ttl)
}

// Age returns how long ago the entry was created.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// IsFresh reports whether now - CreatedAt < ttl.
func (e Entry) IsFresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) < ttl
}

func clonePayload(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
