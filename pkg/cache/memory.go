package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// TTL is how long entries stay fresh (default DefaultTTL).
	TTL time.Duration

	// MaxEntries bounds the store size. When full, the least recently
	// inserted entry is evicted. Zero means unbounded.
	MaxEntries int

	// Now overrides the clock (for testing).
	Now func() time.Time
}

// MemoryStore is an in-process Store with lazy expiry.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   *insertionOrder
	ttl     time.Duration
	max     int
	now     func() time.Time
	logger  zerolog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts MemoryOptions, logger zerolog.Logger) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxEntries < 0 {
		opts.MaxEntries = 0
	}
	return &MemoryStore{
		entries: make(map[string]Entry),
		order:   newInsertionOrder(),
		ttl:     opts.TTL,
		max:     opts.MaxEntries,
		now:     opts.Now,
		logger:  logger,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !entry.IsFresh(s.now(), s.ttl) {
		CacheMisses.WithLabelValues(backendMemory).Inc()
		return Entry{}, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendMemory).Inc()
	entry.Payload = clonePayload(entry.Payload)
	return entry, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	entry.Payload = clonePayload(entry.Payload)
	if entry.ContentType == "" {
		entry.ContentType = DefaultContentType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Key]; !exists && s.max > 0 {
		for len(s.entries) >= s.max {
			victim := s.order.Evict()
			if victim == "" {
				break
			}
			delete(s.entries, victim)
			CacheEvictions.Inc()
			s.logger.Debug().Str("cache_key", victim).Msg("Evicted oldest cache entry")
		}
	}

	s.entries[entry.Key] = entry
	s.order.OnPut(entry.Key)
	CacheEntries.WithLabelValues(backendMemory).Set(float64(len(s.entries)))
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	s.order.Remove(key)
	CacheEntries.WithLabelValues(backendMemory).Set(float64(len(s.entries)))
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]Entry)
	s.order.Reset()
	CacheEntries.WithLabelValues(backendMemory).Set(0)
	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	now := s.now()

	s.mu.RLock()
	entries := make([]EntryStats, 0, len(s.entries))
	for key, e := range s.entries {
		entries = append(entries, EntryStats{
			Key:        key,
			AgeSeconds: e.Age(now).Seconds(),
			SizeBytes:  len(e.Payload),
		})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return Stats{Count: len(entries), Entries: entries}, nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if !e.IsFresh(now, s.ttl) {
			delete(s.entries, key)
			s.order.Remove(key)
			removed++
		}
	}
	CacheEntries.WithLabelValues(backendMemory).Set(float64(len(s.entries)))
	return removed, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// StartJanitor sweeps the store every interval until ctx is done.
// A non-positive interval disables the janitor.
func StartJanitor(ctx context.Context, s Store, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep(ctx)
				if err != nil {
					CacheErrors.WithLabelValues("sweep").Inc()
					logger.Warn().Err(err).Msg("Cache sweep failed")
					continue
				}
				if removed > 0 {
					logger.Debug().Int("removed", removed).Msg("Swept stale cache entries")
				}
			}
		}
	}()
}
