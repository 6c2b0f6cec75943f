package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces all cache keys in Redis.
const DefaultRedisPrefix = "relay:cache:"

const scanBatch = 256

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// TTL is how long entries stay fresh (default DefaultTTL). It is also
	// the Redis expiry, so stale entries disappear without a sweep.
	TTL time.Duration

	// Prefix namespaces keys (default DefaultRedisPrefix).
	Prefix string

	// Now overrides the clock (for testing).
	Now func() time.Time
}

// RedisStore is a Store shared by every relay instance connected to the
// same Redis server. Entries are JSON encoded.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisStore creates a cache store with Redis backend.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions, logger zerolog.Logger) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisStore{
		redis:  client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: logger,
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	data, err := s.redis.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(backendRedis).Inc()
			return Entry{}, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return Entry{}, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return Entry{}, err
	}

	if !entry.IsFresh(s.now(), s.ttl) {
		CacheMisses.WithLabelValues(backendRedis).Inc()
		return Entry{}, ErrCacheMiss
	}

	CacheHits.WithLabelValues(backendRedis).Inc()
	return entry, nil
}

// Put implements Store. The Redis expiry is the remaining freshness of the
// entry; entries that are already stale are not written.
func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	if entry.ContentType == "" {
		entry.ContentType = DefaultContentType
	}

	ttl := entry.ExpiresAt(s.ttl).Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.redisKey(entry.Key), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.redisKey(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear implements Store. Only keys under the store prefix are removed.
func (s *RedisStore) Clear(ctx context.Context) error {
	removed := 0
	err := s.scan(ctx, func(keys []string) error {
		if err := s.redis.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += len(keys)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return err
	}

	CacheEntries.WithLabelValues(backendRedis).Set(0)
	s.logger.Info().Int("removed", removed).Msg("Cache cleared")
	return nil
}

// Stats implements Store.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	entries := []EntryStats{}

	err := s.scan(ctx, func(keys []string) error {
		values, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			entry, err := decodeEntry([]byte(raw))
			if err != nil {
				s.logger.Warn().Err(err).Str("cache_key", keys[i]).Msg("Skipping undecodable cache entry")
				continue
			}
			entries = append(entries, EntryStats{
				Key:        strings.TrimPrefix(keys[i], s.prefix),
				AgeSeconds: entry.Age(now).Seconds(),
				SizeBytes:  len(entry.Payload),
			})
		}
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("stats").Inc()
		return Stats{}, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	CacheEntries.WithLabelValues(backendRedis).Set(float64(len(entries)))
	return Stats{Count: len(entries), Entries: entries}, nil
}

// Sweep implements Store. Redis expires entries on its own; Sweep catches
// entries written under a longer TTL than the one currently configured.
func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0

	err := s.scan(ctx, func(keys []string) error {
		values, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}
		var stale []string
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			entry, err := decodeEntry([]byte(raw))
			if err != nil || !entry.IsFresh(now, s.ttl) {
				stale = append(stale, keys[i])
			}
		}
		if len(stale) == 0 {
			return nil
		}
		if err := s.redis.Del(ctx, stale...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += len(stale)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("sweep").Inc()
		return removed, err
	}
	return removed, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// scan calls fn with batches of raw Redis keys under the store prefix.
func (s *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return entry, nil
}
