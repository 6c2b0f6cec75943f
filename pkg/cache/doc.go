// Package cache memoizes upstream responses for the relay.
//
// Entries are keyed by the normalized identity of the inbound request and stay
// fresh for a fixed TTL measured from their creation:
//
// - Lazy expiry: stale entries are reported as misses on read
// - Optional Sweep/StartJanitor to purge stale entries in the background
// - Optional capacity bound evicting the least recently inserted entry (memory backend)
// - Administrative Clear and read-only Stats
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	store := cache.NewMemoryStore(cache.MemoryOptions{TTL: 24 * time.Hour}, logger)
//
//	key := cache.NewKey("/taxa/", url.Values{"id": {"5"}}).String() // "/taxa?id=5"
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from upstream, then
//		_ = store.Put(ctx, cache.NewEntry(key, body, contentType, time.Now()))
//	}
//
// # Shared Cache
//
// RedisStore keeps entries in Redis so several relay instances share one cache:
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := cache.NewRedisStore(redisClient, cache.RedisOptions{TTL: time.Hour}, logger)
//
// # Metrics
//
//   - relay_cache_hits_total{backend} - Fresh hits
//   - relay_cache_misses_total - Misses (absent or stale)
//   - relay_cache_entries{backend} - Stored entries
//   - relay_cache_evictions_total - Capacity evictions
//   - relay_cache_errors_total{operation} - Backend errors
package cache
