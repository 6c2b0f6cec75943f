package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client.
// Tests are skipped when no Redis is listening on localhost; the integration
// suite runs the same scenarios against a container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, RedisOptions{}, testLogger())
}

func TestRedisStore_PutGetClear(t *testing.T) {
	client := setupTestRedis(t)
	s := NewRedisStore(client, RedisOptions{TTL: time.Minute}, testLogger())
	ctx := context.Background()

	entry := NewEntry("/taxa?id=5", []byte(`{"id":5}`), "", time.Now())
	if err := s.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "/taxa?id=5")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != `{"id":5}` || got.ContentType != DefaultContentType {
		t.Errorf("Get() = %+v", got)
	}

	ttl, err := client.TTL(ctx, DefaultRedisPrefix+"/taxa?id=5").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("redis TTL = %v, want within (0, 1m]", ttl)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Count != 1 || stats.Entries[0].Key != "/taxa?id=5" || stats.Entries[0].SizeBytes != 8 {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := s.Get(ctx, "/taxa?id=5"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Clear() error = %v, want ErrCacheMiss", err)
	}
}

func TestRedisStore_ClearKeepsForeignKeys(t *testing.T) {
	client := setupTestRedis(t)
	s := NewRedisStore(client, RedisOptions{}, testLogger())
	ctx := context.Background()

	client.Set(ctx, "other:key", "keep", 0)
	_ = s.Put(ctx, NewEntry("/x", []byte("x"), "", time.Now()))

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if v, err := client.Get(ctx, "other:key").Result(); err != nil || v != "keep" {
		t.Errorf("foreign key removed by Clear(): %q, %v", v, err)
	}
}

func TestRedisStore_StaleEntryIsMiss(t *testing.T) {
	client := setupTestRedis(t)
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewRedisStore(client, RedisOptions{TTL: time.Hour, Now: clock}, testLogger())
	ctx := context.Background()

	_ = s.Put(ctx, NewEntry("k", []byte("v"), "", now.Add(-59*time.Minute)))
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() error = %v, want hit", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}

	removed, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}
}

func TestRedisStore_InterfaceCompliance(t *testing.T) {
	var _ Store = (*RedisStore)(nil)
	var _ Store = (*MemoryStore)(nil)
}
