package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "relay:ratelimit:"

// casScript atomically replaces the value of a versioned hash.
//
// KEYS[1] = record key
// ARGV[1] = new value
// ARGV[2] = expected version ("0" when the key must not exist yet)
// Returns: 1 when the write happened, 0 otherwise.
var casScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "v", "ver")
local ver = tonumber(cur[2]) or 0
if ver ~= tonumber(ARGV[2]) then
    return 0
end
local val = tonumber(cur[1])
if val ~= nil and tonumber(ARGV[1]) < val then
    return 0
end
redis.call("HSET", KEYS[1], "v", ARGV[1], "ver", ver + 1)
return 1
`)

// RedisStore is an AtomicStore shared by every relay instance connected to
// the same Redis server. Each key is a hash holding the value and its version;
// conditional writes run as a Lua script so the check and the write are one
// atomic step on the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get implements AtomicStore.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "v", "ver").Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: hmget: %v", ErrStoreUnavailable, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Record{}, nil
	}

	value, err := parseInt(vals[0])
	if err != nil {
		return Record{}, fmt.Errorf("parse value of %q: %w", key, err)
	}
	version, err := parseInt(vals[1])
	if err != nil {
		return Record{}, fmt.Errorf("parse version of %q: %w", key, err)
	}

	return Record{
		Value:   value,
		Version: uint64(version),
		Exists:  true,
	}, nil
}

// CompareAndSet implements AtomicStore.
func (s *RedisStore) CompareAndSet(ctx context.Context, key string, value int64, expected uint64) (bool, error) {
	n, err := casScript.Run(ctx, s.client, []string{s.key(key)},
		value,    // ARGV[1]
		expected, // ARGV[2]
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: compare-and-set: %v", ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

// Ping implements AtomicStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func parseInt(v interface{}) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected reply type")
	}
	return strconv.ParseInt(str, 10, 64)
}
