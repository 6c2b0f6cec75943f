package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/cache-relay/pkg/cache"
	"github.com/Sternrassler/cache-relay/pkg/config"
	"github.com/Sternrassler/cache-relay/pkg/logging"
	"github.com/Sternrassler/cache-relay/pkg/ratelimit"
	"github.com/Sternrassler/cache-relay/pkg/relay"
	"github.com/Sternrassler/cache-relay/pkg/store"
	"github.com/Sternrassler/cache-relay/pkg/upstream"
)

// app holds the wired relay and the resources it owns.
type app struct {
	cfg      *config.Config
	redis    redis.UniversalClient
	state    store.AtomicStore
	cache    cache.Store
	limiter  *ratelimit.Limiter
	upstream *upstream.Client
	relay    *relay.Relay
	logger   zerolog.Logger
}

// newApp builds the relay from cfg. Memory backends keep their state for the
// lifetime of the process only.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("relay")}

	if cfg.UsesRedis() {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		a.state = store.NewRedisStore(a.redis, cfg.RateLimit.KeyPrefix)
	default:
		a.state = store.NewMemoryStore()
	}

	switch cfg.Cache.Backend {
	case config.BackendRedis:
		a.cache = cache.NewRedisStore(a.redis, cache.RedisOptions{
			TTL:    cfg.Cache.TTL,
			Prefix: cfg.Cache.KeyPrefix,
		}, logging.NewLogger("cache"))
	default:
		a.cache = cache.NewMemoryStore(cache.MemoryOptions{
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		}, logging.NewLogger("cache"))
	}

	var err error
	a.limiter, err = ratelimit.NewLimiter(a.state, cfg.Limiter(), logging.NewLogger("ratelimit"))
	if err != nil {
		a.Close()
		return nil, err
	}

	upCfg := upstream.DefaultConfig(cfg.Upstream.UserAgent)
	upCfg.Timeout = cfg.Upstream.Timeout
	upCfg.MaxBodyBytes = cfg.Upstream.MaxBodyBytes
	a.upstream, err = upstream.New(upCfg, logging.NewLogger("upstream"))
	if err != nil {
		a.Close()
		return nil, err
	}

	norm, err := relay.NewPathNormalizer(cfg.Upstream.BaseURL, cfg.Server.PathPrefix, cfg.Upstream.ExcludeParams...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.relay, err = relay.New(relay.Config{
		Scope:          cfg.Upstream.Scope,
		Timeout:        cfg.FlightTimeout(),
		ForwardHeaders: cfg.Upstream.ForwardHeaders,
	}, relay.Deps{
		Cache:      a.cache,
		Limiter:    a.limiter,
		Upstream:   a.upstream,
		Normalizer: norm,
		Logger:     a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// startMaintenance runs the cache sweep until ctx is done.
func (a *app) startMaintenance(ctx context.Context) {
	cache.StartJanitor(ctx, a.cache, a.cfg.Cache.SweepInterval, logging.NewLogger("cache"))
}

// Close releases connections.
func (a *app) Close() {
	if a.upstream != nil {
		a.upstream.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
