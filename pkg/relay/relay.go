// Package relay implements the caching, rate-limited proxy flow.
//
// A request is normalized into a cache key and an upstream URL. Fresh cache
// entries are served directly. On a miss the relay acquires a slot from the
// global rate limiter, calls the upstream once and stores a successful
// response. Failures are returned as *Error and never cached.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/cache-relay/pkg/cache"
	"github.com/Sternrassler/cache-relay/pkg/logging"
	"github.com/Sternrassler/cache-relay/pkg/ratelimit"
	"github.com/Sternrassler/cache-relay/pkg/store"
	"github.com/Sternrassler/cache-relay/pkg/upstream"
)

// Prometheus metrics for relayed requests.
var (
	relayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total relayed requests by outcome",
	}, []string{"outcome"}) // "hit", "miss", or an error kind

	relayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "Relay request duration in seconds by cache source",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source"})

	relayFlightsShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_flights_shared_total",
		Help: "Cache misses that joined an upstream call already in flight",
	})
)

// Source tells whether a response came from the cache or the upstream.
type Source string

const (
	SourceCache    Source = "HIT"
	SourceUpstream Source = "MISS"
)

// CacheHeader carries the Source of a relayed response.
const CacheHeader = "X-Relay-Cache"

// DefaultTimeout bounds one upstream flight when Config.Timeout is unset.
const DefaultTimeout = 60 * time.Second

// Fetcher performs upstream calls.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, method string, headers http.Header) (*upstream.Response, error)
}

// Limiter grants upstream slots.
type Limiter interface {
	Execute(ctx context.Context, scope string, action func(context.Context) error) error
	Stats(ctx context.Context, scope string) (ratelimit.Stats, error)
	Config() ratelimit.Config
}

// Config holds relay settings.
type Config struct {
	// Scope names the rate limit shared by every instance relaying to the
	// same upstream.
	Scope string

	// Timeout bounds one miss flight: the rate-limit wait plus the upstream
	// call. A flight stops waiting for a slot once all of its callers have
	// given up; after the slot is granted it runs to completion even if
	// nobody is left to receive the response.
	Timeout time.Duration

	// ForwardHeaders lists inbound headers passed on to the upstream. Their
	// values become part of the cache key.
	ForwardHeaders []string
}

// Deps are the collaborators owned by the caller.
type Deps struct {
	Cache      cache.Store
	Limiter    Limiter
	Upstream   Fetcher
	Normalizer Normalizer
	Logger     zerolog.Logger
}

// Response is a successfully relayed payload.
type Response struct {
	Key         string
	Payload     []byte
	ContentType string
	Source      Source
}

// RateLimitStats is the client-safe view of the limiter state.
type RateLimitStats struct {
	LastGrantedAtMsAgo *int64 `json:"last_granted_at_ms_ago"`
	EstimatedWaitMs    int64  `json:"estimated_wait_ms"`
}

// Relay serves requests from the cache or, rate limited, from the upstream.
type Relay struct {
	config     Config
	cache      cache.Store
	limiter    Limiter
	upstream   Fetcher
	normalizer Normalizer
	logger     zerolog.Logger
	now        func() time.Time

	flights  singleflight.Group
	mu       sync.Mutex
	inflight map[string]*flight
}

// errFlightAbandoned is the cancellation cause of a flight whose callers all
// left before it was granted a slot.
var errFlightAbandoned = errors.New("flight abandoned by all callers")

// flight tracks the callers waiting on one shared miss.
type flight struct {
	ctx     context.Context
	abandon context.CancelCauseFunc
	stop    context.CancelFunc
	waiters int
	running bool
	granted bool
}

// New creates a relay.
func New(cfg Config, deps Deps) (*Relay, error) {
	if cfg.Scope == "" {
		return nil, fmt.Errorf("scope is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream fetcher is required")
	}
	if deps.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Relay{
		config:     cfg,
		cache:      deps.Cache,
		limiter:    deps.Limiter,
		upstream:   deps.Upstream,
		normalizer: deps.Normalizer,
		logger:     deps.Logger,
		now:        time.Now,
		inflight:   make(map[string]*flight),
	}, nil
}

// Handle runs one inbound request through the relay. Every returned error
// is an *Error.
func (r *Relay) Handle(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()
	logger := logging.ForRequest(ctx, r.logger)

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, fail(logger, newError(KindBadRequest, "only GET and HEAD are relayed", nil), "")
	}

	key, upstreamURL, err := r.normalizer.Normalize(req)
	if err != nil {
		return nil, fail(logger, newError(KindBadRequest, "request could not be normalized", err), "")
	}
	headers := r.forwardHeaders(req)
	key = varyKey(key, headers)

	entry, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		relayRequestsTotal.WithLabelValues("hit").Inc()
		relayRequestDuration.WithLabelValues(string(SourceCache)).Observe(time.Since(start).Seconds())
		logger.Debug().
			Str("cache_key", key).
			Bool("cache_hit", true).
			Dur("duration", time.Since(start)).
			Msg("Served from cache")
		return &Response{
			Key:         key,
			Payload:     entry.Payload,
			ContentType: entry.ContentType,
			Source:      SourceCache,
		}, nil
	case errors.Is(err, cache.ErrCacheMiss):
	default:
		// A broken cache degrades to a miss.
		logger.Warn().Err(err).Str("cache_key", key).Msg("Cache read failed, treating as miss")
	}

	resp, err := r.fetch(ctx, key, upstreamURL, headers, logger)
	if err != nil {
		return nil, fail(logger, err, key)
	}

	relayRequestsTotal.WithLabelValues("miss").Inc()
	relayRequestDuration.WithLabelValues(string(SourceUpstream)).Observe(time.Since(start).Seconds())
	logger.Debug().
		Str("cache_key", key).
		Bool("cache_hit", false).
		Dur("duration", time.Since(start)).
		Msg("Served from upstream")
	return resp, nil
}

// fetch joins or starts the flight for key and waits for it or for ctx.
func (r *Relay) fetch(ctx context.Context, key, upstreamURL string, headers http.Header, logger zerolog.Logger) (*Response, error) {
	for attempt := 0; ; attempt++ {
		f := r.join(ctx, key)
		ch := r.flights.DoChan(key, func() (interface{}, error) {
			r.start(f)
			defer r.finish(key, f)
			return r.fetchAndStore(f, key, upstreamURL, headers, logger)
		})

		select {
		case res := <-ch:
			r.leave(key, f, false)
			if res.Shared {
				relayFlightsShared.Inc()
			}
			if res.Err != nil {
				// The flight was abandoned by its other callers just as
				// this one joined. Start a fresh one.
				if attempt == 0 && ctx.Err() == nil && errors.Is(res.Err, errFlightAbandoned) {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*Response), nil
		case <-ctx.Done():
			if r.leave(key, f, true) {
				return nil, newError(KindTimeout, "timed out waiting for upstream", ctx.Err())
			}
			return nil, newError(KindRateLimitTimeout, "timed out waiting for rate limit", ctx.Err())
		}
	}
}

// join registers a caller on the flight for key, creating it if needed.
func (r *Relay) join(ctx context.Context, key string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.inflight[key]
	if !ok {
		base, abandon := context.WithCancelCause(context.WithoutCancel(ctx))
		fctx, stop := context.WithTimeout(base, r.config.Timeout)
		f = &flight{ctx: fctx, abandon: abandon, stop: stop}
		r.inflight[key] = f
	}
	f.waiters++
	return f
}

// leave unregisters a caller and reports whether the flight had been
// granted a slot. The last caller to give up before the grant cancels the
// slot acquisition.
func (r *Relay) leave(key string, f *flight, gaveUp bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return f.granted
	}
	switch {
	case gaveUp && !f.granted:
		f.abandon(errFlightAbandoned)
		f.stop()
		r.forget(key, f)
	case !f.running:
		f.stop()
		r.forget(key, f)
	}
	return f.granted
}

func (r *Relay) start(f *flight) {
	r.mu.Lock()
	f.running = true
	r.mu.Unlock()
}

// grant marks the flight as holding a slot. It fails if the flight was
// cancelled first.
func (r *Relay) grant(f *flight) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.ctx.Err() != nil {
		return context.Cause(f.ctx)
	}
	f.granted = true
	return nil
}

func (r *Relay) finish(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.running = false
	f.stop()
	r.forget(key, f)
}

func (r *Relay) forget(key string, f *flight) {
	if r.inflight[key] == f {
		delete(r.inflight, key)
	}
}

// fetchAndStore performs the rate-limited upstream call and caches a
// successful result.
func (r *Relay) fetchAndStore(f *flight, key, upstreamURL string, headers http.Header, logger zerolog.Logger) (*Response, error) {
	var upstreamResp *upstream.Response
	err := r.limiter.Execute(f.ctx, r.config.Scope, func(ctx context.Context) error {
		if err := r.grant(f); err != nil {
			return fmt.Errorf("%w: %w", ratelimit.ErrRateLimitTimeout, err)
		}
		var err error
		upstreamResp, err = r.upstream.Fetch(ctx, upstreamURL, http.MethodGet, headers)
		return err
	})
	if err != nil {
		if errors.Is(context.Cause(f.ctx), errFlightAbandoned) {
			logger.Debug().Str("cache_key", key).Msg("Flight abandoned before a slot was granted")
			return nil, newError(KindRateLimitTimeout, "timed out waiting for rate limit", errFlightAbandoned)
		}
		return nil, r.classify(err)
	}

	entry := cache.NewEntry(key, upstreamResp.Body, upstreamResp.ContentType, r.now())
	if err := r.cache.Put(f.ctx, entry); err != nil {
		logger.Warn().Err(err).Str("cache_key", key).Msg("Cache write failed")
	}

	return &Response{
		Key:         key,
		Payload:     entry.Payload,
		ContentType: entry.ContentType,
		Source:      SourceUpstream,
	}, nil
}

// classify maps limiter, store and upstream failures onto relay kinds.
func (r *Relay) classify(err error) *Error {
	var ue *upstream.Error
	switch {
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		re := newError(KindRateLimitExceeded, "upstream capacity exhausted, retry later", err)
		re.RetryAfter = r.limiter.Config().MinInterval()
		return re
	case errors.Is(err, ratelimit.ErrRateLimitTimeout):
		return newError(KindRateLimitTimeout, "timed out waiting for rate limit", err)
	case errors.Is(err, store.ErrStoreUnavailable):
		return newError(KindUnavailable, "service unavailable", err)
	case errors.As(err, &ue) && ue.Class == upstream.ClassNetwork:
		return newError(KindTransport, "upstream unreachable", err)
	case errors.As(err, &ue):
		re := newError(KindUpstream, fmt.Sprintf("upstream returned status %d: %s", ue.StatusCode, ue.Message), err)
		re.UpstreamStatus = ue.StatusCode
		return re
	default:
		return newError(KindUnavailable, "service unavailable", err)
	}
}

// fail records a failed request. err must be an *Error.
func fail(logger zerolog.Logger, err error, key string) error {
	kind := KindOf(err)
	relayRequestsTotal.WithLabelValues(string(kind)).Inc()

	ev := logger.Warn()
	if kind == KindBadRequest {
		ev = logger.Debug()
	}
	ev.Err(err).
		Str("cache_key", key).
		Str("error_kind", string(kind)).
		Msg("Relay request failed")
	return err
}

func (r *Relay) forwardHeaders(req *http.Request) http.Header {
	if len(r.config.ForwardHeaders) == 0 {
		return nil
	}
	h := make(http.Header)
	for _, name := range r.config.ForwardHeaders {
		if v := req.Header.Values(name); len(v) > 0 {
			h[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
		}
	}
	return h
}

// varyKey appends the forwarded header values to key so that responses that
// depend on them are cached apart, e.g. "/taxa?id=5|Accept-Language=de".
func varyKey(key string, headers http.Header) string {
	if len(headers) == 0 {
		return key
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(key)
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(headers[name], ","))
	}
	return b.String()
}

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	resp, err := r.Handle(req.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set(CacheHeader, string(resp.Source))
	w.WriteHeader(http.StatusOK)
	if req.Method != http.MethodHead {
		w.Write(resp.Payload)
	}
}

// CacheStats describes the cached entries.
func (r *Relay) CacheStats(ctx context.Context) (cache.Stats, error) {
	stats, err := r.cache.Stats(ctx)
	if err != nil {
		return cache.Stats{}, newError(KindUnavailable, "cache unavailable", err)
	}
	return stats, nil
}

// CacheClear removes every cached entry.
func (r *Relay) CacheClear(ctx context.Context) error {
	if err := r.cache.Clear(ctx); err != nil {
		return newError(KindUnavailable, "cache unavailable", err)
	}
	logger := logging.ForRequest(ctx, r.logger)
	logger.Info().Msg("Cache cleared")
	return nil
}

// RateLimitStats reports the limiter state of the relay's scope. The scope
// name is not part of the result.
func (r *Relay) RateLimitStats(ctx context.Context) (RateLimitStats, error) {
	st, err := r.limiter.Stats(ctx, r.config.Scope)
	if err != nil {
		return RateLimitStats{}, newError(KindUnavailable, "rate limit state unavailable", err)
	}

	out := RateLimitStats{EstimatedWaitMs: st.EstimatedWait.Milliseconds()}
	if st.Recorded {
		ago := st.SinceLastGrant.Milliseconds()
		out.LastGrantedAtMsAgo = &ago
	}
	return out, nil
}

// Ping checks the cache backend.
func (r *Relay) Ping(ctx context.Context) error {
	return r.cache.Ping(ctx)
}
