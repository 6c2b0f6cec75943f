package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/cache-relay/internal/testutil"
	"github.com/Sternrassler/cache-relay/pkg/cache"
	"github.com/Sternrassler/cache-relay/pkg/logging"
	"github.com/Sternrassler/cache-relay/pkg/ratelimit"
	"github.com/Sternrassler/cache-relay/pkg/store"
	"github.com/Sternrassler/cache-relay/pkg/upstream"
)

const testScope = "inat-internal-scope"

// countingStore records every access to the rate limit state.
type countingStore struct {
	*store.MemoryStore
	gets atomic.Int64
	sets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) (store.Record, error) {
	s.gets.Add(1)
	return s.MemoryStore.Get(ctx, key)
}

func (s *countingStore) CompareAndSet(ctx context.Context, key string, value int64, expected uint64) (bool, error) {
	s.sets.Add(1)
	return s.MemoryStore.CompareAndSet(ctx, key, value, expected)
}

type fixture struct {
	relay    *Relay
	mock     *testutil.MockUpstream
	cache    *cache.MemoryStore
	state    *countingStore
	limitCfg ratelimit.Config
}

func newFixture(t *testing.T, limitCfg ratelimit.Config) *fixture {
	t.Helper()

	mock := testutil.NewMockUpstream()
	t.Cleanup(mock.Close)

	return newFixtureWithBase(t, limitCfg, mock, mock.URL())
}

func newFixtureWithBase(t *testing.T, limitCfg ratelimit.Config, mock *testutil.MockUpstream, baseURL string) *fixture {
	t.Helper()

	state := &countingStore{MemoryStore: store.NewMemoryStore()}
	limiter, err := ratelimit.NewLimiter(state, limitCfg, zerolog.Nop())
	require.NoError(t, err)

	up, err := upstream.New(upstream.DefaultConfig("RelayTest/1.0"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { up.Close() })

	norm, err := NewPathNormalizer(baseURL, "")
	require.NoError(t, err)

	mem := cache.NewMemoryStore(cache.MemoryOptions{TTL: time.Hour}, zerolog.Nop())

	r, err := New(Config{Scope: testScope, Timeout: 10 * time.Second}, Deps{
		Cache:      mem,
		Limiter:    limiter,
		Upstream:   up,
		Normalizer: norm,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{relay: r, mock: mock, cache: mem, state: state, limitCfg: limitCfg}
}

func fastLimits() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerSecond = 100
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.BackoffStep = time.Millisecond
	return cfg
}

// claimSlot records a grant at the current time so the next acquisition has to wait.
func claimSlot(t *testing.T, st store.AtomicStore) {
	t.Helper()
	ok, err := st.CompareAndSet(context.Background(), testScope, time.Now().UnixMilli(), 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func get(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func TestNew_Validation(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(store.NewMemoryStore(), ratelimit.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	norm, err := NewPathNormalizer("http://example.com", "")
	require.NoError(t, err)
	up, err := upstream.New(upstream.DefaultConfig("RelayTest/1.0"), zerolog.Nop())
	require.NoError(t, err)
	mem := cache.NewMemoryStore(cache.MemoryOptions{}, zerolog.Nop())

	full := Deps{Cache: mem, Limiter: limiter, Upstream: up, Normalizer: norm}

	tests := []struct {
		name   string
		config Config
		mutate func(*Deps)
	}{
		{"missing scope", Config{}, func(*Deps) {}},
		{"missing cache", Config{Scope: "s"}, func(d *Deps) { d.Cache = nil }},
		{"missing limiter", Config{Scope: "s"}, func(d *Deps) { d.Limiter = nil }},
		{"missing upstream", Config{Scope: "s"}, func(d *Deps) { d.Upstream = nil }},
		{"missing normalizer", Config{Scope: "s"}, func(d *Deps) { d.Normalizer = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := New(tt.config, deps)
			assert.Error(t, err)
		})
	}

	r, err := New(Config{Scope: "s"}, full)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, r.config.Timeout)
}

func TestHandle_MissThenHit(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultConfig())
	f.mock.SetResponse("/taxa", testutil.NewJSONResponse(`{"id":5}`))
	ctx := context.Background()

	resp, err := f.relay.Handle(ctx, get("/taxa?id=5"))
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, resp.Source)
	assert.Equal(t, "/taxa?id=5", resp.Key)
	assert.Equal(t, `{"id":5}`, string(resp.Payload))
	assert.Equal(t, "application/json; charset=utf-8", resp.ContentType)
	assert.Equal(t, 1, f.mock.PathCount("/taxa"))

	entry, err := f.cache.Get(ctx, "/taxa?id=5")
	require.NoError(t, err)
	assert.Equal(t, `{"id":5}`, string(entry.Payload))

	gets, sets := f.state.gets.Load(), f.state.sets.Load()
	assert.Equal(t, int64(1), sets, "first request should be granted on the first attempt")

	resp, err = f.relay.Handle(ctx, get("/taxa?id=5"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, `{"id":5}`, string(resp.Payload))
	assert.Equal(t, 1, f.mock.PathCount("/taxa"), "cache hit must not reach the upstream")
	assert.Equal(t, gets, f.state.gets.Load(), "cache hit must not read the rate limit state")
	assert.Equal(t, sets, f.state.sets.Load(), "cache hit must not acquire a slot")
}

func TestHandle_FormattingVariantsShareEntry(t *testing.T) {
	f := newFixture(t, fastLimits())
	ctx := context.Background()

	_, err := f.relay.Handle(ctx, get("/taxa?rank=species&id=5"))
	require.NoError(t, err)

	resp, err := f.relay.Handle(ctx, get("/taxa/?id=5&rank=species"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "/taxa?id=5&rank=species", resp.Key)
	assert.Equal(t, 1, f.mock.RequestCount())
}

func TestHandle_ConcurrentDifferentKeysAreSpaced(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a full rate limit interval")
	}

	f := newFixture(t, ratelimit.DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, target := range []string{"/taxa?id=1", "/taxa?id=2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.relay.Handle(ctx, get(target))
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	calls := f.mock.CallTimes()
	require.Len(t, calls, 2)
	sort.Slice(calls, func(i, j int) bool { return calls[i].Before(calls[j]) })
	gap := calls[1].Sub(calls[0])
	assert.GreaterOrEqual(t, gap, 900*time.Millisecond, "second upstream call must wait for the interval")
	assert.Less(t, gap, 3*time.Second)
}

func TestHandle_ConcurrentSameKeyShareFlight(t *testing.T) {
	f := newFixture(t, fastLimits())
	slow := testutil.NewJSONResponse(`{"ok":true}`)
	slow.Delay = 100 * time.Millisecond
	f.mock.SetResponse("/slow", slow)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.relay.Handle(context.Background(), get("/slow"))
			assert.NoError(t, err)
			if resp != nil {
				assert.Equal(t, `{"ok":true}`, string(resp.Payload))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.mock.PathCount("/slow"))
}

func TestHandle_UpstreamErrorNotCached(t *testing.T) {
	f := newFixture(t, fastLimits())
	f.mock.SetResponse("/obs", testutil.NewServerErrorResponse())
	ctx := context.Background()

	_, err := f.relay.Handle(ctx, get("/obs?id=1"))
	require.Error(t, err)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindUpstream, re.Kind)
	assert.Equal(t, http.StatusInternalServerError, re.UpstreamStatus)
	assert.Contains(t, re.Message, "500")

	_, err = f.cache.Get(ctx, "/obs?id=1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	f.mock.SetResponse("/obs", testutil.NewJSONResponse(`{"id":1}`))
	resp, err := f.relay.Handle(ctx, get("/obs?id=1"))
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, resp.Source)
	assert.Equal(t, 2, f.mock.PathCount("/obs"))
}

func TestHandle_RateLimitExceeded(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	cfg.BackoffStep = time.Millisecond
	f := newFixture(t, cfg)
	claimSlot(t, f.state)

	_, err := f.relay.Handle(context.Background(), get("/taxa"))

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindRateLimitExceeded, re.Kind)
	assert.Equal(t, time.Second, re.RetryAfter)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.Equal(t, 0, f.mock.RequestCount(), "upstream must not be contacted")
}

func TestHandle_RateLimitTimeout(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultConfig())
	claimSlot(t, f.state)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.relay.Handle(ctx, get("/taxa"))
	assert.Equal(t, KindRateLimitTimeout, KindOf(err))
	assert.Equal(t, 0, f.mock.RequestCount())
}

func TestHandle_RateLimitTimeoutReleasesSlot(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a full rate limit interval")
	}

	f := newFixture(t, ratelimit.DefaultConfig())
	claimSlot(t, f.state)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.relay.Handle(ctx, get("/taxa"))
	require.Equal(t, KindRateLimitTimeout, KindOf(err))

	// Wait past the interval: an abandoned wait must not claim the slot.
	time.Sleep(f.limitCfg.MinInterval() + 300*time.Millisecond)

	assert.Equal(t, 0, f.mock.RequestCount(), "nobody is waiting, upstream must not be called")
	assert.Equal(t, int64(1), f.state.sets.Load(), "only the pre-claimed grant may be recorded")

	stats, err := f.relay.RateLimitStats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stats.LastGrantedAtMsAgo)
	assert.GreaterOrEqual(t, *stats.LastGrantedAtMsAgo, f.limitCfg.MinInterval().Milliseconds())

	f.relay.mu.Lock()
	assert.Empty(t, f.relay.inflight)
	f.relay.mu.Unlock()

	resp, err := f.relay.Handle(context.Background(), get("/taxa"))
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, resp.Source)
	assert.Equal(t, 1, f.mock.RequestCount())
}

func TestHandle_FlightSurvivesWhileACallerWaits(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a full rate limit interval")
	}

	f := newFixture(t, ratelimit.DefaultConfig())
	claimSlot(t, f.state)

	var (
		wg      sync.WaitGroup
		patient *Response
		errP    error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		patient, errP = f.relay.Handle(context.Background(), get("/taxa"))
	}()

	require.Eventually(t, func() bool {
		f.relay.mu.Lock()
		defer f.relay.mu.Unlock()
		return len(f.relay.inflight) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.relay.Handle(ctx, get("/taxa"))
	assert.Equal(t, KindRateLimitTimeout, KindOf(err))

	wg.Wait()
	require.NoError(t, errP)
	assert.Equal(t, SourceUpstream, patient.Source)
	assert.Equal(t, 1, f.mock.RequestCount())
}

func TestHandle_TimeoutWhileUpstreamRuns(t *testing.T) {
	f := newFixture(t, fastLimits())
	slow := testutil.NewJSONResponse(`{}`)
	slow.Delay = 300 * time.Millisecond
	f.mock.SetResponse("/slow", slow)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.relay.Handle(ctx, get("/slow"))
	assert.Equal(t, KindTimeout, KindOf(err))

	// The abandoned flight still completes and fills the cache.
	assert.Eventually(t, func() bool {
		_, err := f.cache.Get(context.Background(), "/slow")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandle_ForwardedHeadersVaryKey(t *testing.T) {
	f := newFixture(t, fastLimits())
	f.relay.config.ForwardHeaders = []string{"accept-language"}
	ctx := context.Background()

	withLang := func(lang string) *http.Request {
		req := get("/taxa?id=5")
		if lang != "" {
			req.Header.Set("Accept-Language", lang)
		}
		return req
	}

	de, err := f.relay.Handle(ctx, withLang("de"))
	require.NoError(t, err)
	assert.Equal(t, "/taxa?id=5|Accept-Language=de", de.Key)
	assert.Equal(t, "de", f.mock.LastHeader().Get("Accept-Language"))

	en, err := f.relay.Handle(ctx, withLang("en"))
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, en.Source, "a different header value is a different entry")

	plain, err := f.relay.Handle(ctx, withLang(""))
	require.NoError(t, err)
	assert.Equal(t, "/taxa?id=5", plain.Key)
	assert.Equal(t, SourceUpstream, plain.Source)

	again, err := f.relay.Handle(ctx, withLang("de"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, again.Source)
	assert.Equal(t, 3, f.mock.RequestCount())
}

func TestHandle_LogsCarryRequestID(t *testing.T) {
	f := newFixture(t, fastLimits())
	buf := &bytes.Buffer{}
	f.relay.logger = zerolog.New(buf).With().Str("component", "relay").Logger()

	ctx := logging.WithRequestID(context.Background(), zerolog.Nop(), "req-42")
	req := get("/taxa").WithContext(ctx)
	_, err := f.relay.Handle(ctx, req)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"component":"relay"`)
	assert.Contains(t, out, `"request_id":"req-42"`)
	assert.Contains(t, out, `"cache_key":"/taxa"`)

	buf.Reset()
	_, err = f.relay.Handle(ctx, httptest.NewRequest(http.MethodPost, "/taxa", nil))
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"error_kind":"bad_request"`)
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestHandle_TransportError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	base := mock.URL()
	mock.Close()

	f := newFixtureWithBase(t, fastLimits(), mock, base)

	_, err := f.relay.Handle(context.Background(), get("/taxa"))
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, upstream.IsTransport(err))
}

func TestHandle_BadRequest(t *testing.T) {
	f := newFixture(t, fastLimits())

	req := httptest.NewRequest(http.MethodPost, "/taxa", nil)
	_, err := f.relay.Handle(context.Background(), req)
	assert.Equal(t, KindBadRequest, KindOf(err))
	assert.Equal(t, 0, f.mock.RequestCount())
}

func TestCacheClear(t *testing.T) {
	f := newFixture(t, fastLimits())
	ctx := context.Background()

	for _, target := range []string{"/a", "/b?x=1"} {
		_, err := f.relay.Handle(ctx, get(target))
		require.NoError(t, err)
	}

	stats, err := f.relay.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)

	require.NoError(t, f.relay.CacheClear(ctx))

	for _, key := range []string{"/a", "/b?x=1"} {
		_, err := f.cache.Get(ctx, key)
		assert.ErrorIs(t, err, cache.ErrCacheMiss, key)
	}

	resp, err := f.relay.Handle(ctx, get("/a"))
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, resp.Source)
	assert.Equal(t, 3, f.mock.RequestCount())
}

func TestRateLimitStats(t *testing.T) {
	f := newFixture(t, ratelimit.DefaultConfig())
	ctx := context.Background()

	stats, err := f.relay.RateLimitStats(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats.LastGrantedAtMsAgo)
	assert.Equal(t, int64(0), stats.EstimatedWaitMs)

	_, err = f.relay.Handle(ctx, get("/taxa"))
	require.NoError(t, err)
	sets := f.state.sets.Load()

	stats, err = f.relay.RateLimitStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.LastGrantedAtMsAgo)
	assert.GreaterOrEqual(t, *stats.LastGrantedAtMsAgo, int64(0))
	assert.Greater(t, stats.EstimatedWaitMs, int64(0))
	assert.LessOrEqual(t, stats.EstimatedWaitMs, int64(1000))
	assert.Equal(t, sets, f.state.sets.Load(), "stats must not modify the state")

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.NotContains(t, string(data), testScope)
}
