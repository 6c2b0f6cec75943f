package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/cache-relay/internal/testutil"
	"github.com/Sternrassler/cache-relay/pkg/ratelimit"
)

func TestServeHTTP_MissThenHit(t *testing.T) {
	f := newFixture(t, fastLimits())
	f.mock.SetResponse("/taxa", testutil.NewJSONResponse(`{"id":5}`))

	rec := httptest.NewRecorder()
	f.relay.ServeHTTP(rec, get("/taxa?id=5"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(CacheHeader))
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"id":5}`, rec.Body.String())

	rec = httptest.NewRecorder()
	f.relay.ServeHTTP(rec, get("/taxa?id=5"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get(CacheHeader))
	assert.Equal(t, `{"id":5}`, rec.Body.String())
}

func TestServeHTTP_Head(t *testing.T) {
	f := newFixture(t, fastLimits())

	rec := httptest.NewRecorder()
	f.relay.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/taxa", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServeHTTP_ErrorKindsAreDistinct(t *testing.T) {
	upstreamFailure := newFixture(t, fastLimits())
	upstreamFailure.mock.SetResponse("/taxa", testutil.NewNotFoundResponse())

	cfg := ratelimit.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	exhausted := newFixture(t, cfg)
	claimSlot(t, exhausted.state)

	decode := func(rec *httptest.ResponseRecorder) envelopeBody {
		t.Helper()
		var body envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Error
	}

	rec := httptest.NewRecorder()
	upstreamFailure.relay.ServeHTTP(rec, get("/taxa?id=0"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	upstreamBody := decode(rec)
	assert.Equal(t, KindUpstream, upstreamBody.Kind)
	assert.Equal(t, http.StatusNotFound, upstreamBody.UpstreamStatus)
	assert.NotContains(t, rec.Body.String(), testScope)

	rec = httptest.NewRecorder()
	exhausted.relay.ServeHTTP(rec, get("/taxa?id=0"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	limitBody := decode(rec)
	assert.Equal(t, KindRateLimitExceeded, limitBody.Kind)
	assert.Zero(t, limitBody.UpstreamStatus)
	assert.NotContains(t, rec.Body.String(), testScope)

	assert.NotEqual(t, upstreamBody.Kind, limitBody.Kind)
	assert.Empty(t, rec.Header().Get(CacheHeader))
}
