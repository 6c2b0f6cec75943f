package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var httpThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_http_throttled_total",
	Help: "Inbound requests rejected by the per-client throttle",
})

// Throttle limits inbound requests per client with a token bucket each.
// It protects the relay itself; the upstream spacing is enforced by the
// global rate limiter.
type Throttle struct {
	mu       sync.Mutex
	clients  map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	trustXFF bool
	now      func() time.Time
}

type throttleEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a throttle allowing rps requests per second with the
// given burst per client. Clients idle for longer than idleTTL are forgotten
// by Cleanup.
func NewThrottle(rps float64, burst int, idleTTL time.Duration) *Throttle {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	return &Throttle{
		clients: make(map[string]*throttleEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// TrustForwardedFor makes the throttle key on the first X-Forwarded-For
// address. Enable only behind a proxy that sets the header.
func (t *Throttle) TrustForwardedFor(trust bool) {
	t.trustXFF = trust
}

// Allow reports whether client may make a request now.
func (t *Throttle) Allow(client string) bool {
	now := t.now()

	t.mu.Lock()
	ent, ok := t.clients[client]
	if !ok {
		ent = &throttleEntry{lim: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = ent
	}
	ent.lastSeen = now
	t.mu.Unlock()

	return ent.lim.AllowN(now, 1)
}

// Cleanup forgets clients that have been idle longer than the idle TTL and
// returns how many were removed.
func (t *Throttle) Cleanup() int {
	cutoff := t.now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, ent := range t.clients {
		if ent.lastSeen.Before(cutoff) {
			delete(t.clients, k)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (t *Throttle) Clients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (t *Throttle) StartJanitor(ctx context.Context, interval time.Duration) {
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
				t.Cleanup()
			}
		}
	}()
}

// Middleware rejects requests of clients over their budget with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(t.clientKey(r)) {
			httpThrottledTotal.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too_many_requests", "request rate too high")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) clientKey(r *http.Request) string {
	if t.trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
