package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/cache-relay/pkg/store"
)

// Prometheus metrics for slot acquisition.
var (
	rateLimitGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ratelimit_grants_total",
		Help: "Total number of upstream slots granted",
	})

	rateLimitContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ratelimit_contention_total",
		Help: "Unsuccessful acquisition attempts by reason",
	}, []string{"reason"}) // "interval", "conflict"

	rateLimitOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ratelimit_outcomes_total",
		Help: "Finished Execute calls by final phase",
	}, []string{"phase"}) // "granted", "exhausted", "timeout", "error"

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a slot before it was granted",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// Errors returned by Execute.
var (
	// ErrRateLimitExceeded is returned when all acquisition attempts failed.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrRateLimitTimeout is returned when the caller's context ended while waiting for a slot.
	ErrRateLimitTimeout = errors.New("timed out waiting for rate limit")
)

const (
	reasonInterval = "interval"
	reasonConflict = "conflict"
)

// Limiter gates access to a scarce upstream resource across concurrent and
// distributed callers.
type Limiter struct {
	store  store.AtomicStore
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter on top of a shared atomic store.
func NewLimiter(st store.AtomicStore, cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if st == nil {
		return nil, fmt.Errorf("atomic store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		store:  st,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// SetClock replaces the time source (for testing).
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Execute acquires a slot for scope and then runs action exactly once.
//
// Each attempt reads the shared state and, if the minimum interval has
// elapsed, tries to advance it with compare-and-set. Losing the race or
// finding the interval still running counts as an unsuccessful attempt and is
// followed by a linear backoff wait. The error of action is returned as-is;
// only acquisition is retried.
func (l *Limiter) Execute(ctx context.Context, scope string, action func(context.Context) error) error {
	start := l.now()
	p := phaseIdle

	for attempt := 0; attempt < l.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return l.timedOut(scope, attempt, p, err)
		}

		grantedAt, reason, err := l.tryAcquire(ctx, scope)
		if err != nil {
			rateLimitOutcomesTotal.WithLabelValues("error").Inc()
			l.logger.Error().Err(err).
				Str("scope", scope).
				Int("attempt", attempt).
				Msg("Rate limit state unavailable")
			return fmt.Errorf("acquire slot: %w", err)
		}

		if reason == "" {
			p = phaseGranted
			waited := grantedAt.Sub(start)
			rateLimitGrantsTotal.Inc()
			rateLimitOutcomesTotal.WithLabelValues(p.String()).Inc()
			rateLimitWaitSeconds.Observe(waited.Seconds())

			l.logger.Debug().
				Str("scope", scope).
				Int("attempt", attempt).
				Dur("wait", waited).
				Str("phase", p.String()).
				Msg("Slot granted")

			return action(withGrant(ctx, grantedAt))
		}

		rateLimitContentionTotal.WithLabelValues(reason).Inc()

		if attempt == l.config.MaxRetries-1 {
			break
		}

		p = phaseWaiting
		delay := l.config.Backoff(attempt)
		l.logger.Debug().
			Str("scope", scope).
			Int("attempt", attempt).
			Str("reason", reason).
			Dur("backoff", delay).
			Str("phase", p.String()).
			Msg("Slot not available, backing off")

		if err := sleep(ctx, delay); err != nil {
			return l.timedOut(scope, attempt, p, err)
		}
	}

	p = phaseExhausted
	rateLimitOutcomesTotal.WithLabelValues(p.String()).Inc()
	l.logger.Warn().
		Str("scope", scope).
		Int("max_retries", l.config.MaxRetries).
		Dur("duration", l.now().Sub(start)).
		Str("phase", p.String()).
		Msg("Rate limit acquisition exhausted")

	return fmt.Errorf("%w after %d attempts", ErrRateLimitExceeded, l.config.MaxRetries)
}

// tryAcquire performs one acquisition attempt. An empty reason means the
// slot was granted at the returned time.
func (l *Limiter) tryAcquire(ctx context.Context, scope string) (time.Time, string, error) {
	rec, err := l.store.Get(ctx, scope)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("read state: %w", err)
	}

	state := stateFromRecord(scope, rec)
	now := l.now()
	if !state.Allows(now, l.config.MinInterval()) {
		return time.Time{}, reasonInterval, nil
	}

	nowMs := now.UnixMilli()
	ok, err := l.store.CompareAndSet(ctx, scope, nowMs, state.version)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("claim slot: %w", err)
	}
	if !ok {
		return time.Time{}, reasonConflict, nil
	}
	return time.UnixMilli(nowMs), "", nil
}

func (l *Limiter) timedOut(scope string, attempt int, p phase, cause error) error {
	rateLimitOutcomesTotal.WithLabelValues("timeout").Inc()
	l.logger.Warn().
		Str("scope", scope).
		Int("attempt", attempt).
		Str("phase", p.String()).
		Msg("Context ended while waiting for rate limit")
	return fmt.Errorf("%w: %v", ErrRateLimitTimeout, cause)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats is a read-only snapshot of a scope.
type Stats struct {
	LastGrantedAt  time.Time
	Recorded       bool
	SinceLastGrant time.Duration
	EstimatedWait  time.Duration
}

// Stats reports the state of scope without modifying it.
func (l *Limiter) Stats(ctx context.Context, scope string) (Stats, error) {
	rec, err := l.store.Get(ctx, scope)
	if err != nil {
		return Stats{}, fmt.Errorf("read state: %w", err)
	}

	state := stateFromRecord(scope, rec)
	now := l.now()
	stats := Stats{
		LastGrantedAt: state.LastGrantedAt,
		Recorded:      state.Recorded,
		EstimatedWait: state.EstimatedWait(now, l.config.MinInterval()),
	}
	if state.Recorded {
		stats.SinceLastGrant = state.Elapsed(now)
	}
	return stats, nil
}

type grantKey struct{}

func withGrant(ctx context.Context, at time.Time) context.Context {
	return context.WithValue(ctx, grantKey{}, at)
}

// GrantedAt returns the slot time recorded for the action running under ctx.
func GrantedAt(ctx context.Context) (time.Time, bool) {
	at, ok := ctx.Value(grantKey{}).(time.Time)
	return at, ok
}
