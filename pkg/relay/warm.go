package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WarmConfig holds warmer configuration.
type WarmConfig struct {
	// MaxConcurrency is the number of paths handled in parallel. The rate
	// limiter still spaces the upstream calls, so this mostly bounds how
	// many requests wait for a slot at once.
	MaxConcurrency int

	// Timeout per path.
	Timeout time.Duration
}

// DefaultWarmConfig returns a default warmer configuration.
func DefaultWarmConfig() WarmConfig {
	return WarmConfig{
		MaxConcurrency: 4,
		Timeout:        time.Minute,
	}
}

// WarmResult is the outcome for one path.
type WarmResult struct {
	Path   string
	Key    string
	Source Source
	Err    error
}

// Warmer pre-populates the cache by relaying a list of paths.
type Warmer struct {
	relay  *Relay
	config WarmConfig
	logger zerolog.Logger
}

// NewWarmer creates a warmer on top of a relay.
func NewWarmer(r *Relay, cfg WarmConfig, logger zerolog.Logger) *Warmer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Warmer{relay: r, config: cfg, logger: logger}
}

// Warm relays every path and returns one result per path, in input order.
// A failing path does not stop the others. The returned error is non-nil
// only if ctx ended before all paths were attempted.
func (w *Warmer) Warm(ctx context.Context, paths []string) ([]WarmResult, error) {
	start := time.Now()
	results := make([]WarmResult, len(paths))

	var (
		mu     sync.Mutex
		failed int
		hits   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.MaxConcurrency)

	for i, p := range paths {
		if err := gctx.Err(); err != nil {
			results[i] = WarmResult{Path: p, Err: err}
			continue
		}
		g.Go(func() error {
			res := w.warmOne(gctx, p)
			results[i] = res

			mu.Lock()
			if res.Err != nil {
				failed++
			} else if res.Source == SourceCache {
				hits++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	w.logger.Info().
		Int("paths", len(paths)).
		Int("failed", failed).
		Int("already_cached", hits).
		Dur("duration", time.Since(start)).
		Msg("Cache warm complete")

	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("warm interrupted: %w", err)
	}
	return results, nil
}

func (w *Warmer) warmOne(ctx context.Context, p string) WarmResult {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	res := WarmResult{Path: p}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p, nil)
	if err != nil {
		res.Err = newError(KindBadRequest, "invalid path", err)
		return res
	}

	resp, err := w.relay.Handle(ctx, req)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", p).Msg("Warm request failed")
		res.Err = err
		return res
	}
	res.Key = resp.Key
	res.Source = resp.Source
	return res
}
