// Package server exposes the relay over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/cache-relay/pkg/metrics"
	"github.com/Sternrassler/cache-relay/pkg/relay"
)

// Route names, used as metric labels.
const (
	routeHealth         = "health"
	routeReady          = "ready"
	routeMetrics        = "metrics"
	routeAdminCache     = "admin_cache"
	routeAdminClear     = "admin_cache_clear"
	routeAdminRateLimit = "admin_ratelimit"
	routeRelay          = "relay"
)

// Config holds HTTP server settings.
type Config struct {
	Addr       string
	PathPrefix string

	// AdminToken enables the /admin routes. Empty disables them.
	AdminToken string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Server routes HTTP requests to the relay and the operational endpoints.
type Server struct {
	config   Config
	relay    *relay.Relay
	throttle *Throttle
	checks   map[string]Checker
	logger   zerolog.Logger
}

// New creates a server. throttle may be nil.
func New(cfg Config, rl *relay.Relay, throttle *Throttle, logger zerolog.Logger) (*Server, error) {
	if rl == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	return &Server{
		config:   cfg,
		relay:    rl,
		throttle: throttle,
		checks:   map[string]Checker{"cache": rl.Ping},
		logger:   logger,
	}, nil
}

// AddCheck registers a readiness check.
func (s *Server) AddCheck(name string, check Checker) {
	s.checks[name] = check
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name(routeHealth)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet).Name(routeReady)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet).Name(routeMetrics)

	if s.config.AdminToken != "" {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.Use(s.adminAuth)
		admin.HandleFunc("/cache", s.handleCacheStats).Methods(http.MethodGet).Name(routeAdminCache)
		admin.HandleFunc("/cache", s.handleCacheClear).Methods(http.MethodDelete).Name(routeAdminClear)
		admin.HandleFunc("/ratelimit", s.handleRateLimitStats).Methods(http.MethodGet).Name(routeAdminRateLimit)
	}

	var relayHandler http.Handler = s.relay
	if s.throttle != nil {
		relayHandler = s.throttle.Middleware(relayHandler)
	}
	prefix := s.config.PathPrefix
	if prefix == "" {
		prefix = "/"
	}
	r.PathPrefix(prefix).Handler(relayHandler).Methods(http.MethodGet, http.MethodHead).Name(routeRelay)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("Readiness check failed")
			failed[name] = "unavailable"
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.relay.CacheStats(r.Context())
	if err != nil {
		relay.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.CacheClear(r.Context()); err != nil {
		relay.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.relay.RateLimitStats(r.Context())
	if err != nil {
		relay.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       90 * time.Second,
	}

	if s.throttle != nil {
		s.throttle.StartJanitor(ctx, time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("path_prefix", s.config.PathPrefix).
		Bool("admin", s.config.AdminToken != "").
		Bool("throttle", s.throttle != nil).
		Msg("Relay server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down relay server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
