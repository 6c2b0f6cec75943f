package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/cache-relay/internal/server"
	"github.com/Sternrassler/cache-relay/pkg/cache"
	"github.com/Sternrassler/cache-relay/pkg/logging"
	"github.com/Sternrassler/cache-relay/pkg/relay"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startMaintenance(ctx)

			var throttle *server.Throttle
			if cfg.Throttle.Enabled {
				throttle = server.NewThrottle(cfg.Throttle.RequestsPerSecond, cfg.Throttle.Burst, cfg.Throttle.IdleTTL)
			}

			srv, err := server.New(server.Config{
				Addr:            cfg.Server.Addr,
				PathPrefix:      cfg.Server.PathPrefix,
				AdminToken:      cfg.Server.AdminToken,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, a.relay, throttle, logging.NewLogger("server"))
			if err != nil {
				return err
			}
			srv.AddCheck("ratelimit", a.state.Ping)

			a.logger.Info().
				Str("upstream", cfg.Upstream.BaseURL).
				Float64("requests_per_second", cfg.RateLimit.RequestsPerSecond).
				Str("ratelimit_backend", cfg.RateLimit.Backend).
				Str("cache_backend", cfg.Cache.Backend).
				Dur("cache_ttl", cfg.Cache.TTL).
				Msg("Relay configured")

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func warmCmd() *cobra.Command {
	var (
		file        string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "warm [path...]",
		Short: "Pre-populate the cache for a list of upstream paths",
		Long:  "Relay each path (e.g. /taxa?id=5) once so later requests are served from the cache. Paths are read from the arguments and from --file, one per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			paths := append([]string(nil), args...)
			if file != "" {
				more, err := readPaths(file)
				if err != nil {
					return err
				}
				paths = append(paths, more...)
			}
			if len(paths) == 0 {
				return fmt.Errorf("no paths given")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			prefixed := make([]string, len(paths))
			for i, p := range paths {
				prefixed[i] = cfg.Server.PathPrefix + "/" + strings.TrimPrefix(p, "/")
			}

			warmCfg := relay.DefaultWarmConfig()
			warmCfg.MaxConcurrency = concurrency
			results, err := relay.NewWarmer(a.relay, warmCfg, logging.NewLogger("warm")).Warm(ctx, prefixed)

			failed := printWarmResults(cmd.OutOrStdout(), results)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d paths failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "File with one path per line")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Paths relayed in parallel")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache and rate limit statistics as JSON",
		Long:  "Print cache and rate limit statistics. Only meaningful with the redis backend, since memory backends start empty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			cacheStats, err := a.relay.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			limitStats, err := a.relay.RateLimitStats(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Cache     cache.Stats          `json:"cache"`
				RateLimit relay.RateLimitStats `json:"rate_limit"`
			}{cacheStats, limitStats})
		},
	}
}

func clearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove every cached entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.relay.CacheClear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
}

func readPaths(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open paths file: %w", err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read paths file: %w", err)
	}
	return paths, nil
}

func printWarmResults(w io.Writer, results []relay.WarmResult) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	failed := 0
	fmt.Fprintln(tw, "PATH\tKEY\tRESULT")
	for _, res := range results {
		outcome := string(res.Source)
		if res.Err != nil {
			failed++
			outcome = "FAILED: " + errorSummary(res.Err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Path, res.Key, outcome)
	}
	return failed
}

func errorSummary(err error) string {
	if kind := relay.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return err.Error()
}
