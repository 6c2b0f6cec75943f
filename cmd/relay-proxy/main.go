// Command relay-proxy runs the caching, globally rate-limited relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Sternrassler/cache-relay/pkg/config"
	"github.com/Sternrassler/cache-relay/pkg/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relay-proxy",
		Short:         "Caching relay for rate-limited upstream APIs",
		Long:          "Serve a rate-limited upstream API through a shared cache and a global request spacing limit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to YAML config file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("redis-addr", "", "Redis address; selects the redis backend for cache and rate limit")
	flags.String("upstream-url", "", "Upstream base URL")

	cmd.AddCommand(serveCmd(), warmCmd(), statsCmd(), clearCacheCmd())
	return cmd
}

// loadConfig resolves defaults, file, environment and flags, in increasing
// precedence, and sets up logging.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")

	cfg, err := config.Load(path, flagOverride(flags))
	if err != nil {
		return nil, err
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	return cfg, nil
}

func flagOverride(flags *pflag.FlagSet) config.Override {
	return func(cfg *config.Config) {
		applyFlags(cfg, flags)
	}
}

func applyFlags(cfg *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("upstream-url") {
		cfg.Upstream.BaseURL, _ = flags.GetString("upstream-url")
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr, _ = flags.GetString("redis-addr")
		cfg.Cache.Backend = config.BackendRedis
		cfg.RateLimit.Backend = config.BackendRedis
	}
}
