package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Config holds the limiter configuration.
type Config struct {
	// RequestsPerSecond is the global ceiling for one scope, shared by all instances.
	RequestsPerSecond float64

	// MaxRetries is the hard cap on acquisition attempts per Execute call.
	MaxRetries int

	// RetryDelay is the fixed part of the wait between attempts.
	RetryDelay time.Duration

	// BackoffStep is added to the wait once per previous unsuccessful attempt.
	BackoffStep time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 1,
		MaxRetries:        30,
		RetryDelay:        100 * time.Millisecond,
		BackoffStep:       50 * time.Millisecond,
	}
}

// Validate checks the configuration for values the limiter cannot work with.
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be > 0 (got %v)", c.RequestsPerSecond)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1 (got %d)", c.MaxRetries)
	}
	if c.RetryDelay < 0 || c.BackoffStep < 0 {
		return fmt.Errorf("retry_delay and backoff_step must not be negative")
	}
	return nil
}

// MinInterval is the minimum spacing between two grants of one scope,
// 1000/RequestsPerSecond milliseconds rounded up to a whole millisecond.
func (c Config) MinInterval() time.Duration {
	ms := math.Ceil(1000 / c.RequestsPerSecond)
	return time.Duration(ms) * time.Millisecond
}

// Backoff returns the wait after the n-th unsuccessful attempt (n starts at 0).
// Growth is linear: RetryDelay + n*BackoffStep.
func (c Config) Backoff(n int) time.Duration {
	return c.RetryDelay + time.Duration(n)*c.BackoffStep
}

// MaxTotalWait is the longest time Execute can spend waiting before it gives
// up. No wait follows the final attempt.
func (c Config) MaxTotalWait() time.Duration {
	var total time.Duration
	for n := 0; n < c.MaxRetries-1; n++ {
		total += c.Backoff(n)
	}
	return total
}
