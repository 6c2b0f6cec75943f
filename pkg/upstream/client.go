// Package upstream provides the HTTP transport the relay uses to reach the
// rate-limited data provider.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for upstream exchanges.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_requests_total",
		Help: "Total upstream requests by status code",
	}, []string{"status"})

	upstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_upstream_duration_seconds",
		Help:    "Upstream request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Headers that must never reach the upstream, even if a caller passes them.
var blockedHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"X-Api-Key",
	"X-Admin-Token",
}

const maxMessageBytes = 256

// Config holds the transport configuration.
type Config struct {
	// UserAgent identifies the relay to the upstream (required).
	UserAgent string

	// Timeout bounds a single upstream exchange including the body read.
	Timeout time.Duration

	// MaxBodyBytes bounds the response body. Zero means unlimited.
	MaxBodyBytes int64

	// Accept is sent with every request.
	Accept string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:    userAgent,
		Timeout:      30 * time.Second,
		MaxBodyBytes: 10 << 20,
		Accept:       "application/json",
	}
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

// Client performs upstream requests.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates an upstream client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Fetch performs one upstream request and reads the whole body.
//
// Only relay-owned headers are sent: User-Agent, Accept and the given
// headers minus credentials. A non-2xx status is returned as *Error with
// class client or server; a transport failure as *Error with class network.
// Fetch never retries.
func (c *Client) Fetch(ctx context.Context, rawURL, method string, headers http.Header) (*Response, error) {
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for _, h := range blockedHeaders {
		req.Header.Del(h)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.Accept != "" {
		req.Header.Set("Accept", c.config.Accept)
	}

	start := time.Now()
	defer func() {
		upstreamDuration.Observe(time.Since(start).Seconds())
	}()

	c.logger.Debug().
		Str("method", method).
		Str("url", req.URL.Redacted()).
		Msg("Executing upstream request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Error().Err(err).Str("url", req.URL.Redacted()).Msg("Upstream request failed")
		return nil, &Error{Class: ClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := c.readBody(resp.Body)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		c.logger.Error().Err(err).Str("url", req.URL.Redacted()).Msg("Reading upstream body failed")
		return nil, &Error{StatusCode: resp.StatusCode, Class: ClassNetwork, Message: "read body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ue := statusError(resp.StatusCode, summarize(body))
		upstreamErrorsTotal.WithLabelValues(string(ue.Class)).Inc()
		c.logger.Warn().
			Str("url", req.URL.Redacted()).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(ue.Class)).
			Msg("Upstream returned error status")
		return nil, ue
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Int("size_bytes", len(body)).
		Dur("duration", time.Since(start)).
		Msg("Upstream request completed")

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	if c.config.MaxBodyBytes <= 0 {
		return io.ReadAll(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, c.config.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.config.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// summarize extracts a short diagnostic message from an error body.
func summarize(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageBytes {
		msg = strings.ToValidUTF8(msg[:maxMessageBytes], "") + "..."
	}
	return strings.Join(strings.Fields(msg), " ")
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// IsStatus reports whether err is an upstream error carrying the given status.
func IsStatus(err error, status int) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.StatusCode == status
}
