// Package esplora implements the chain.Indexer interface over the Esplora
// REST API served by Blockstream's electrs fork and mempool.space.
package esplora

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/idxwallet/chain"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

const (
	// DefaultRequestTimeout is the timeout of a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultRequestsPerSecond is the default request rate limit.
	DefaultRequestsPerSecond = 10

	// DefaultBreakerFailures is the number of consecutive transient
	// failures after which the circuit opens.
	DefaultBreakerFailures = 5

	// DefaultBreakerTimeout is the time the circuit stays open before a
	// probe request is let through.
	DefaultBreakerTimeout = 30 * time.Second

	// maxResponseSize bounds the size of a response body.
	maxResponseSize = 32 << 20
)

// ErrInvalidConfig is returned when the client config is unusable.
var ErrInvalidConfig = errors.New("invalid esplora config")

// Config holds the configuration for the Esplora client.
type Config struct {
	// URL is the base URL of the Esplora API, for example
	// https://blockstream.info/api.
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// RequestsPerSecond limits the request rate. Zero disables the
	// limit.
	RequestsPerSecond int

	// BreakerFailures is the number of consecutive transient failures
	// that open the circuit.
	BreakerFailures uint32

	// BreakerTimeout is the time the circuit stays open.
	BreakerTimeout time.Duration
}

// DefaultConfig returns a config for url with the default limits.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		RequestTimeout:    DefaultRequestTimeout,
		RequestsPerSecond: DefaultRequestsPerSecond,
		BreakerFailures:   DefaultBreakerFailures,
		BreakerTimeout:    DefaultBreakerTimeout,
	}
}

// validate checks the config.
func (c *Config) validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: missing url", ErrInvalidConfig)

	case !strings.HasPrefix(c.URL, "http://") &&
		!strings.HasPrefix(c.URL, "https://"):

		return fmt.Errorf("%w: url %q must be http or https",
			ErrInvalidConfig, c.URL)

	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive",
			ErrInvalidConfig)

	case c.RequestsPerSecond < 0:
		return fmt.Errorf("%w: negative request rate",
			ErrInvalidConfig)

	case c.BreakerFailures == 0:
		return fmt.Errorf("%w: breaker failures must be positive",
			ErrInvalidConfig)
	}

	return nil
}

// Client is an HTTP client for the Esplora REST API. Requests are rate
// limited and pass through a circuit breaker, so a failing server is not
// hammered by the sync loop's retries.
type Client struct {
	cfg Config

	httpClient *http.Client

	limiter ratelimit.Limiter

	breaker *gobreaker.CircuitBreaker
}

// A compile-time check to ensure that Client satisfies the chain.Indexer
// interface.
var _ chain.Indexer = (*Client)(nil)

// New creates a new Esplora client with the given configuration.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: limiter,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "esplora",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				log.Warnf("Circuit %s opened after repeated "+
					"failures, pausing requests for %v",
					name, cfg.BreakerTimeout)

			default:
				log.Infof("Circuit %s changed from %v to %v",
					name, from, to)
			}
		},
	})

	return c, nil
}

// permanentResult carries a non-transient error through the circuit breaker
// without counting it as a failure. A 404 is an answer, not an outage.
type permanentResult struct {
	err error
}

// doRequest performs an HTTP request through the rate limiter and circuit
// breaker and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	res, err := c.breaker.Execute(func() (interface{}, error) {
		c.limiter.Take()

		respBody, err := c.roundTrip(ctx, method, path, body)
		switch {
		case err == nil:
			return respBody, nil

		case chain.IsTransient(err):
			return nil, err

		default:
			return permanentResult{err: err}, nil
		}
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):

		return nil, fmt.Errorf("%w: %s %s: %v",
			chain.ErrIndexerUnavailable, method, path, err)

	case err != nil:
		return nil, err
	}

	if p, ok := res.(permanentResult); ok {
		return nil, p.err
	}

	return res.([]byte), nil
}

// roundTrip performs a single request and maps transport failures and HTTP
// status codes onto the chain error kinds.
func (c *Client) roundTrip(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.cfg.URL+path, reader,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportError(method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, mapTransportError(method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, path, chain.ErrNotFound)

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:

		return nil, fmt.Errorf("%w: %s %s returned status %d: %s",
			chain.ErrIndexerUnavailable, method, path,
			resp.StatusCode, truncate(respBody))

	default:
		return nil, fmt.Errorf("%s %s returned status %d: %s", method,
			path, resp.StatusCode, truncate(respBody))
	}
}

// mapTransportError classifies a failed round trip.
func mapTransportError(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {

		return fmt.Errorf("%w: %s %s: %v", chain.ErrIndexerTimeout,
			method, path, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return fmt.Errorf("%w: %s %s: %v", chain.ErrIndexerUnavailable,
		method, path, err)
}

// truncate shortens an error body for logging.
func truncate(body []byte) string {
	const maxLen = 256

	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}

	return s
}
