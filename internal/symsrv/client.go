// Package symsrv downloads debug-symbol files from a Microsoft-style symbol
// server.
package symsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/espenfjo/symbolfetcher/internal/pe"
)

const (
	// DefaultBaseURL is Microsoft's public symbol server.
	DefaultBaseURL = "https://msdl.microsoft.com/download/symbols"

	// DefaultMaxAttempts bounds the retry loop per identifier.
	DefaultMaxAttempts = 5

	// DefaultInitialBackoff is the delay before the second attempt; it
	// doubles after every failed attempt.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultTimeout bounds a single download attempt.
	DefaultTimeout = 60 * time.Second
)

// ErrNotFound means the server does not have a symbol for the identifier.
// It is terminal: retrying a 404 will not make the file appear.
var ErrNotFound = errors.New("symbol not found on server")

// StatusError is returned for HTTP responses outside the 2xx range other
// than 404.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Temporary reports whether the status is worth retrying. Server-side
// failures may clear up; client-side statuses will not.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500
}

// ExhaustedError is returned when every attempt failed at the transport
// level or with a retryable status.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("download failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config holds client settings. Zero values fall back to the defaults above.
type Config struct {
	BaseURL        string
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
}

// Client fetches symbol files with bounded exponential-backoff retry. It
// holds no per-download state; every Fetch is an independent request
// sequence.
type Client struct {
	baseURL        string
	maxAttempts    int
	initialBackoff time.Duration
	httpClient     *http.Client
	log            *zap.Logger

	// sleep waits out the backoff delay; replaced in tests so the retry
	// schedule can be verified without real time passing.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a symbol server client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		log:            logger,
		sleep:          sleepContext,
	}
}

// URL returns the deterministic download URL for an identifier:
// {base}/{name}/{guid}{age}/{name}.
func (c *Client) URL(id pe.Identifier) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.baseURL, id.Name, id.PathSegment(), id.Name)
}

// Fetch downloads the symbol file for the identifier. Transport errors and
// retryable statuses are retried up to MaxAttempts times with doubling
// delays between attempts; the wait honors context cancellation. A 404 is
// returned immediately as ErrNotFound. After the final failed attempt an
// ExhaustedError wrapping the last error is returned.
func (c *Client) Fetch(ctx context.Context, id pe.Identifier) ([]byte, error) {
	url := c.URL(id)
	c.log.Info("generated download url", zap.String("url", url))

	delay := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.log.Info("backing off before retry",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		data, err := c.get(ctx, url)
		if err == nil {
			c.log.Info("symbol fetched",
				zap.String("name", id.Name),
				zap.Int("bytes", len(data)))
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		c.log.Warn("download attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		lastErr = err
	}

	c.log.Error("download attempts exhausted",
		zap.String("url", url),
		zap.Int("attempts", c.maxAttempts),
		zap.Error(lastErr))
	return nil, &ExhaustedError{Attempts: c.maxAttempts, Err: lastErr}
}

// get performs a single blocking download attempt.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

// retryable reports whether another attempt may succeed. 404 and other
// client-side statuses are terminal; transport errors, timeouts and
// server-side statuses are not.
func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
