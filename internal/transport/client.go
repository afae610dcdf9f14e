package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zgpcy/azure-cost-pipeline/internal/auth"
	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

// Retry policy constants
const (
	// MaxRetries is the maximum number of attempts for one logical call
	MaxRetries = 5

	// InitialBackoff is the first wait between retries
	InitialBackoff = 2 * time.Second

	// MaxBackoff caps the wait between retries regardless of doubling
	MaxBackoff = 120 * time.Second

	// authRetryPause is the brief pause after a 401 before retrying with
	// a refreshed token. Does not participate in backoff doubling.
	authRetryPause = 1 * time.Second

	// maxResponseBytes bounds how much of a response body is buffered
	maxResponseBytes = 256 << 20 // 256 MiB
)

// Doer abstracts the underlying HTTP client for testing
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully buffered HTTP response. Bodies are read to
// completion inside the client so per-attempt deadlines can be released
// before the caller sees the result.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RetriesExhaustedError indicates all attempts were consumed by
// retryable status codes without a transport-level failure to report.
type RetriesExhaustedError struct {
	Attempts   int
	LastStatus int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts (last status %d)", e.Attempts, e.LastStatus)
}

// retryState enumerates the states of the per-call retry machine
type retryState int

const (
	stateAttempting retryState = iota
	stateBackingOff
	stateAuthRefreshing
	stateSucceeded
	stateExhausted
)

// Client executes HTTP calls against the billing API with a bounded
// retry policy: 401 triggers a token refresh, 429 honors Retry-After,
// 5xx and transport errors back off exponentially up to MaxBackoff.
type Client struct {
	doer   Doer
	auth   auth.TokenProvider
	clock  clock.Clock
	logger *logger.Logger
}

// NewClient creates a retrying client around the given token provider.
// The provider's TLS preference is applied to the underlying transport.
func NewClient(provider auth.TokenProvider, log *logger.Logger) *Client {
	httpTransport := http.DefaultTransport
	if provider.InsecureSkipVerify() {
		httpTransport = &http.Transport{
			// #nosec G402 -- Explicit operator opt-in for corporate proxy environments
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		// Per-attempt deadlines come from the context, not the client
		doer:   &http.Client{Transport: httpTransport},
		auth:   provider,
		clock:  clock.RealClock{},
		logger: log,
	}
}

// newBackoff returns the retry schedule: strict doubling from
// InitialBackoff, capped at MaxBackoff, no jitter.
func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = MaxBackoff
	bo.MaxElapsedTime = 0 // Attempt count is the only bound
	bo.Reset()
	return bo
}

// Do executes one logical HTTP operation with retries. The returned
// response may still carry a non-retryable error status; callers check
// StatusCode. Auth errors abort immediately - only 401 responses drive
// re-authentication.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, timeout time.Duration) (*Response, error) {
	var (
		state    = stateAttempting
		attempts = 0
		bo       = newBackoff()
		wait     time.Duration
		lastErr  error
		lastResp *Response
	)

	for {
		switch state {
		case stateAttempting:
			if attempts >= MaxRetries {
				state = stateExhausted
				continue
			}
			attempts++

			resp, err := c.attempt(ctx, method, url, body, timeout)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				var authErr *auth.Error
				if errors.As(err, &authErr) {
					return nil, err
				}
				lastErr = err
				wait = bo.NextBackOff()
				c.logger.Warn("Request failed - will retry",
					"error", err,
					"wait_seconds", wait.Seconds(),
					"attempt", attempts,
					"max_retries", MaxRetries)
				state = stateBackingOff
				continue
			}

			lastResp = resp
			switch {
			case resp.StatusCode == http.StatusUnauthorized:
				c.logger.Warn("401 Unauthorized - refreshing token",
					"attempt", attempts,
					"max_retries", MaxRetries)
				state = stateAuthRefreshing

			case resp.StatusCode == http.StatusTooManyRequests:
				wait = bo.NextBackOff()
				if ra := parseRetryAfter(resp.Header); ra > 0 {
					wait = ra
				}
				c.logger.Warn("429 Too Many Requests - backing off",
					"wait_seconds", wait.Seconds(),
					"attempt", attempts,
					"max_retries", MaxRetries)
				state = stateBackingOff

			case resp.StatusCode >= 500:
				wait = bo.NextBackOff()
				c.logger.Warn("Server error - backing off",
					"status", resp.StatusCode,
					"wait_seconds", wait.Seconds(),
					"attempt", attempts,
					"max_retries", MaxRetries)
				state = stateBackingOff

			default:
				// Success or non-retryable client error; the caller decides
				state = stateSucceeded
			}

		case stateBackingOff:
			if err := c.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			state = stateAttempting

		case stateAuthRefreshing:
			c.auth.Invalidate()
			if err := c.clock.Sleep(ctx, authRetryPause); err != nil {
				return nil, err
			}
			state = stateAttempting

		case stateSucceeded:
			return lastResp, nil

		case stateExhausted:
			if lastErr != nil {
				return nil, fmt.Errorf("request failed after %d attempts: %w", MaxRetries, lastErr)
			}
			lastStatus := 0
			if lastResp != nil {
				lastStatus = lastResp.StatusCode
			}
			return nil, &RetriesExhaustedError{Attempts: MaxRetries, LastStatus: lastStatus}
		}
	}
}

// attempt performs a single HTTP call with fresh auth headers and a
// per-attempt deadline, buffering the full response body.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte, timeout time.Duration) (*Response, error) {
	// Always re-acquire headers so a token refreshed mid-loop is used
	headers, err := c.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// parseRetryAfter reads a Retry-After header given in seconds
func parseRetryAfter(h http.Header) time.Duration {
	val := h.Get("Retry-After")
	if val == "" {
		return 0
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
