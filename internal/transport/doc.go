// Package transport provides the retrying HTTP client used for all
// billing API calls.
//
// Each logical call runs through a small state machine bounded by
// MaxRetries attempts:
//   - 401 invalidates the cached token, pauses briefly, and retries with
//     refreshed headers (no backoff doubling)
//   - 429 waits for Retry-After when present, otherwise the current
//     backoff, then doubles the backoff
//   - 5xx and transport errors wait the current backoff, then double it
//   - anything else is returned to the caller as-is
//
// The backoff doubles from InitialBackoff and never exceeds MaxBackoff.
// Auth headers are re-acquired on every attempt so a token refreshed
// mid-loop is always used. The clock and the underlying HTTP client are
// injectable, making the policy testable without real waits or network.
package transport
