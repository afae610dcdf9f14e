package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/config"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

const (
	// TokenExpiryBuffer is subtracted from the token expiry when deciding
	// whether the cached token is still usable. Covers clock skew and
	// in-flight request latency.
	TokenExpiryBuffer = 5 * time.Minute

	// DefaultTokenLifetime is assumed when the token endpoint omits
	// expires_in.
	DefaultTokenLifetime = 3600 * time.Second

	// ManagementResource is the audience for Azure Management API tokens
	ManagementResource = "https://management.azure.com/"
)

// TokenProvider obtains and caches a bearer credential for the billing
// API. Concrete variants differ only in how the token exchange is
// performed; callers are agnostic to the variant.
type TokenProvider interface {
	// Token returns a valid access token, fetching a new one when the
	// cached token is missing or within TokenExpiryBuffer of expiry.
	Token(ctx context.Context) (string, error)

	// AuthHeaders returns the request headers for an authenticated API
	// call, including a fresh bearer token.
	AuthHeaders(ctx context.Context) (map[string]string, error)

	// Invalidate clears the cached token so the next Token call
	// re-fetches. Best-effort signal, never fails.
	Invalidate()

	// InsecureSkipVerify reports whether TLS verification is disabled
	// for API calls made with this provider's tokens.
	InsecureSkipVerify() bool
}

// Error indicates the provider could not obtain a token
type Error struct {
	Mode config.AuthMode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed (mode %s): %v", e.Mode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs the TokenProvider variant selected by the configuration
func New(cfg *config.Config, log *logger.Logger) (TokenProvider, error) {
	switch cfg.AuthMode {
	case config.AuthModeClientSecret:
		return NewClientSecretProvider(cfg, log), nil
	case config.AuthModeAzureCLI:
		return NewAzureCLIProvider(cfg, log)
	case config.AuthModeBrowser:
		return NewBrowserProvider(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// tokenCache holds the shared token state for all provider variants.
// Guarded by a mutex: serve mode refreshes the pipeline from a goroutine,
// so the cache can be read while a refresh is in flight.
type tokenCache struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
	clock  clock.Clock
}

// validLocked reports whether the cached token can still be used.
// Caller must hold mu.
func (c *tokenCache) validLocked() bool {
	if c.token == "" || c.expiry.IsZero() {
		return false
	}
	return c.clock.Now().Before(c.expiry.Add(-TokenExpiryBuffer))
}

func (c *tokenCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiry = time.Time{}
}

// bearerHeaders builds the standard authenticated request headers
func bearerHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}
