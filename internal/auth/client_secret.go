package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/config"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

// tokenURLTemplate is the tenant-scoped Azure AD token endpoint
const tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/token"

// tokenFetchTimeout bounds a single token exchange request
const tokenFetchTimeout = 30 * time.Second

// ClientSecretProvider authenticates with Azure AD using the OAuth 2.0
// client credentials flow (service-principal secret exchange).
type ClientSecretProvider struct {
	creds      config.Credentials
	insecure   bool
	httpClient *http.Client
	logger     *logger.Logger
	tokenURL   string // Overridable for tests
	cache      tokenCache
}

var _ TokenProvider = (*ClientSecretProvider)(nil)

// NewClientSecretProvider creates a provider performing the
// client-credentials exchange at the tenant token endpoint.
func NewClientSecretProvider(cfg *config.Config, log *logger.Logger) *ClientSecretProvider {
	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify() {
		log.Warn("SSL verification is DISABLED - use only for testing behind corporate proxies")
		transport = &http.Transport{
			// #nosec G402 -- Explicit operator opt-in for corporate proxy environments
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &ClientSecretProvider{
		creds:    cfg.Credentials,
		insecure: cfg.InsecureSkipVerify(),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   tokenFetchTimeout,
		},
		logger:   log,
		tokenURL: fmt.Sprintf(tokenURLTemplate, cfg.Credentials.TenantID),
		cache:    tokenCache{clock: clock.RealClock{}},
	}
}

// Token returns a valid access token, re-fetching when the cached token
// is within TokenExpiryBuffer of expiry.
func (p *ClientSecretProvider) Token(ctx context.Context) (string, error) {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()

	if p.cache.validLocked() {
		return p.cache.token, nil
	}

	token, expiresIn, err := p.fetchToken(ctx)
	if err != nil {
		return "", &Error{Mode: config.AuthModeClientSecret, Err: err}
	}

	p.cache.token = token
	p.cache.expiry = p.cache.clock.Now().Add(expiresIn)

	p.logger.Info("Acquired Azure access token",
		"expires_in_seconds", int(expiresIn.Seconds()))

	return token, nil
}

// AuthHeaders returns headers with a fresh bearer token
func (p *ClientSecretProvider) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	return bearerHeaders(token), nil
}

// Invalidate forces a token re-fetch on the next request
func (p *ClientSecretProvider) Invalidate() {
	p.cache.invalidate()
	p.logger.Info("Token invalidated - will refresh on next request")
}

// InsecureSkipVerify reports whether TLS verification is disabled
func (p *ClientSecretProvider) InsecureSkipVerify() bool {
	return p.insecure
}

// tokenResponse models the token endpoint reply. The legacy v1 endpoint
// returns expires_in as a JSON string, so it is decoded as a Number.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// fetchToken performs the client-credentials exchange. Network failures
// and malformed responses surface directly; retrying is the HTTP
// client's responsibility since 401s are what trigger re-authentication.
func (p *ClientSecretProvider) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.creds.ClientID},
		"client_secret": {p.creds.ClientSecret},
		"resource":      {ManagementResource},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p.logger.Info("Requesting new Azure access token")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("malformed token response: %w", err)
	}

	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("no access_token in authentication response")
	}

	expiresIn := DefaultTokenLifetime
	if tr.ExpiresIn != "" {
		if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
			expiresIn = time.Duration(secs) * time.Second
		}
	}

	return tr.AccessToken, expiresIn, nil
}
