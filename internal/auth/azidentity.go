package auth

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/config"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

// managementScope is the OAuth scope form of the management resource
const managementScope = ManagementResource + ".default"

// CredentialProvider adapts an azcore.TokenCredential (Azure CLI session
// or interactive browser login) to the TokenProvider contract. The
// credential's own caching is not relied upon; this provider applies the
// same expiry buffer and invalidation semantics as the secret variant so
// callers see one behavior regardless of mode.
type CredentialProvider struct {
	mode   config.AuthMode
	cred   azcore.TokenCredential
	logger *logger.Logger
	cache  tokenCache
}

var _ TokenProvider = (*CredentialProvider)(nil)

// NewAzureCLIProvider creates a provider backed by the token cache of a
// logged-in Azure CLI session.
func NewAzureCLIProvider(cfg *config.Config, log *logger.Logger) (*CredentialProvider, error) {
	cred, err := azidentity.NewAzureCLICredential(nil)
	if err != nil {
		return nil, &Error{Mode: config.AuthModeAzureCLI, Err: fmt.Errorf("failed to create CLI credential: %w", err)}
	}
	return newCredentialProvider(config.AuthModeAzureCLI, cred, log), nil
}

// NewBrowserProvider creates a provider performing a delegated
// interactive browser login on first token fetch.
func NewBrowserProvider(cfg *config.Config, log *logger.Logger) (*CredentialProvider, error) {
	opts := &azidentity.InteractiveBrowserCredentialOptions{
		TenantID: cfg.Credentials.TenantID,
	}
	cred, err := azidentity.NewInteractiveBrowserCredential(opts)
	if err != nil {
		return nil, &Error{Mode: config.AuthModeBrowser, Err: fmt.Errorf("failed to create browser credential: %w", err)}
	}
	return newCredentialProvider(config.AuthModeBrowser, cred, log), nil
}

func newCredentialProvider(mode config.AuthMode, cred azcore.TokenCredential, log *logger.Logger) *CredentialProvider {
	return &CredentialProvider{
		mode:   mode,
		cred:   cred,
		logger: log,
		cache:  tokenCache{clock: clock.RealClock{}},
	}
}

// Token returns a valid access token, re-fetching from the underlying
// credential when the cached token is near expiry.
func (p *CredentialProvider) Token(ctx context.Context) (string, error) {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()

	if p.cache.validLocked() {
		return p.cache.token, nil
	}

	tok, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{managementScope},
	})
	if err != nil {
		return "", &Error{Mode: p.mode, Err: err}
	}

	p.cache.token = tok.Token
	p.cache.expiry = tok.ExpiresOn

	p.logger.Info("Acquired Azure access token",
		"auth_mode", string(p.mode),
		"expires_on", tok.ExpiresOn.Format("2006-01-02 15:04:05 MST"))

	return tok.Token, nil
}

// AuthHeaders returns headers with a fresh bearer token
func (p *CredentialProvider) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	return bearerHeaders(token), nil
}

// Invalidate forces a token re-fetch on the next request
func (p *CredentialProvider) Invalidate() {
	p.cache.invalidate()
	p.logger.Info("Token invalidated - will refresh on next request", "auth_mode", string(p.mode))
}

// InsecureSkipVerify always reports false for credential-backed modes
func (p *CredentialProvider) InsecureSkipVerify() bool {
	return false
}
