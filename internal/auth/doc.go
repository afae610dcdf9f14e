// Package auth manages bearer credentials for the Azure Management API.
//
// Three authentication modes share one TokenProvider contract:
//   - client_secret: OAuth 2.0 client-credentials exchange against the
//     tenant token endpoint (service principals)
//   - azure_cli: tokens from a logged-in Azure CLI session
//   - browser: delegated interactive browser login
//
// All variants cache the token and treat it as valid only while the
// current time is more than TokenExpiryBuffer before expiry. Invalidate
// clears the cache; it is the signal the HTTP client sends after a 401.
// Token fetch failures are not retried here - the retrying HTTP client
// owns that policy.
package auth
