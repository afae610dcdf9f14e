// Package server provides the HTTP server for serve mode.
//
// Endpoints:
//   - / serves a small status landing page
//   - /health is the liveness probe (always 200)
//   - /ready is the readiness probe (200 once the first pipeline run
//     completed successfully)
//   - /metrics serves Prometheus metrics
//
// The server shuts down gracefully, allowing in-flight requests to
// complete within the shutdown context's deadline.
package server
