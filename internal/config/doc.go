// Package config handles loading and validating pipeline configuration.
//
// Configuration is layered: an optional YAML file provides the base, a
// .env file in the working directory is loaded into the environment if
// present, and environment variables override everything. Placeholder
// values copied from .env.example (anything starting with "your-") are
// treated as unset so a half-filled template fails validation instead of
// reaching the network.
//
// Required settings:
//   - scopes / AZURE_SCOPES: one or more Azure scope IDs to extract
//   - output_path / OUTPUT_PATH: CSV directory or SQLite database path
//   - service-principal credentials when auth_mode is client_secret
//
// Validation failures are fatal before any network activity; the caller
// is expected to exit non-zero.
package config
