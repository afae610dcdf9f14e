package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AuthMode selects how the pipeline obtains Azure AD tokens
type AuthMode string

// Supported authentication modes
const (
	// AuthModeClientSecret exchanges service-principal credentials at the
	// tenant token endpoint.
	AuthModeClientSecret AuthMode = "client_secret"

	// AuthModeAzureCLI reuses the token cache of a logged-in Azure CLI
	// session.
	AuthModeAzureCLI AuthMode = "azure_cli"

	// AuthModeBrowser performs a delegated interactive browser login.
	AuthModeBrowser AuthMode = "browser"
)

// StorageMode selects the sink implementation
type StorageMode string

// Supported storage modes
const (
	StorageCSV    StorageMode = "csv"
	StorageSQLite StorageMode = "sqlite"
)

// AcquisitionMode selects how cost data is acquired from the API
type AcquisitionMode string

// Supported acquisition modes
const (
	// AcquisitionQuery uses the Cost Management Query API with nextLink
	// pagination. Works for all subscription types including PAYG.
	AcquisitionQuery AcquisitionMode = "query"

	// AcquisitionReport submits a cost details report generation job,
	// polls it, and downloads the produced CSV. EA/MCA only.
	AcquisitionReport AcquisitionMode = "report"
)

// Configuration validation constants
const (
	MinRefreshInterval = 60    // Minimum refresh interval in seconds
	MinPort            = 1     // Minimum valid port number
	MaxPort            = 65535 // Maximum valid port number
	MaxRequestTimeout  = 600   // Upper bound for per-request timeouts in seconds

	// Default values
	DefaultLogLevel        = "info"
	DefaultRequestTimeout  = 60  // Query/status requests, seconds
	DefaultDownloadTimeout = 300 // Pagination/download requests, seconds
	DefaultPollInterval    = 30  // Report generation poll interval, seconds
	DefaultMaxPollAttempts = 60
	DefaultRefreshInterval = 3600 // Serve mode refresh, seconds
	DefaultHTTPPort        = 8080
)

// Credentials holds service-principal credentials for client_secret mode
type Credentials struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config represents the application configuration
type Config struct {
	Scopes          []string        `yaml:"scopes"`
	Credentials     Credentials     `yaml:"credentials"`
	AuthMode        AuthMode        `yaml:"auth_mode"`
	Storage         StorageMode     `yaml:"storage"`
	Acquisition     AcquisitionMode `yaml:"acquisition"`
	OutputPath      string          `yaml:"output_path"`
	RequestTimeout  int             `yaml:"request_timeout"`  // seconds
	DownloadTimeout int             `yaml:"download_timeout"` // seconds
	PollInterval    int             `yaml:"poll_interval"`    // seconds
	MaxPollAttempts int             `yaml:"max_poll_attempts"`
	VerifySSL       *bool           `yaml:"verify_ssl"` // Pointer to distinguish false from unset
	LogLevel        string          `yaml:"log_level"`
	RefreshInterval int             `yaml:"refresh_interval"` // Serve mode, seconds
	HTTPPort        int             `yaml:"http_port"`        // Serve mode
}

// InsecureSkipVerify reports whether TLS verification is disabled
func (c *Config) InsecureSkipVerify() bool {
	return c.VerifySSL != nil && !*c.VerifySSL
}

// Load loads configuration from an optional YAML file, a .env file if
// present, and environment variable overrides, in that order.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env file is not an error
	_ = godotenv.Load()

	var cfg Config

	if path != "" {
		// #nosec G304 -- Config file path is provided by operator via CLI flag, not user input
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment variable error: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for configuration
func applyDefaults(cfg *Config) {
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthModeClientSecret
	}
	if cfg.Storage == "" {
		cfg.Storage = StorageCSV
	}
	if cfg.Acquisition == "" {
		cfg.Acquisition = AcquisitionQuery
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = DefaultHTTPPort
	}
}

// envString returns the value of an environment variable, treating
// template placeholders shipped in .env.example as unset.
func envString(key string) string {
	val := os.Getenv(key)
	if strings.HasPrefix(val, "your-") {
		return ""
	}
	return val
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) error {
	if val := envString("AZURE_TENANT_ID"); val != "" {
		cfg.Credentials.TenantID = val
	}
	if val := envString("AZURE_CLIENT_ID"); val != "" {
		cfg.Credentials.ClientID = val
	}
	if val := envString("AZURE_CLIENT_SECRET"); val != "" {
		cfg.Credentials.ClientSecret = val
	}

	// Comma-separated scope list
	// Example: AZURE_SCOPES="/subscriptions/abc,/subscriptions/def/resourceGroups/rg1"
	if val := envString("AZURE_SCOPES"); val != "" {
		scopes := []string{}
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
		if len(scopes) > 0 {
			cfg.Scopes = scopes
		}
	}

	if val := envString("OUTPUT_PATH"); val != "" {
		cfg.OutputPath = val
	}
	if val := envString("AUTH_MODE"); val != "" {
		cfg.AuthMode = AuthMode(strings.ToLower(val))
	}
	if val := envString("STORAGE_MODE"); val != "" {
		cfg.Storage = StorageMode(strings.ToLower(val))
	}
	if val := envString("ACQUISITION_MODE"); val != "" {
		cfg.Acquisition = AcquisitionMode(strings.ToLower(val))
	}
	if val := envString("LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("VERIFY_SSL"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid VERIFY_SSL: must be a boolean, got %q", val)
		}
		cfg.VerifySSL = &b
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"DOWNLOAD_TIMEOUT", &cfg.DownloadTimeout},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"MAX_POLL_ATTEMPTS", &cfg.MaxPollAttempts},
		{"REFRESH_INTERVAL", &cfg.RefreshInterval},
		{"HTTP_PORT", &cfg.HTTPPort},
	}
	for _, v := range intVars {
		val := os.Getenv(v.name)
		if val == "" {
			continue
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s: must be an integer, got %q", v.name, val)
		}
		*v.dst = i
	}

	return nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if len(cfg.Scopes) == 0 {
		return fmt.Errorf("no scopes configured (set AZURE_SCOPES or the scopes list)")
	}
	for i, scope := range cfg.Scopes {
		if strings.TrimSpace(scope) == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
	}

	if cfg.OutputPath == "" {
		return fmt.Errorf("output_path is required (set OUTPUT_PATH)")
	}

	switch cfg.AuthMode {
	case AuthModeClientSecret:
		if cfg.Credentials.TenantID == "" {
			return fmt.Errorf("auth_mode %q requires tenant_id (set AZURE_TENANT_ID)", cfg.AuthMode)
		}
		if cfg.Credentials.ClientID == "" {
			return fmt.Errorf("auth_mode %q requires client_id (set AZURE_CLIENT_ID)", cfg.AuthMode)
		}
		if cfg.Credentials.ClientSecret == "" {
			return fmt.Errorf("auth_mode %q requires client_secret (set AZURE_CLIENT_SECRET)", cfg.AuthMode)
		}
	case AuthModeAzureCLI, AuthModeBrowser:
		// No static credentials required
	default:
		return fmt.Errorf("unknown auth_mode %q", cfg.AuthMode)
	}

	switch cfg.Storage {
	case StorageCSV, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage mode %q", cfg.Storage)
	}

	switch cfg.Acquisition {
	case AcquisitionQuery, AcquisitionReport:
	default:
		return fmt.Errorf("unknown acquisition mode %q", cfg.Acquisition)
	}

	if cfg.RequestTimeout <= 0 || cfg.RequestTimeout > MaxRequestTimeout {
		return fmt.Errorf("request_timeout must be between 1 and %d seconds, got %d", MaxRequestTimeout, cfg.RequestTimeout)
	}
	if cfg.DownloadTimeout <= 0 || cfg.DownloadTimeout > MaxRequestTimeout {
		return fmt.Errorf("download_timeout must be between 1 and %d seconds, got %d", MaxRequestTimeout, cfg.DownloadTimeout)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %d", cfg.PollInterval)
	}
	if cfg.MaxPollAttempts <= 0 {
		return fmt.Errorf("max_poll_attempts must be positive, got %d", cfg.MaxPollAttempts)
	}

	if cfg.RefreshInterval < MinRefreshInterval {
		return fmt.Errorf("refresh_interval must be at least %d seconds, got %d", MinRefreshInterval, cfg.RefreshInterval)
	}
	if cfg.HTTPPort < MinPort || cfg.HTTPPort > MaxPort {
		return fmt.Errorf("http_port must be between %d and %d", MinPort, MaxPort)
	}

	return nil
}
