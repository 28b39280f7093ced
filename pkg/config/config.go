package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default configuration values exported for documentation and validation
const (
	DefaultSessionTTL       = 12 * time.Hour
	DefaultMaxHistory       = 5
	DefaultMaxRetries       = 3
	DefaultRequireConsent   = true
	DefaultTokenPrefix      = "HIPAA"
	DefaultTokenLength      = 32
	DefaultOracleModel      = "gemini-2.0-flash"
	DefaultOracleTimeout    = 60 * time.Second
	DefaultOracleRateLimit  = 1.0
	DefaultOracleBurst      = 5
	DefaultOracleMaxRetries = 3
	DefaultOracleBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	DefaultDataDir          = "data"
	DefaultLogDir           = "logs"
	DefaultDatabaseFile     = "session_memory.db"
	DefaultReportDir        = "reports"
)

// Config represents the complete medgate configuration
type Config struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Gate    GateConfig    `yaml:"gate"`
	Token   TokenConfig   `yaml:"token"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MemoryConfig controls the session memory store
type MemoryConfig struct {
	TTL        time.Duration `yaml:"ttl"`         // Sliding expiry window, refreshed on every write
	MaxHistory int           `yaml:"max_history"` // Bound on per-session history entries
}

// GateConfig controls the policy gate retry protocol
type GateConfig struct {
	MaxRetries     int  `yaml:"max_retries"`
	RequireConsent bool `yaml:"require_consent"`
}

// TokenConfig controls trace token generation
type TokenConfig struct {
	Prefix string `yaml:"prefix"`
	Length int    `yaml:"length"` // Random payload length in characters
}

// OracleConfig controls the reasoning oracle client
type OracleConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"` // Can be set here or via env var
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"` // Requests per second
	Burst      int           `yaml:"burst"`
	MaxRetries int           `yaml:"max_retries"` // Transport-level retries only
}

// StorageConfig controls persistent storage locations
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabaseFile string `yaml:"database_file"`
	ReportDir    string `yaml:"report_dir"`
}

// LoggingConfig controls structured and violation logging
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TracingConfig controls OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			TTL:        DefaultSessionTTL,
			MaxHistory: DefaultMaxHistory,
		},
		Gate: GateConfig{
			MaxRetries:     DefaultMaxRetries,
			RequireConsent: DefaultRequireConsent,
		},
		Token: TokenConfig{
			Prefix: DefaultTokenPrefix,
			Length: DefaultTokenLength,
		},
		Oracle: OracleConfig{
			BaseURL:    DefaultOracleBaseURL,
			Model:      DefaultOracleModel,
			Timeout:    DefaultOracleTimeout,
			RateLimit:  DefaultOracleRateLimit,
			Burst:      DefaultOracleBurst,
			MaxRetries: DefaultOracleMaxRetries,
		},
		Storage: StorageConfig{
			DataDir:      DefaultDataDir,
			DatabaseFile: DefaultDatabaseFile,
			ReportDir:    DefaultReportDir,
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "medgate",
		},
	}
}

// DatabasePath returns the full path of the SQLite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.DatabaseFile)
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load user config (~/.medgate/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".medgate", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// Load project config (./.medgate/config.yaml)
	projectConfigPath := filepath.Join(".", ".medgate", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDGATE_ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	} else if v := os.Getenv("GOOGLE_API_KEY"); v != "" && cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("MEDGATE_ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("MEDGATE_ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("MEDGATE_ORACLE_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Oracle.Timeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("MEDGATE_SESSION_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Memory.TTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("MEDGATE_MAX_HISTORY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Memory.MaxHistory = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MEDGATE_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Gate.MaxRetries = n
		}
	}
	if v, ok := envBool("MEDGATE_REQUIRE_CONSENT"); ok {
		cfg.Gate.RequireConsent = v
	}
	if v := os.Getenv("MEDGATE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MEDGATE_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("MEDGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := envBool("MEDGATE_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = v
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Memory.TTL <= 0 {
		return fmt.Errorf("memory.ttl must be positive, got %v", c.Memory.TTL)
	}
	if c.Memory.MaxHistory <= 0 {
		return fmt.Errorf("memory.max_history must be positive, got %d", c.Memory.MaxHistory)
	}
	if c.Gate.MaxRetries < 0 {
		return fmt.Errorf("gate.max_retries cannot be negative, got %d", c.Gate.MaxRetries)
	}
	if strings.TrimSpace(c.Token.Prefix) == "" {
		return fmt.Errorf("token.prefix cannot be empty")
	}
	if c.Token.Length < 8 {
		return fmt.Errorf("token.length must be at least 8, got %d", c.Token.Length)
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be positive, got %v", c.Oracle.Timeout)
	}
	if c.Oracle.RateLimit <= 0 {
		return fmt.Errorf("oracle.rate_limit must be positive, got %v", c.Oracle.RateLimit)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	return nil
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
