// ABOUTME: Configuration loading and parsing for entropy-core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete entropy-core configuration, shared by the
// coordinator and agent binaries.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	GitHub      GitHubConfig      `yaml:"github"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agents      AgentsConfig      `yaml:"agents"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the status API address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GitHubConfig holds the collaborator endpoint and credentials.
type GitHubConfig struct {
	BaseURL    string `yaml:"base_url"` // empty for api.github.com
	Token      string `yaml:"token"`
	Repository string `yaml:"repository"` // "owner/name"
}

// CoordinatorConfig holds polling and reclamation timing.
type CoordinatorConfig struct {
	PollInterval     time.Duration `yaml:"-"`
	OfflineThreshold time.Duration `yaml:"-"`
	MaxAttempts      int           `yaml:"max_attempts"`
	DedupeCacheSize  int           `yaml:"dedupe_cache_size"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw     string `yaml:"poll_interval"`
	OfflineThresholdRaw string `yaml:"offline_threshold"`
}

// AgentsConfig holds the lease protocol timing used by agent runtimes.
type AgentsConfig struct {
	LeaseDuration     time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`
	ClaimBackoff      time.Duration `yaml:"-"`
	ShutdownGrace     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LeaseDurationRaw     string `yaml:"lease_duration"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ClaimBackoffRaw      string `yaml:"claim_backoff"`
	ShutdownGraceRaw     string `yaml:"shutdown_grace"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"` // empty disables status API auth
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Load when the file leaves a value unset.
const (
	DefaultPollInterval     = 30 * time.Second
	DefaultOfflineThreshold = 3 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultDedupeCacheSize  = 10000
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Coordinator.PollInterval <= 0 {
		c.Coordinator.PollInterval = DefaultPollInterval
	}
	if c.Coordinator.MaxAttempts <= 0 {
		c.Coordinator.MaxAttempts = DefaultMaxAttempts
	}
	if c.Coordinator.DedupeCacheSize <= 0 {
		c.Coordinator.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if c.Coordinator.OfflineThreshold <= 0 {
		// Must exceed three heartbeat intervals so transient delays don't
		// flip live agents offline.
		c.Coordinator.OfflineThreshold = DefaultOfflineThreshold
		if min := 3 * c.Agents.HeartbeatInterval; min > c.Coordinator.OfflineThreshold {
			c.Coordinator.OfflineThreshold = min
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.GitHub.Repository == "" {
		return fmt.Errorf("github.repository is required")
	}

	if c.Agents.HeartbeatInterval > 0 && c.Agents.LeaseDuration > 0 &&
		c.Agents.HeartbeatInterval > c.Agents.LeaseDuration/3 {
		return fmt.Errorf("agents.heartbeat_interval must be at most a third of agents.lease_duration")
	}

	if c.Coordinator.OfflineThreshold > 0 && c.Agents.HeartbeatInterval > 0 &&
		c.Coordinator.OfflineThreshold <= 3*c.Agents.HeartbeatInterval {
		return fmt.Errorf("coordinator.offline_threshold must exceed three heartbeat intervals")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Coordinator.PollIntervalRaw, "poll_interval", &cfg.Coordinator.PollInterval},
		{cfg.Coordinator.OfflineThresholdRaw, "offline_threshold", &cfg.Coordinator.OfflineThreshold},
		{cfg.Agents.LeaseDurationRaw, "lease_duration", &cfg.Agents.LeaseDuration},
		{cfg.Agents.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Agents.HeartbeatInterval},
		{cfg.Agents.ClaimBackoffRaw, "claim_backoff", &cfg.Agents.ClaimBackoff},
		{cfg.Agents.ShutdownGraceRaw, "shutdown_grace", &cfg.Agents.ShutdownGrace},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
