// ABOUTME: Configuration loading and parsing for chatlink
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatlink configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ServerConfig holds the injected API origin. The core itself is
// origin-agnostic; whoever bootstraps the process decides where to point it.
type ServerConfig struct {
	Origin string `yaml:"origin"`
}

// StreamConfig holds channel session and reconnection tuning
type StreamConfig struct {
	MaxCatchUp     int           `yaml:"max_catch_up"`
	BackoffInitial time.Duration `yaml:"-"`
	BackoffMax     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BackoffInitialRaw string `yaml:"backoff_initial"`
	BackoffMaxRaw     string `yaml:"backoff_max"`
}

// ReadReceiptMode controls how read receipts reach the other role.
type ReadReceiptMode string

const (
	// ReadReceiptsRealtime publishes a local read event through the fanout
	// when a bulk mark-read completes.
	ReadReceiptsRealtime ReadReceiptMode = "realtime"
	// ReadReceiptsFetch defers read-state propagation to the next history fetch.
	ReadReceiptsFetch ReadReceiptMode = "fetch"
)

// ChatConfig holds conversation-level behavior settings
type ChatConfig struct {
	PageSize     int             `yaml:"page_size"`
	ReadReceipts ReadReceiptMode `yaml:"read_receipts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ArchiveConfig holds the optional local transcript archive settings
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when fields are absent from the file.
const (
	DefaultMaxCatchUp     = 500
	DefaultPageSize       = 50
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
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

// applyDefaults fills zero-valued tuning fields.
func (c *Config) applyDefaults() {
	if c.Stream.MaxCatchUp == 0 {
		c.Stream.MaxCatchUp = DefaultMaxCatchUp
	}
	if c.Stream.BackoffInitial == 0 {
		c.Stream.BackoffInitial = DefaultBackoffInitial
	}
	if c.Stream.BackoffMax == 0 {
		c.Stream.BackoffMax = DefaultBackoffMax
	}
	if c.Chat.PageSize == 0 {
		c.Chat.PageSize = DefaultPageSize
	}
	if c.Chat.ReadReceipts == "" {
		c.Chat.ReadReceipts = ReadReceiptsRealtime
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}

	switch c.Chat.ReadReceipts {
	case ReadReceiptsRealtime, ReadReceiptsFetch:
	default:
		return fmt.Errorf("chat.read_receipts must be %q or %q", ReadReceiptsRealtime, ReadReceiptsFetch)
	}

	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required when archive is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Stream.BackoffInitialRaw != "" {
		cfg.Stream.BackoffInitial, err = time.ParseDuration(cfg.Stream.BackoffInitialRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_initial %q: %w", cfg.Stream.BackoffInitialRaw, err)
		}
	}

	if cfg.Stream.BackoffMaxRaw != "" {
		cfg.Stream.BackoffMax, err = time.ParseDuration(cfg.Stream.BackoffMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_max %q: %w", cfg.Stream.BackoffMaxRaw, err)
		}
	}

	return nil
}
