package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate and by target parsing.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the SkaldDB configuration
type Config struct {
	Connector Connector `yaml:"connector"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Connector selects and tunes the storage backend.
type Connector struct {
	// Target is one of memory://, file://DIR, pebble://DIR, sqlite://FILE,
	// minio://HOST/BUCKET/PREFIX or s3://BUCKET/PREFIX.
	Target          string        `yaml:"target"`
	FsyncInterval   time.Duration `yaml:"fsync_interval"`
	CheckpointBytes int64         `yaml:"checkpoint_bytes"`
	AccessKey       string        `yaml:"access_key,omitempty"`
	SecretKey       string        `yaml:"secret_key,omitempty"`
	UseSSL          bool          `yaml:"use_ssl"`
	Region          string        `yaml:"region,omitempty"`
	Parallelism     int           `yaml:"parallelism"`
}

// Server configures the HTTP API.
type Server struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Connector: Connector{
			Target:          "file://./data",
			CheckpointBytes: 4 << 20,
			Parallelism:     8,
		},
		Server: Server{
			Bind:   "127.0.0.1",
			Port:   8080,
			APIKey: "auto",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{Enabled: true},
	}
}

// Target is a parsed connector target.
type Target struct {
	Scheme string
	// Path is the directory or file for local backends.
	Path string
	// Host, Bucket and Prefix address an object store.
	Host   string
	Bucket string
	Prefix string
}

// ParseTarget splits a connector target URL into its parts.
func ParseTarget(target string) (Target, error) {
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		return Target{}, fmt.Errorf("%w: target %q has no scheme", ErrInvalidConfig, target)
	}
	switch scheme {
	case "memory":
		return Target{Scheme: scheme}, nil
	case "file", "pebble", "sqlite":
		if rest == "" {
			return Target{}, fmt.Errorf("%w: %s target needs a path", ErrInvalidConfig, scheme)
		}
		return Target{Scheme: scheme, Path: rest}, nil
	case "minio":
		u, err := url.Parse(target)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return Target{}, fmt.Errorf("%w: minio target must be minio://HOST/BUCKET[/PREFIX]", ErrInvalidConfig)
		}
		return Target{Scheme: scheme, Host: u.Host, Bucket: bucket, Prefix: prefix}, nil
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Target{}, fmt.Errorf("%w: s3 target must be s3://BUCKET[/PREFIX]", ErrInvalidConfig)
		}
		return Target{Scheme: scheme, Bucket: bucket, Prefix: prefix}, nil
	}
	return Target{}, fmt.Errorf("%w: unknown connector scheme %q", ErrInvalidConfig, scheme)
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if _, err := ParseTarget(c.Connector.Target); err != nil {
		return err
	}
	if c.Connector.FsyncInterval < 0 {
		return fmt.Errorf("%w: fsync_interval must not be negative", ErrInvalidConfig)
	}
	if c.Connector.CheckpointBytes < 0 {
		return fmt.Errorf("%w: checkpoint_bytes must not be negative", ErrInvalidConfig)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// LoadConfig loads configuration from the specified path. Missing fields
// keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	// Validate path to prevent directory traversal
	if !filepath.IsAbs(configPath) {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		configPath = absPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to the specified path with secure permissions
func SaveConfig(config *Config, configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file can hold object store credentials and the API key.
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateSecureKey generates a cryptographically secure random key
func GenerateSecureKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// BootstrapConfig writes a new configuration with a generated API key.
// An empty target keeps the default.
func BootstrapConfig(configPath string, target string) (*Config, error) {
	config := DefaultConfig()
	if target != "" {
		config.Connector.Target = target
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	apiKey, err := GenerateSecureKey(32) // 256 bits
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}
	config.Server.APIKey = apiKey

	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save bootstrap config: %w", err)
	}

	return config, nil
}

// GetDefaultConfigPath returns the default configuration path for the current platform
func GetDefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./skald.yaml"
	}

	// For Linux/macOS, use ~/.config/skald/config.yaml
	return filepath.Join(homeDir, ".config", "skald", "config.yaml")
}

// ConfigExists checks if a configuration file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return !os.IsNotExist(err)
}
