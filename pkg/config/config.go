package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete lazytiff tool configuration.
//
// This structure captures all configurable aspects of the CLI including:
//   - Logging configuration
//   - Source selection and source-specific settings (file or S3)
//   - Range cache configuration
//   - Rate limiting for the source backend
//   - Metrics collection
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (LAZYTIFF_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Source specifies where the TIFF bytes come from
	Source SourceConfig `mapstructure:"source" yaml:"source"`

	// Cache configures the on-disk range cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// RateLimit throttles requests against the source backend
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Metrics enables Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// SourceConfig specifies the byte source.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific configuration section is used.
type SourceConfig struct {
	// Type specifies which source backend to use
	// Valid values: file, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=file s3"`

	// File contains local-file configuration
	// Only used when Type = "file"
	File FileSourceConfig `mapstructure:"file" yaml:"file"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 S3SourceConfig `mapstructure:"s3" yaml:"s3"`
}

// FileSourceConfig configures the local file source.
type FileSourceConfig struct {
	// Path is the TIFF file path
	Path string `mapstructure:"path" yaml:"path"`
}

// S3SourceConfig configures the S3 source.
type S3SourceConfig struct {
	// Region is the AWS region
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint (for MinIO and compatible stores)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Key is the object key of the TIFF file
	Key string `mapstructure:"key" yaml:"key"`

	// AccessKey and SecretKey are optional static credentials.
	// When empty the default AWS credential chain is used.
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// UsePathStyle forces path-style addressing (required by MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// CacheConfig configures the on-disk range cache.
type CacheConfig struct {
	// Enabled turns the cache on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Dir is the badger database directory
	Dir string `mapstructure:"dir" yaml:"dir"`

	// MaxEntrySize caps the size of a cached range in bytes.
	// Zero uses the cache's built-in default (1 MiB).
	MaxEntrySize uint64 `mapstructure:"max_entry_size" yaml:"max_entry_size"`
}

// RateLimitConfig throttles fetch calls against the source backend.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate. Zero disables limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the maximum burst size. Zero means RequestsPerSecond.
	Burst uint `mapstructure:"burst" yaml:"burst"`
}

// MetricsConfig enables metrics collection.
type MetricsConfig struct {
	// Enabled initializes the Prometheus registry
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (LAZYTIFF_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use LAZYTIFF_ prefix and underscores
	// Example: LAZYTIFF_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("LAZYTIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "lazytiff")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "lazytiff")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
