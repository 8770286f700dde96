// Package config provides layered configuration for warcdb: defaults, an
// optional YAML or JSON file, WARCDB_ environment variables and finally
// command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/warcdb/warcdb/internal/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "30s" style strings from YAML and
// JSON as well as plain nanosecond counts.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	return d.parse(strings.Trim(string(data), `"`))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds the configuration of an import run.
type Config struct {
	// Import controls batching, the unsupported-record policy and progress.
	Import ImportConfig `json:"import" yaml:"import"`

	// HTTP configures fetching http(s):// sources.
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// S3 configures fetching s3:// sources.
	S3 S3Config `json:"s3" yaml:"s3"`

	// Log configures the logger.
	Log LogConfig `json:"log" yaml:"log"`

	// TempDir holds spooled copies of remote containers
	TempDir string `json:"temp_dir" yaml:"temp_dir"`
}

// ImportConfig holds import driver configuration.
type ImportConfig struct {
	// BatchSize is the number of rows written per transaction (default 1000)
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// OnUnsupported is abort or skip
	OnUnsupported string `json:"on_unsupported" yaml:"on_unsupported"`

	// Progress enables per-source progress bars
	Progress bool `json:"progress" yaml:"progress"`
}

// HTTPConfig holds HTTP client configuration.
type HTTPConfig struct {
	// Timeout bounds the wait for response headers
	Timeout Duration `json:"timeout" yaml:"timeout"`

	// RetryMax is the number of retries of a failed request
	RetryMax int `json:"retry_max" yaml:"retry_max"`
}

// S3Config holds S3 client configuration.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// MaxRetries bounds retries of failed requests
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is console or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Import: ImportConfig{
			BatchSize:     1000,
			OnUnsupported: "abort",
			Progress:      true,
		},
		HTTP: HTTPConfig{
			Timeout:  Duration(30 * time.Second),
			RetryMax: 3,
		},
		S3: S3Config{
			Region:     "us-east-1",
			MaxRetries: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Import.BatchSize < 1 {
		return errors.NewConfigError(fmt.Sprintf("import.batch_size must be at least 1, got %d", c.Import.BatchSize))
	}

	switch strings.ToLower(c.Import.OnUnsupported) {
	case "abort", "skip":
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid import.on_unsupported: %s (must be abort or skip)", c.Import.OnUnsupported))
	}

	if c.HTTP.Timeout < 0 {
		return errors.NewConfigError("http.timeout must not be negative")
	}
	if c.HTTP.RetryMax < 0 {
		return errors.NewConfigError(fmt.Sprintf("http.retry_max must not be negative, got %d", c.HTTP.RetryMax))
	}
	if c.S3.MaxRetries < 0 {
		return errors.NewConfigError(fmt.Sprintf("s3.max_retries must not be negative, got %d", c.S3.MaxRetries))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid log.format: %s (must be console or json)", c.Log.Format))
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the WARCDB_ prefix.
func LoadFromEnv(cfg *Config) {
	// Import configuration
	if v := os.Getenv("WARCDB_IMPORT_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Import.BatchSize)
	}
	if v := os.Getenv("WARCDB_IMPORT_ON_UNSUPPORTED"); v != "" {
		cfg.Import.OnUnsupported = v
	}
	if v := os.Getenv("WARCDB_IMPORT_PROGRESS"); v != "" {
		cfg.Import.Progress = v == "true" || v == "1"
	}

	// HTTP configuration
	if v := os.Getenv("WARCDB_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("WARCDB_HTTP_RETRY_MAX"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.RetryMax)
	}

	// S3 configuration
	if v := os.Getenv("WARCDB_S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("WARCDB_S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := os.Getenv("WARCDB_S3_PATH_STYLE"); v != "" {
		cfg.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Logging
	if v := os.Getenv("WARCDB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WARCDB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("WARCDB_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
}

// Load builds the configuration from the defaults, the file at path (when
// non-empty) and the environment. Flags are applied by the caller.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	return cfg, nil
}
