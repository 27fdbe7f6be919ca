package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MinIOConfig holds the connection settings of an S3-compatible checkpoint store.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
}

// RetryConfig bounds the retries of blob store operations.
type RetryConfig struct {
	MaxAttempts     uint   `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

// CheckpointConfig describes where checkpoints live and how they are written.
type CheckpointConfig struct {
	Backend                  string      `yaml:"backend"` // "local" or "minio"
	Root                     string      `yaml:"root"`    // Checkpoint root for the local backend
	MinIO                    MinIOConfig `yaml:"minio"`
	Retry                    RetryConfig `yaml:"retry"`
	SnapshotInterval         int64       `yaml:"snapshot_interval"`
	Compression              string      `yaml:"compression"`
	MinBatchesToRetain       int64       `yaml:"min_batches_to_retain"`
	MetadataVersionsToRetain int         `yaml:"metadata_versions_to_retain"`
	MaintenanceInterval      string      `yaml:"maintenance_interval"`
	RetentionGracePeriod     string      `yaml:"retention_grace_period"`
	ScanChunkSize            int         `yaml:"scan_chunk_size"`
}

// ReaderConfig holds batch query reader settings.
type ReaderConfig struct {
	Parallelism int   `yaml:"parallelism"`
	CacheBytes  int64 `yaml:"cache_bytes"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// ServerConfig holds the HTTP query and debug surface.
type ServerConfig struct {
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Reader     ReaderConfig     `yaml:"reader"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Checkpoint: CheckpointConfig{
			Backend: "local",
			Root:    "./checkpoint",
			MinIO: MinIOConfig{
				Endpoint: "localhost:9000",
				Bucket:   "nexusstate",
			},
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: "50ms",
				MaxInterval:     "2s",
			},
			SnapshotInterval:         10,
			Compression:              "snappy",
			MinBatchesToRetain:       100,
			MetadataVersionsToRetain: 5,
			MaintenanceInterval:      "60s",
			RetentionGracePeriod:     "5m",
			ScanChunkSize:            256,
		},
		Reader: ReaderConfig{
			Parallelism: 8,
			CacheBytes:  64 * 1024 * 1024, // 64 MiB
		},
		Server: ServerConfig{
			ListenAddress:    ":8088",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
			ShutdownTimeout:  "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusstate.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader on top of the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the system cannot work with.
func (c *Config) Validate() error {
	switch c.Checkpoint.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("invalid checkpoint backend %q: expected local or minio", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "minio" && c.Checkpoint.MinIO.Bucket == "" {
		return fmt.Errorf("checkpoint.minio.bucket is required for the minio backend")
	}
	if c.Checkpoint.SnapshotInterval < 0 || c.Checkpoint.MinBatchesToRetain < 0 {
		return fmt.Errorf("checkpoint intervals must not be negative")
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid tracing protocol %q: expected grpc or http", c.Tracing.Protocol)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
