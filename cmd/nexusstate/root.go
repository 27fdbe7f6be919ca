package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/config"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	path       string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "nexusstate",
		Short:         "Query and maintain versioned state store checkpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&a.path, "path", "", "Checkpoint root (overrides checkpoint.root, or the prefix for the minio backend)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides logging.level)")

	root.AddCommand(
		newReadCmd(a),
		newMetadataCmd(a),
		newCleanupCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.path != "" {
		if cfg.Checkpoint.Backend == "minio" {
			cfg.Checkpoint.MinIO.Prefix = a.path
		} else {
			cfg.Checkpoint.Root = a.path
		}
	}
	logger, closer, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.logCloser = cfg, logger, closer
	return nil
}

// checkpointPath is the path the query sources use for the configured checkpoint.
func (a *app) checkpointPath() string {
	if a.cfg.Checkpoint.Backend == "minio" {
		return a.cfg.Checkpoint.MinIO.Prefix
	}
	return a.cfg.Checkpoint.Root
}

// openStore opens the blob store holding the checkpoint at path, wrapped
// with the configured retry policy.
func (a *app) openStore(ctx context.Context, path string) (blob.Store, error) {
	var (
		store blob.Store
		err   error
	)
	switch a.cfg.Checkpoint.Backend {
	case "minio":
		m := a.cfg.Checkpoint.MinIO
		store, err = blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			UseSSL:          m.UseSSL,
			Bucket:          m.Bucket,
			Prefix:          path,
		})
	default:
		store, err = blob.NewLocal(path)
	}
	if err != nil {
		return nil, err
	}
	r := a.cfg.Checkpoint.Retry
	policy := blob.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: config.ParseDuration(r.InitialInterval, blob.DefaultRetryPolicy.InitialInterval, a.logger),
		MaxInterval:     config.ParseDuration(r.MaxInterval, blob.DefaultRetryPolicy.MaxInterval, a.logger),
	}
	return blob.NewRetrying(store, policy, a.logger), nil
}

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), timeout)
}
