// Package cmd implements the CLI commands for streamgate.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/observability"
	"github.com/streamgate/streamgate/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "streamgate",
	Short:   "Adaptive streaming control service",
	Version: version.Short(),
	Long: `streamgate manages adaptive media stream sessions: it admits clients
under backpressure control, spawns and supervises per-session transcode
processes, and drives each session's bitrate with a feedback controller
fed by client playback telemetry.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are not bound to viper: they override config/env only
	// when explicitly set, preserving flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/streamgate)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (STREAMGATE_LOGGING_LEVEL, STREAMGATE_LOGGING_FORMAT)
//  3. Built-in defaults (info, json)
//
// Logging is initialized before the config file is read so that config
// loading problems are themselves logged.
func initLogging() error {
	level := os.Getenv("STREAMGATE_LOGGING_LEVEL")
	format := os.Getenv("STREAMGATE_LOGGING_FORMAT")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	if strings.ToLower(level) == "warning" {
		level = "warn"
	}

	logger := observability.NewLoggerWithWriter(config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}, os.Stderr)
	observability.SetDefault(observability.WithApp(logger, version.ApplicationName))
	return nil
}
