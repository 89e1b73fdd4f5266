// Package config provides configuration management for streamgate using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort            = 8090
	defaultServerTimeout         = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultMetricsWindow         = 60 * time.Second
	defaultMaxConcurrentSessions = 16
	defaultGlobalRate            = 10.0
	defaultGlobalBurst           = 20.0
	defaultClientRate            = 1.0
	defaultClientBurst           = 5.0
	defaultDegradeLatency        = 500 * time.Millisecond
	defaultCeilingLatency        = 2 * time.Second
	defaultBreakerThreshold      = 5
	defaultBreakerResetTimeout   = 30 * time.Second
	defaultBreakerCallTimeout    = 10 * time.Second
	defaultTargetBuffer          = 0.75
	defaultControlInterval       = 3 * time.Second
	defaultMinDwell              = 10 * time.Second
	defaultSpawnTimeout          = 10 * time.Second
	defaultStopGrace             = 5 * time.Second
	defaultRetryAttempts         = 3
	defaultRetryBackoff          = 2 * time.Second
	defaultIdleTimeout           = 2 * time.Minute
	defaultTelemetryGrace        = 15 * time.Second
	defaultSweepInterval         = 30 * time.Second
	defaultHousekeepingCron      = "0 */5 * * * *" // every 5 minutes
	defaultMediaLibraryTimeout   = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Bitrate      BitrateConfig      `mapstructure:"bitrate"`
	Transcode    TranscodeConfig    `mapstructure:"transcode"`
	Session      SessionConfig      `mapstructure:"session"`
	MediaLibrary MediaLibraryConfig `mapstructure:"media_library"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AdmissionConfig holds backpressure and rate limiting configuration.
type AdmissionConfig struct {
	// MaxConcurrent is the hard ceiling on concurrently admitted sessions.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MetricsWindow is the sliding window used for load statistics.
	MetricsWindow time.Duration `mapstructure:"metrics_window"`
	// GlobalRate / GlobalBurst configure the global token bucket
	// (tokens per second and bucket capacity).
	GlobalRate  float64 `mapstructure:"global_rate"`
	GlobalBurst float64 `mapstructure:"global_burst"`
	// ClientRate / ClientBurst configure the per-client token buckets.
	ClientRate  float64 `mapstructure:"client_rate"`
	ClientBurst float64 `mapstructure:"client_burst"`
	// DegradeLatency is the p95 latency above which probabilistic load
	// shedding begins; CeilingLatency is where the shed probability reaches 1.
	DegradeLatency time.Duration `mapstructure:"degrade_latency"`
	CeilingLatency time.Duration `mapstructure:"ceiling_latency"`
}

// BreakerConfig holds circuit breaker configuration shared by all
// protected dependencies.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// BitrateConfig holds PID controller and bitrate ladder configuration.
type BitrateConfig struct {
	// Ladder is the ascending list of supported encode bitrates in bits/sec.
	Ladder []int64 `mapstructure:"ladder"`
	// TargetBuffer is the client buffer fill setpoint (0.0-1.0).
	TargetBuffer float64 `mapstructure:"target_buffer"`
	// Kp, Ki, Kd are the PID gains applied to the buffer error signal
	// (target - measured). The gains are negative: a positive buffer
	// deficit must push the output below the measured throughput.
	Kp float64 `mapstructure:"kp"`
	Ki float64 `mapstructure:"ki"`
	Kd float64 `mapstructure:"kd"`
	// ControlInterval is the PID tick period.
	ControlInterval time.Duration `mapstructure:"control_interval"`
	// MinDwell is the minimum time between rung changes (hysteresis).
	MinDwell time.Duration `mapstructure:"min_dwell"`
}

// TranscodeConfig holds transcode process lifecycle configuration.
type TranscodeConfig struct {
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
	SpawnTimeout  time.Duration `mapstructure:"spawn_timeout"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	OutputDir     string        `mapstructure:"output_dir"`
}

// SessionConfig holds stream session lifecycle configuration.
type SessionConfig struct {
	// IdleTimeout terminates sessions that have not reported telemetry.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// TelemetryGrace is how long missing telemetry is tolerated before the
	// controller degrades bitrate preemptively.
	TelemetryGrace time.Duration `mapstructure:"telemetry_grace"`
	// SweepInterval is how often the registry sweeper scans for idle sessions.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// HousekeepingCron is a 6-field cron expression for periodic deep
	// cleanup (stale rate limiter buckets, closed breaker entries).
	HousekeepingCron string `mapstructure:"housekeeping_cron"`
}

// MediaLibraryConfig holds the external media library collaborator configuration.
type MediaLibraryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STREAMGATE_ and use underscores
// for nesting. Example: STREAMGATE_SERVER_PORT=8090.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streamgate")
		v.AddConfigPath("$HOME/.streamgate")
	}

	v.SetEnvPrefix("STREAMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	// Admission defaults
	v.SetDefault("admission.max_concurrent", defaultMaxConcurrentSessions)
	v.SetDefault("admission.metrics_window", defaultMetricsWindow)
	v.SetDefault("admission.global_rate", defaultGlobalRate)
	v.SetDefault("admission.global_burst", defaultGlobalBurst)
	v.SetDefault("admission.client_rate", defaultClientRate)
	v.SetDefault("admission.client_burst", defaultClientBurst)
	v.SetDefault("admission.degrade_latency", defaultDegradeLatency)
	v.SetDefault("admission.ceiling_latency", defaultCeilingLatency)

	// Circuit breaker defaults
	v.SetDefault("breaker.failure_threshold", defaultBreakerThreshold)
	v.SetDefault("breaker.reset_timeout", defaultBreakerResetTimeout)
	v.SetDefault("breaker.call_timeout", defaultBreakerCallTimeout)

	// Bitrate defaults
	v.SetDefault("bitrate.ladder", []int64{500_000, 1_000_000, 2_000_000, 4_000_000, 8_000_000})
	v.SetDefault("bitrate.target_buffer", defaultTargetBuffer)
	v.SetDefault("bitrate.kp", -3_000_000.0)
	v.SetDefault("bitrate.ki", -250_000.0)
	v.SetDefault("bitrate.kd", -500_000.0)
	v.SetDefault("bitrate.control_interval", defaultControlInterval)
	v.SetDefault("bitrate.min_dwell", defaultMinDwell)

	// Transcode defaults
	v.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode.spawn_timeout", defaultSpawnTimeout)
	v.SetDefault("transcode.stop_grace", defaultStopGrace)
	v.SetDefault("transcode.retry_attempts", defaultRetryAttempts)
	v.SetDefault("transcode.retry_backoff", defaultRetryBackoff)
	v.SetDefault("transcode.output_dir", "data/streams")

	// Session defaults
	v.SetDefault("session.idle_timeout", defaultIdleTimeout)
	v.SetDefault("session.telemetry_grace", defaultTelemetryGrace)
	v.SetDefault("session.sweep_interval", defaultSweepInterval)
	v.SetDefault("session.housekeeping_cron", defaultHousekeepingCron)

	// Media library defaults
	v.SetDefault("media_library.base_url", "http://127.0.0.1:32400")
	v.SetDefault("media_library.timeout", defaultMediaLibraryTimeout)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Admission.MaxConcurrent < 1 {
		return fmt.Errorf("admission.max_concurrent must be positive, got %d", c.Admission.MaxConcurrent)
	}
	if c.Admission.GlobalRate <= 0 || c.Admission.ClientRate <= 0 {
		return errors.New("admission token bucket rates must be positive")
	}
	if c.Admission.GlobalBurst < 1 || c.Admission.ClientBurst < 1 {
		return errors.New("admission token bucket capacities must be at least 1")
	}
	if c.Admission.CeilingLatency <= c.Admission.DegradeLatency {
		return fmt.Errorf("admission.ceiling_latency (%s) must exceed degrade_latency (%s)",
			c.Admission.CeilingLatency, c.Admission.DegradeLatency)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if len(c.Bitrate.Ladder) == 0 {
		return errors.New("bitrate.ladder must contain at least one rung")
	}
	for i := 1; i < len(c.Bitrate.Ladder); i++ {
		if c.Bitrate.Ladder[i] <= c.Bitrate.Ladder[i-1] {
			return errors.New("bitrate.ladder must be strictly ascending")
		}
	}
	if c.Bitrate.TargetBuffer <= 0 || c.Bitrate.TargetBuffer >= 1 {
		return fmt.Errorf("bitrate.target_buffer must be in (0, 1), got %v", c.Bitrate.TargetBuffer)
	}
	if c.Bitrate.ControlInterval <= 0 {
		return errors.New("bitrate.control_interval must be positive")
	}
	if c.Transcode.RetryAttempts < 0 {
		return fmt.Errorf("transcode.retry_attempts must not be negative, got %d", c.Transcode.RetryAttempts)
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("session.sweep_interval must be positive")
	}
	return nil
}
