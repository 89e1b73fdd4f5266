package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 16, cfg.Admission.MaxConcurrent)
	assert.Equal(t, 60*time.Second, cfg.Admission.MetricsWindow)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, []int64{500_000, 1_000_000, 2_000_000, 4_000_000, 8_000_000}, cfg.Bitrate.Ladder)
	assert.InDelta(t, 0.75, cfg.Bitrate.TargetBuffer, 0.001)
	assert.Equal(t, "ffmpeg", cfg.Transcode.FFmpegPath)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
admission:
  max_concurrent: 4
  global_rate: 2.5
bitrate:
  ladder: [250000, 750000]
  min_dwell: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Admission.MaxConcurrent)
	assert.InDelta(t, 2.5, cfg.Admission.GlobalRate, 0.001)
	assert.Equal(t, []int64{250_000, 750_000}, cfg.Bitrate.Ladder)
	assert.Equal(t, 20*time.Second, cfg.Bitrate.MinDwell)
	// Unset values fall back to defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STREAMGATE_SERVER_PORT", "7070")
	t.Setenv("STREAMGATE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "zero max concurrent",
			mutate:  func(c *Config) { c.Admission.MaxConcurrent = 0 },
			wantErr: "max_concurrent",
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.Admission.GlobalRate = -1 },
			wantErr: "rates must be positive",
		},
		{
			name:    "ceiling below degrade threshold",
			mutate:  func(c *Config) { c.Admission.CeilingLatency = c.Admission.DegradeLatency },
			wantErr: "ceiling_latency",
		},
		{
			name:    "empty ladder",
			mutate:  func(c *Config) { c.Bitrate.Ladder = nil },
			wantErr: "at least one rung",
		},
		{
			name:    "descending ladder",
			mutate:  func(c *Config) { c.Bitrate.Ladder = []int64{2_000_000, 1_000_000} },
			wantErr: "strictly ascending",
		},
		{
			name:    "target buffer out of range",
			mutate:  func(c *Config) { c.Bitrate.TargetBuffer = 1.5 },
			wantErr: "target_buffer",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Transcode.RetryAttempts = -1 },
			wantErr: "retry_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
