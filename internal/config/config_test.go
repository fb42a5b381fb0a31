package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BUCKET_URL", "mem://")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "mem://", cfg.BucketURL)
	assert.Empty(t, cfg.BaseURL)
	assert.False(t, cfg.AutoStart)
	assert.Equal(t, "staging", cfg.StagingDir)
	assert.Equal(t, "filequeue.db", cfg.DBPath)
	assert.Equal(t, 168*time.Hour, cfg.StagingRetention)
	assert.Equal(t, 15*time.Second, cfg.Backend.ConnectTimeout)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "filequeue", cfg.Telemetry.ServiceName)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BUCKET_URL", "file:///data")
	t.Setenv("BASE_URL", "http://files.local:8080")
	t.Setenv("AUTO_START", "true")
	t.Setenv("BACKEND_TOKEN", "secret")
	t.Setenv("BACKEND_RESPONSE_TIMEOUT", "5s")
	t.Setenv("WEB_USERNAME", "admin")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://files.local:8080", cfg.BaseURL)
	assert.True(t, cfg.AutoStart)
	assert.Equal(t, "secret", cfg.Backend.Token)
	assert.Equal(t, 5*time.Second, cfg.Backend.ResponseTimeout)
	assert.Equal(t, "admin", cfg.Web.Username)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_MissingBucket(t *testing.T) {
	t.Setenv("BUCKET_URL", "")
	require.NoError(t, os.Unsetenv("BUCKET_URL"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c := &Config{LogLevel: tt.in}
			assert.Equal(t, tt.want, c.SlogLevel())
		})
	}
}
