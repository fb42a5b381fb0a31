package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BaseURL      string `envconfig:"BASE_URL"`
	AutoStart    bool   `envconfig:"AUTO_START" default:"false"`
	StagingDir   string `envconfig:"STAGING_DIR" default:"staging"`
	BucketURL    string `envconfig:"BUCKET_URL" required:"true"`
	BucketPrefix string `envconfig:"BUCKET_PREFIX"`
	DBPath       string `envconfig:"DB_PATH" default:"filequeue.db"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"INFO"`

	StagingRetention  time.Duration `envconfig:"STAGING_RETENTION" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	PowerSupplyDir    string        `envconfig:"POWER_SUPPLY_DIR" default:"/sys/class/power_supply"`

	Backend struct {
		Token           string        `split_words:"true"`
		ConnectTimeout  time.Duration `split_words:"true" default:"15s"`
		ResponseTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"filequeue"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
