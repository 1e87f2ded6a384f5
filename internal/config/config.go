package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	OutputDir  string `envconfig:"OUTPUT_DIR" default:"~/downloads"`
	MaxWorkers int    `envconfig:"MAX_WORKERS" default:"8"`

	// Lease tuning. The renew interval must stay comfortably below the
	// timeout so a slow transfer never causes self-expiry.
	LockTimeout       time.Duration `envconfig:"LOCK_TIMEOUT" default:"10m"`
	LockRenewInterval time.Duration `envconfig:"LOCK_RENEW_INTERVAL" default:"5m"`
	LockPollInterval  time.Duration `envconfig:"LOCK_POLL_INTERVAL" default:"30s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath   string `envconfig:"DB_PATH" default:"downloads.db"`

	Credentials Credentials

	Web struct {
		BindAddress     string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"model-downloader"`
	}
}

// Credentials is the flat bag of optional per-variant settings. Every key
// falls back to an environment variable and may be overridden by a JSON
// blob passed on the command line.
type Credentials struct {
	AccessKey string `envconfig:"ACCESS_KEY" json:"access_key"`
	SecretKey string `envconfig:"SECRET_KEY" json:"secret_key"`
	Endpoint  string `envconfig:"ENDPOINT" json:"endpoint"`
	Region    string `envconfig:"REGION" json:"region"`

	HFToken    string `envconfig:"HF_AUTH_TOKEN" json:"hf_token"`
	HFEndpoint string `envconfig:"HF_ENDPOINT" json:"hf_endpoint"`
	HFRevision string `envconfig:"HF_REVISION" json:"hf_revision"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	expanded, err := ExpandHome(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	cfg.OutputDir = expanded

	return &cfg, nil
}

// ApplyJSON overlays credential keys from a JSON blob onto the
// environment-derived values. Keys absent from the blob keep their current
// value.
func (c *Config) ApplyJSON(blob string) error {
	if blob == "" {
		return nil
	}

	if err := json.Unmarshal([]byte(blob), &c.Credentials); err != nil {
		return fmt.Errorf("invalid configuration JSON: %w", err)
	}

	return nil
}

// ExpandHome resolves a leading ~ to the current user's home directory and
// returns an absolute path.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory: %w", err)
		}

		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve output directory: %w", err)
	}

	return abs, nil
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
