// Package config loads the optional YAML service configuration and applies
// environment overrides on top, so container deployments can run with env
// vars only while local setups keep a checked-in file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatherly/backend/internal/platform/env"
)

// Config is the top-level service configuration shared by the binaries.
type Config struct {
	// FeedAPIAddr is the HTTP listen address for the feed API.
	FeedAPIAddr string `yaml:"feed_api_addr"`

	// StreamerAddr is the HTTP listen address for the chat streamer.
	StreamerAddr string `yaml:"streamer_addr"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `yaml:"database_url"`

	// NATSURL is the JetStream connection string.
	NATSURL string `yaml:"nats_url"`

	// JWTSecret signs access tokens. Override in every real deployment.
	JWTSecret string `yaml:"jwt_secret"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimitRPS and RateLimitBurst bound per-user API throughput.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// HousekeepingCron is the cron schedule for the housekeeper jobs.
	HousekeepingCron string `yaml:"housekeeping_cron"`
}

func defaults() Config {
	return Config{
		FeedAPIAddr:      env.DefaultFeedAPIAddr,
		StreamerAddr:     env.DefaultStreamerAddr,
		DatabaseURL:      env.DefaultDatabaseURL,
		NATSURL:          env.DefaultNATSURL,
		JWTSecret:        "dev-insecure-change-me",
		ShutdownTimeout:  10 * time.Second,
		RateLimitRPS:     25,
		RateLimitBurst:   50,
		HousekeepingCron: "*/15 * * * *",
	}
}

// Load reads the YAML file at path (if it exists) over the built-in
// defaults, then applies env overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
			// fall through to env overrides
		default:
			return Config{}, err
		}
	}

	cfg.FeedAPIAddr = env.String("FEED_API_ADDR", cfg.FeedAPIAddr)
	cfg.StreamerAddr = env.String("CHAT_STREAMER_ADDR", cfg.StreamerAddr)
	cfg.DatabaseURL = env.String("DATABASE_URL", cfg.DatabaseURL)
	cfg.NATSURL = env.String("NATS_URL", cfg.NATSURL)
	cfg.JWTSecret = env.String("JWT_SECRET", cfg.JWTSecret)
	cfg.ShutdownTimeout = env.Duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RateLimitRPS = env.Float("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = env.Int("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.HousekeepingCron = env.String("HOUSEKEEPING_CRON", cfg.HousekeepingCron)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg, nil
}
