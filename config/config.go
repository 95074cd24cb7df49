// Package config reads the server settings from the environment. A .env file
// in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// DBDriver is "mysql" or "sqlite". DSN is passed to the driver as is.
	DBDriver string
	DSN      string

	JWTSecret string
	TokenTTL  time.Duration

	// RedisURL, when set, fans events out through redis so every replica's
	// websocket clients see them.
	RedisURL     string
	RedisChannel string

	// RulesFile overrides the compiled-in availability rules.
	RulesFile string
	LogLevel  string

	MonitorInterval time.Duration
	RateLimit       int

	// AllowedOrigins gates CORS and websocket upgrades. Empty allows any.
	AllowedOrigins []string
}

// FromEnv loads .env if there is one and builds a Config from the environment.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:         envDefault("PORT", "8080"),
		GinMode:      envDefault("GIN_MODE", "debug"),
		DBDriver:     envDefault("DB_DRIVER", "mysql"),
		DSN:          os.Getenv("DB_DSN"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		RedisURL:     os.Getenv("REDIS_URL"),
		RedisChannel: envDefault("REDIS_CHANNEL", "reservations:events"),
		RulesFile:    os.Getenv("RULES_FILE"),
		LogLevel:     envDefault("LOG_LEVEL", "info"),
	}

	if cfg.DSN == "" {
		cfg.DSN = dsnFromParts()
	}
	if cfg.DBDriver != "mysql" && cfg.DBDriver != "sqlite" {
		return Config{}, fmt.Errorf("config: DB_DRIVER must be mysql or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	var err error
	if cfg.MonitorInterval, err = durationEnv("MONITOR_INTERVAL", 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = durationEnv("TOKEN_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	rl, err := strconv.Atoi(envDefault("RATE_LIMIT", "50"))
	if err != nil || rl < 1 {
		return Config{}, fmt.Errorf("config: invalid RATE_LIMIT")
	}
	cfg.RateLimit = rl

	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	return cfg, nil
}

// dsnFromParts builds a mysql DSN from the DB_* variables used by older
// deployments.
func dsnFromParts() string {
	if os.Getenv("DB_DRIVER") == "sqlite" {
		return envDefault("DB_NAME", "reservations.db")
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		envDefault("DB_USER", "root"),
		os.Getenv("DB_PASSWORD"),
		envDefault("DB_HOST", "127.0.0.1"),
		envDefault("DB_PORT", "3306"),
		envDefault("DB_NAME", "reservations"),
	)
}

func durationEnv(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", k, v)
	}
	return d, nil
}

func envDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
