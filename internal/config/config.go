package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config aggregates all runtime settings.
type Config struct {
	App      AppConfig      `envPrefix:"SECURITY_"`
	HTTP     HTTPConfig     `envPrefix:"SECURITY_HTTP_"`
	Database DatabaseConfig `envPrefix:"SECURITY_DB_"`
	Redis    RedisConfig    `envPrefix:"SECURITY_REDIS_"`
	Token    TokenConfig    `envPrefix:"SECURITY_TOKEN_"`
	Detector DetectorConfig `envPrefix:"SECURITY_DETECTOR_"`
}

type AppConfig struct {
	Environment string `env:"ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"security-service"`
}

type HTTPConfig struct {
	Host              string        `env:"HOST" envDefault:"0.0.0.0"`
	Port              int           `env:"PORT" envDefault:"4301"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"25s"`
}

type DatabaseConfig struct {
	URL             string        `env:"URL"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"20"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	RunMigrations   bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
}

type RedisConfig struct {
	Addr      string `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	EnableTLS bool   `env:"ENABLE_TLS" envDefault:"false"`
	Namespace string `env:"NAMESPACE" envDefault:"security"`
}

type TokenConfig struct {
	Issuer         string        `env:"ISSUER" envDefault:"https://security.carelink.local"`
	Audience       string        `env:"AUDIENCE" envDefault:"carelink-admin"`
	Secret         string        `env:"SECRET"`
	AccessTokenTTL time.Duration `env:"ACCESS_TTL" envDefault:"1h"`
}

// DetectorConfig controls the brute-force detector. The defaults match the
// behavior the rest of the platform was built against; change them only in
// coordination with the authentication flow.
type DetectorConfig struct {
	FailureThreshold  int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	FailureWindow     time.Duration `env:"FAILURE_WINDOW" envDefault:"15m"`
	AutoBlockDuration time.Duration `env:"AUTO_BLOCK_DURATION" envDefault:"1h"`
}

// Load parses environment variables into Config and performs validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("SECURITY_DB_URL is required")
	}
	if cfg.Token.Secret == "" {
		return nil, fmt.Errorf("SECURITY_TOKEN_SECRET is required")
	}
	if cfg.Detector.FailureThreshold < 1 {
		return nil, fmt.Errorf("SECURITY_DETECTOR_FAILURE_THRESHOLD must be positive")
	}
	if cfg.Detector.FailureWindow <= 0 || cfg.Detector.AutoBlockDuration <= 0 {
		return nil, fmt.Errorf("detector window and block duration must be positive")
	}

	return cfg, nil
}
