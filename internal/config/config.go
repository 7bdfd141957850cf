package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr        string `env:"API_ADDR" envDefault:":8787"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DatabaseURL string `env:"DATABASE_URL"`
	CORSOrigin  string `env:"CORS_ORIGIN" envDefault:"*"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret  string        `env:"READYCHECK_JWT_SECRET" envDefault:"readycheck-dev-secret"`
	AdminToken string        `env:"READYCHECK_ADMIN_TOKEN"`
	TokenTTL   time.Duration `env:"READYCHECK_TOKEN_TTL" envDefault:"24h"`

	SummonTTL         time.Duration `env:"READYCHECK_SUMMON_TTL" envDefault:"60s"`
	TerminalRetention time.Duration `env:"READYCHECK_TERMINAL_RETENTION" envDefault:"1h"`
	SweepInterval     time.Duration `env:"READYCHECK_SWEEP_INTERVAL" envDefault:"2s"`
	TxAttempts        int           `env:"READYCHECK_TX_ATTEMPTS" envDefault:"32"`

	// Archive: both sinks are optional and disabled when unset.
	Archive ArchiveConfig `envPrefix:"ARCHIVE_S3_"`
}

type ArchiveConfig struct {
	Endpoint  string `env:"ENDPOINT"`
	Bucket    string `env:"BUCKET" envDefault:"readycheck-summons"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"true"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
}

func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.SummonTTL <= 0 {
		return Config{}, fmt.Errorf("READYCHECK_SUMMON_TTL must be positive, got %s", cfg.SummonTTL)
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("READYCHECK_SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.TxAttempts <= 0 {
		return Config{}, fmt.Errorf("READYCHECK_TX_ATTEMPTS must be positive, got %d", cfg.TxAttempts)
	}
	return cfg, nil
}
