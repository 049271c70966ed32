package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel       zapcore.Level `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool          `env:"LOG_DEVELOPMENT" envDefault:"false"`

	Store       string `env:"STORE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	SessionSecret  string        `env:"SESSION_SECRET,required"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	VoteDuration time.Duration `env:"VOTE_DURATION" envDefault:"60s"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	MaxRounds    int           `env:"MAX_ROUNDS" envDefault:"3"`
	CatalogPath  string        `env:"CATALOG_PATH"`
}

// Load reads an optional .env file, then the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("STORE=postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE %q (want %s or %s)", c.Store, StoreMemory, StorePostgres)
	}
	if c.MaxRounds < 1 {
		return fmt.Errorf("MAX_ROUNDS must be at least 1, got %d", c.MaxRounds)
	}
	if c.VoteDuration <= 0 || c.TickInterval <= 0 || c.SessionTTL <= 0 {
		return errors.New("VOTE_DURATION, TICK_INTERVAL and SESSION_TTL must be positive")
	}
	return nil
}
