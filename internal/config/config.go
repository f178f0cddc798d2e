// Package config loads service settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/engine"
	"github.com/pnlbloom/pnl-engine/internal/funding"
)

type Config struct {
	Port       string `env:"PORT" envDefault:"8080"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`

	// Empty DATABASE_URL selects the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	// Empty NATS_URL disables the JetStream subscriber.
	NATSURL      string `env:"NATS_URL"`
	NATSStream   string `env:"NATS_STREAM" envDefault:"PNL_EVENTS"`
	NATSSubject  string `env:"NATS_SUBJECT" envDefault:"pnl.events.>"`
	NATSConsumer string `env:"NATS_CONSUMER" envDefault:"pnl-engine"`

	RecomputeInterval time.Duration `env:"RECOMPUTE_INTERVAL" envDefault:"5s"`
	RecomputeWorkers  int           `env:"RECOMPUTE_WORKERS" envDefault:"4"`
	DedupCacheSize    int64         `env:"DEDUP_CACHE_SIZE" envDefault:"100000"`

	DefaultLeverage decimal.Decimal `env:"DEFAULT_LEVERAGE" envDefault:"5"`
	MergeSameExit   bool            `env:"MERGE_SAME_EXIT" envDefault:"true"`
	FundingPolicy   funding.Policy  `env:"FUNDING_POLICY" envDefault:"day_overlap"`
}

// Load reads .env (if any) and parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if !c.DefaultLeverage.IsPositive() {
		return fmt.Errorf("DEFAULT_LEVERAGE must be positive, got %s", c.DefaultLeverage)
	}
	if c.RecomputeWorkers < 1 {
		return fmt.Errorf("RECOMPUTE_WORKERS must be at least 1, got %d", c.RecomputeWorkers)
	}
	if c.RecomputeInterval <= 0 {
		return fmt.Errorf("RECOMPUTE_INTERVAL must be positive, got %s", c.RecomputeInterval)
	}
	if _, err := funding.New(c.FundingPolicy, nil); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Engine returns the engine policy carried by the environment.
func (c Config) Engine() engine.Config {
	return engine.Config{
		DefaultLeverage: c.DefaultLeverage,
		MergeSameExit:   c.MergeSameExit,
		FundingPolicy:   c.FundingPolicy,
	}
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return l, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return l, nil
}
