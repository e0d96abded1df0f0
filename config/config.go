// Package config loads process configuration from the environment.
//
// Values come from BLOODBANK_* variables. A .env file in the working
// directory is read first when present; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/warp/bloodbank/allocation"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr      string        `env:"BLOODBANK_HTTP_ADDR"     envDefault:":8080"`
	DBDriver      string        `env:"BLOODBANK_DB_DRIVER"     envDefault:"sqlite"`
	DatabaseURL   string        `env:"BLOODBANK_DATABASE_URL"  envDefault:"bloodbank.db"`
	SweepInterval time.Duration `env:"BLOODBANK_SWEEP_INTERVAL" envDefault:"1m"`

	CooldownDays    int  `env:"BLOODBANK_COOLDOWN_DAYS"     envDefault:"56"`
	StrikeThreshold int  `env:"BLOODBANK_STRIKE_THRESHOLD"  envDefault:"3"`
	BanDays         int  `env:"BLOODBANK_BAN_DAYS"          envDefault:"90"`
	BanBlocksCancel bool `env:"BLOODBANK_BAN_BLOCKS_CANCEL" envDefault:"true"`

	JWTSecret string `env:"BLOODBANK_JWT_SECRET"`

	RedisURL     string   `env:"BLOODBANK_REDIS_URL"`
	KafkaBrokers []string `env:"BLOODBANK_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"BLOODBANK_KAFKA_TOPIC"   envDefault:"bloodbank.events"`
	KafkaGroup   string   `env:"BLOODBANK_KAFKA_GROUP"   envDefault:"bloodbank-notifier"`

	LogLevel  string `env:"BLOODBANK_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"BLOODBANK_LOG_FORMAT" envDefault:"json"`

	CORSOrigins      []string `env:"BLOODBANK_CORS_ORIGINS"      envSeparator:"," envDefault:"*"`
	ScenariosEnabled bool     `env:"BLOODBANK_SCENARIOS_ENABLED" envDefault:"false"`
}

// Load reads .env (if any) and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("BLOODBANK_DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("BLOODBANK_DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("BLOODBANK_JWT_SECRET is required"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("BLOODBANK_SWEEP_INTERVAL must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("BLOODBANK_KAFKA_TOPIC is required with BLOODBANK_KAFKA_BROKERS"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy converts the day counts into the allocation policy.
func (c Config) Policy() allocation.Policy {
	const day = 24 * time.Hour
	return allocation.Policy{
		CooldownPeriod:  time.Duration(c.CooldownDays) * day,
		StrikeThreshold: c.StrikeThreshold,
		BanDuration:     time.Duration(c.BanDays) * day,
		BanBlocksCancel: c.BanBlocksCancel,
	}
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
