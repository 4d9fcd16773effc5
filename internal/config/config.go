// Package config содержит логику чтения конфигурации сервиса совместных поездок.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/carpool/internal/model"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress         string        `env:"RUN_ADDRESS"`
	DatabaseURI        string        `env:"DATABASE_URI"`
	MongoURI           string        `env:"MONGO_URI"`
	MongoDatabase      string        `env:"MONGO_DATABASE"`
	AMQPURL            string        `env:"AMQP_URL"`
	JWTSecret          string        `env:"JWT_SECRET"`
	PlatformCommission int64         `env:"PLATFORM_COMMISSION"`
	SyncBatchSize      int           `env:"SYNC_BATCH_SIZE"`
	SyncInterval       time.Duration `env:"SYNC_INTERVAL"`
	LogLevel           string        `env:"LOG_LEVEL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменная окружения имеет приоритет над флагом.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "relational database URI, in-memory store if empty")
	flag.StringVar(&cfg.MongoURI, "m", "", "document store URI, in-memory mirror if empty")
	flag.StringVar(&cfg.MongoDatabase, "mdb", "carpool", "document store database name")
	flag.StringVar(&cfg.AMQPURL, "q", "", "RabbitMQ URL for ride change events")
	flag.StringVar(&cfg.JWTSecret, "s", "", "HS256 secret for bearer tokens")
	flag.Int64Var(&cfg.PlatformCommission, "c", 2, "platform commission per seat in credits")
	flag.IntVar(&cfg.SyncBatchSize, "b", 100, "rides per mirror sync page")
	flag.DurationVar(&cfg.SyncInterval, "i", 30*time.Second, "mirror sync interval")
	flag.StringVar(&cfg.LogLevel, "l", "info", "log level")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = "carpool"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.PlatformCommission < 0:
		return errors.New("platform commission must not be negative")
	case c.PlatformCommission > model.MaxCreditsPerSeat:
		return fmt.Errorf("platform commission must not exceed %d", model.MaxCreditsPerSeat)
	case c.SyncBatchSize <= 0:
		return errors.New("sync batch size must be positive")
	case c.SyncInterval <= 0:
		return errors.New("sync interval must be positive")
	}
	return nil
}
