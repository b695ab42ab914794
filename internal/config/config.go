// Package config содержит логику чтения конфигурации сервиса лояльности.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса лояльности.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	WebhookSecret       string `env:"WEBHOOK_SECRET"`
	PointsPerOrder      int64  `env:"POINTS_PER_ORDER"`
	PointsCurrencyRatio int64  `env:"POINTS_CURRENCY_RATIO"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWebhookSecret := cfg.WebhookSecret
	envPointsPerOrder := cfg.PointsPerOrder
	envRatio := cfg.PointsCurrencyRatio

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.WebhookSecret, "s", "", "shared secret for webhook signature verification")
	flag.Int64Var(&cfg.PointsPerOrder, "p", 0, "points awarded per order")
	flag.Int64Var(&cfg.PointsCurrencyRatio, "c", 0, "points to currency conversion ratio")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}
	if envPointsPerOrder != 0 {
		cfg.PointsPerOrder = envPointsPerOrder
	}
	if envRatio != 0 {
		cfg.PointsCurrencyRatio = envRatio
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "webhook_secret"
	}
	if cfg.PointsPerOrder <= 0 {
		cfg.PointsPerOrder = 50
	}
	if cfg.PointsCurrencyRatio <= 0 {
		cfg.PointsCurrencyRatio = 1
	}

	return cfg, nil
}
