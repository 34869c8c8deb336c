// Package config содержит логику чтения конфигурации инвестиционного леджера.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	ApprovalChannelAddress string        `env:"APPROVAL_CHANNEL_ADDRESS"`
	AuthSecret             string        `env:"AUTH_SECRET"`
	LockTimeout            time.Duration `env:"LOCK_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envApprovalAddress := cfg.ApprovalChannelAddress
	envAuthSecret := cfg.AuthSecret
	envLockTimeout := cfg.LockTimeout

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ApprovalChannelAddress, "r", "", "approval channel address")
	flag.StringVar(&cfg.AuthSecret, "s", "invest-ledger-secret", "auth cookie signing secret")
	flag.DurationVar(&cfg.LockTimeout, "t", 3*time.Second, "account lock acquisition timeout")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envApprovalAddress != "" {
		cfg.ApprovalChannelAddress = envApprovalAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envLockTimeout != 0 {
		cfg.LockTimeout = envLockTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "invest-ledger-secret"
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}

	return cfg, nil
}
