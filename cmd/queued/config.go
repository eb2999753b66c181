package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/openframebox/queuehub"
)

// Config holds all configuration for the queued run command
type Config struct {
	Verbose bool

	// HTTP settings
	HTTPAddr       string
	AuthServiceURL string
	APITokens      []string

	// Record store settings
	DatabaseDSN string
	AutoMigrate bool

	// Queue settings
	DefaultMaxRetries int
	Provider          queuehub.ProviderConfig

	// Metrics settings
	MetricsAddr string
}

// buildConfig builds a Config from CLI flags and the provider environment
func buildConfig(c *cli.Context) (*Config, error) {
	provider, err := queuehub.LoadProviderConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:           c.Bool("verbose"),
		HTTPAddr:          c.String("http-addr"),
		AuthServiceURL:    c.String("auth-service-url"),
		APITokens:         splitTokens(c.StringSlice("api-tokens")),
		DatabaseDSN:       c.String("database-dsn"),
		AutoMigrate:       c.Bool("auto-migrate"),
		DefaultMaxRetries: c.Int("default-max-retries"),
		Provider:          provider,
		MetricsAddr:       c.String("metrics-addr"),
	}
	if cfg.DefaultMaxRetries <= 0 {
		return nil, fmt.Errorf("default-max-retries must be positive, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.HTTPAddr == "" {
		return nil, fmt.Errorf("http-addr is required")
	}
	return cfg, nil
}

// splitTokens flattens comma-separated values and drops blanks
func splitTokens(values []string) []string {
	var tokens []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}
