package main

import (
	"github.com/urfave/cli/v2"

	"github.com/openframebox/queuehub"
)

func verboseFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Enable verbose logging",
		EnvVars: []string{"VERBOSE"},
	}
}

func databaseDSNFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "database-dsn",
		Usage:   "Postgres DSN for the message record store; empty keeps records in memory",
		EnvVars: []string{"DATABASE_DSN"},
	}
}

// runFlags returns the flags of the run command
func runFlags() []cli.Flag {
	return []cli.Flag{
		verboseFlag(),
		databaseDSNFlag(),
		&cli.StringFlag{
			Name:    "http-addr",
			Usage:   "Address of the queue HTTP API",
			EnvVars: []string{"HTTP_ADDR"},
			Value:   ":3000",
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Address of the Prometheus metrics server",
			EnvVars: []string{"METRICS_ADDR"},
			Value:   ":9090",
		},
		&cli.BoolFlag{
			Name:    "auto-migrate",
			Usage:   "Migrate the record store schema on start",
			EnvVars: []string{"DATABASE_AUTO_MIGRATE"},
			Value:   true,
		},
		&cli.StringFlag{
			Name:    "auth-service-url",
			Usage:   "Base URL of the token validation service",
			EnvVars: []string{"AUTH_SERVICE_URL"},
			Value:   "http://auth-service:3000",
		},
		&cli.StringSliceFlag{
			Name:    "api-tokens",
			Usage:   "Static bearer tokens accepted instead of the auth service (comma-separated)",
			EnvVars: []string{"QUEUE_API_TOKENS"},
		},
		&cli.IntFlag{
			Name:    "default-max-retries",
			Usage:   "Retry budget for messages published without one",
			EnvVars: []string{"QUEUE_DEFAULT_MAX_RETRIES"},
			Value:   queuehub.DefaultMaxRetries,
		},
	}
}

// migrateFlags returns the flags of the migrate command
func migrateFlags() []cli.Flag {
	dsn := databaseDSNFlag().(*cli.StringFlag)
	dsn.Required = true
	return []cli.Flag{verboseFlag(), dsn}
}
