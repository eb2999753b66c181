package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "queued",
		Usage: "Provider-agnostic message queue service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file before reading configuration",
			},
		},
		Before: func(c *cli.Context) error {
			path := c.String("env-file")
			if path == "" {
				return nil
			}
			if err := godotenv.Load(path); err != nil {
				return fmt.Errorf("failed to load env file %s: %w", path, err)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Serve the queue HTTP API and metrics",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "migrate",
				Usage:  "Create or upgrade the queue_messages table",
				Flags:  migrateFlags(),
				Action: migrate,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
