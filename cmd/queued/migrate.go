package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/openframebox/queuehub"
)

func migrate(c *cli.Context) error {
	sugar, err := newSugaredLogger(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	store, err := queuehub.OpenPostgresStore(c.Context, c.String("database-dsn"), queuehub.WithStoreLogger(sugar))
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(c.Context); err != nil {
		return err
	}
	sugar.Info("queue_messages table is up to date")
	return nil
}
