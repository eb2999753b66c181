package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openframebox/queuehub"
	"github.com/openframebox/queuehub/httpapi"
)

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}

	sugar, err := newSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"httpAddr", cfg.HTTPAddr,
		"metricsAddr", cfg.MetricsAddr,
		"provider", cfg.Provider.Type,
		"recordStore", storeKind(cfg.DatabaseDSN),
		"defaultMaxRetries", cfg.DefaultMaxRetries,
		"staticTokens", len(cfg.APITokens),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := queuehub.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := queuehub.NewProvider(cfg.Provider, sugar)
	if err != nil {
		return err
	}

	svc := queuehub.New(provider, store,
		queuehub.WithLogger(sugar),
		queuehub.WithMetrics(m),
		queuehub.WithDefaultMaxRetries(cfg.DefaultMaxRetries),
	)
	defer func() {
		if err := svc.Close(); err != nil {
			sugar.Warnw("failed to close queue service", "error", err)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue service: %w", err)
	}

	api := httpapi.New(svc, newAuthenticator(cfg, sugar), sugar)

	metricsServer := newMetricsServer(cfg.MetricsAddr, registry)
	metricsErrCh := metricsServer.Start()
	sugar.Infof("metrics server listening on %s/metrics", cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	sugar.Info("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}

	sugar.Info("shutdown complete")
	return err
}

// openStore opens the postgres record store, or an in-memory one when no DSN is set
func openStore(ctx context.Context, cfg *Config, sugar *zap.SugaredLogger) (queuehub.RecordStore, func(), error) {
	if cfg.DatabaseDSN == "" {
		sugar.Warn("DATABASE_DSN not set, message records are kept in memory")
		return queuehub.NewMemoryStore(), func() {}, nil
	}

	store, err := queuehub.OpenPostgresStore(ctx, cfg.DatabaseDSN, queuehub.WithStoreLogger(sugar))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
	}

	closeStore := func() {
		if err := store.Close(); err != nil {
			sugar.Warnw("failed to close record store", "error", err)
		}
	}
	return store, closeStore, nil
}

func newAuthenticator(cfg *Config, sugar *zap.SugaredLogger) httpapi.Authenticator {
	if len(cfg.APITokens) > 0 {
		sugar.Info("using static API tokens for authentication")
		return httpapi.NewStaticAuthenticator(cfg.APITokens...)
	}
	sugar.Infow("validating tokens with auth service", "url", cfg.AuthServiceURL)
	return httpapi.NewRemoteAuthenticator(cfg.AuthServiceURL, nil)
}

func storeKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}
