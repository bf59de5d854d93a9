package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"syndicate/pkg/api"
	"syndicate/pkg/bus"
	"syndicate/pkg/config"
	"syndicate/pkg/federation"
	"syndicate/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the syndicate daemon",
		Long:  `Start the federation engine and its HTTP API for this site.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			path := configFile
			if path == "" {
				if _, err := os.Stat(config.DefaultPath()); err == nil {
					path = config.DefaultPath()
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			return runDaemon(cfg, logger)
		},
	}
}

func runDaemon(cfg *config.Config, logger *zap.Logger) error {
	local, err := federation.ParseAddress(cfg.Site.Address)
	if err != nil {
		return fmt.Errorf("site address: %w", err)
	}

	fabric, err := openFabric(cfg, local.String(), logger)
	if err != nil {
		return err
	}
	defer fabric.Close()

	b, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	if b != nil {
		defer b.Close()
	}

	registry := prometheus.NewRegistry()

	svc, err := federation.New(federation.Options{
		Local:          local,
		DisplayName:    cfg.Site.DisplayName,
		Strategy:       cfg.Federation.Strategy,
		Fabric:         fabric,
		Bus:            b,
		Registry:       registry,
		ReconcileBatch: cfg.Federation.ReconcileBatch,
		Sessions: federation.SessionSettings{
			ConnectTimeout:  config.ParseDuration(cfg.Federation.ConnectTimeout, 0),
			ConnectAttempts: cfg.Federation.ConnectAttempts,
			BackgroundRetry: config.ParseDuration(cfg.Federation.BackgroundRetry, 0),
			IdleThreshold:   config.ParseDuration(cfg.Federation.IdleThreshold, 0),
			HealthInterval:  config.ParseDuration(cfg.Federation.HealthInterval, 0),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build federation service: %w", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	err = svc.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start federation service: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: api.NewServer(svc, logger, registry).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Starting syndicate daemon",
		zap.String("site", local.String()),
		zap.String("strategy", cfg.Federation.Strategy),
		zap.String("http", cfg.HTTP.Address))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := svc.Stop(ctx); err != nil {
		logger.Warn("Federation shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}

func openFabric(cfg *config.Config, local string, logger *zap.Logger) (store.Fabric, error) {
	if cfg.Storage.InMemory {
		return store.NewMemoryFabric(local, logger), nil
	}
	opts := store.DefaultBadgerOptions(cfg.Storage.DataDir)
	opts.Logger = logger
	fabric, err := store.OpenBadgerFabric(local, opts)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return fabric, nil
}

// openBus connects the message bus when the configuration calls for one:
// etcd when endpoints are set, the in-process bus for bus-strategy runs
// without a cluster. Other strategies run without a bus and skip announcing.
func openBus(cfg *config.Config, logger *zap.Logger) (bus.Bus, error) {
	if len(cfg.Bus.Endpoints) > 0 {
		eb, err := bus.NewEtcdBus(bus.EtcdBusOptions{
			Endpoints: cfg.Bus.Endpoints,
			Namespace: cfg.Bus.Namespace,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		return eb, nil
	}
	if cfg.Federation.Strategy == "bus" {
		return bus.NewMemoryBus(logger), nil
	}
	return nil, nil
}
