package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nadmax/taskstatus/internal/api"
	"github.com/nadmax/taskstatus/internal/cleanup"
	"github.com/nadmax/taskstatus/internal/config"
	"github.com/nadmax/taskstatus/internal/lock"
	"github.com/nadmax/taskstatus/internal/repository"
)

func main() {
	if err := run(); err != nil {
		slog.Error("taskstatusd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(ctx, cfg.DBDriver, cfg.DBDSN, cfg.OwnerID,
		repository.WithRetryPolicy(cfg.Retry),
		repository.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("failed to close task store", "error", err)
		}
	}()

	logger.Info("task store ready",
		"driver", cfg.DBDriver,
		"owner_id", cfg.OwnerID,
	)

	serverOpts := []api.Option{api.WithHealthCheck("database", repo)}
	agentOpts := []cleanup.Option{
		cleanup.WithInterval(cfg.CleanupInterval),
		cleanup.WithTTL(cfg.CleanupTTL),
		cleanup.WithLogger(logger),
	}

	if cfg.RedisAddr != "" {
		locker, err := lock.NewRedisLocker(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := locker.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		}()

		serverOpts = append(serverOpts, api.WithHealthCheck("redis", locker))
		agentOpts = append(agentOpts, cleanup.WithLocker(locker))
		logger.Info("cleanup lease enabled", "redis_addr", cfg.RedisAddr)
	}

	agent := cleanup.New(repo, agentOpts...)
	srv := api.NewServer(cfg.ListenAddr, logger, serverOpts...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		agent.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		startMetricsCollector(ctx, repo, logger)
	}()

	err = srv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ops server failed", "error", err)
	}

	stop()
	agent.Stop()
	wg.Wait()

	logger.Info("taskstatusd stopped")
	return err
}
