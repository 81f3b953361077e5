package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/taskstatus/internal/metrics"
	"github.com/nadmax/taskstatus/internal/task"
)

const metricsInterval = 10 * time.Second

type runningLister interface {
	List(ctx context.Context) ([]*task.Task, error)
	ListByThisInstance(ctx context.Context) ([]*task.Task, error)
}

func startMetricsCollector(ctx context.Context, repo runningLister, logger *slog.Logger) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	updateRunningMetrics(ctx, repo, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateRunningMetrics(ctx, repo, logger)
		}
	}
}

func updateRunningMetrics(ctx context.Context, repo runningLister, logger *slog.Logger) {
	all, err := repo.List(ctx)
	if err != nil {
		logger.Warn("failed to list running tasks for metrics", "error", err)
		return
	}

	local, err := repo.ListByThisInstance(ctx)
	if err != nil {
		logger.Warn("failed to list local running tasks for metrics", "error", err)
		return
	}

	metrics.UpdateRunningTasks(len(all), len(local))
}
