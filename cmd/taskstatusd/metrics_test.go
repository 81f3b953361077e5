package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nadmax/taskstatus/internal/metrics"
	"github.com/nadmax/taskstatus/internal/repository"
	"github.com/nadmax/taskstatus/internal/task"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningGauge(t *testing.T, scope string) float64 {
	t.Helper()

	m := &dto.Metric{}
	require.NoError(t, metrics.TasksRunning.WithLabelValues(scope).Write(m))
	return m.Gauge.GetValue()
}

func TestUpdateRunningMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	repo := repository.NewMockTaskRepository("host-1")

	local, err := repo.Create(ctx, "INIT", "local")
	require.NoError(t, err)
	done, err := repo.Create(ctx, "INIT", "done")
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, done))

	repo.Tasks["remote"] = &task.Task{ID: "remote", OwnerID: "host-2", RequestID: "req-remote"}
	repo.Statuses["remote"] = []task.Status{{ID: "s", TaskID: "remote", State: task.StateStarted}}

	metrics.TasksRunning.Reset()
	updateRunningMetrics(ctx, repo, logger)

	assert.Equal(t, 2.0, runningGauge(t, "all"))
	assert.Equal(t, 1.0, runningGauge(t, "local"))

	require.NoError(t, repo.Fail(ctx, local))
	updateRunningMetrics(ctx, repo, logger)

	assert.Equal(t, 1.0, runningGauge(t, "all"))
	assert.Equal(t, 0.0, runningGauge(t, "local"))
}

func TestUpdateRunningMetricsKeepsLastValueOnError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	repo := repository.NewMockTaskRepository("host-1")

	_, err := repo.Create(ctx, "INIT", "local")
	require.NoError(t, err)

	metrics.TasksRunning.Reset()
	updateRunningMetrics(ctx, repo, logger)
	require.Equal(t, 1.0, runningGauge(t, "all"))

	repo.ListError = errors.New("database unavailable")
	updateRunningMetrics(ctx, repo, logger)

	assert.Equal(t, 1.0, runningGauge(t, "all"))
}

func TestStartMetricsCollectorStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		startMetricsCollector(ctx, repository.NewMockTaskRepository("host-1"), logger)
		close(done)
	}()

	<-done
}
