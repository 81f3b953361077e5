// Package cleanup runs the background sweep that deletes finished tasks once they have
// been terminal for longer than the retention window.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nadmax/taskstatus/internal/lock"
	"github.com/nadmax/taskstatus/internal/metrics"
	"github.com/nadmax/taskstatus/internal/repository"
)

const (
	LeaseKey = "taskstatus:cleanup"

	DefaultInterval = 5 * time.Minute
	DefaultTTL      = 24 * time.Hour
)

type Purger interface {
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (repository.PurgeResult, error)
}

type Agent struct {
	repo     Purger
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	locker   lock.Locker

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Agent)

func WithInterval(d time.Duration) Option {
	return func(a *Agent) { a.interval = d }
}

// WithTTL sets how long a task stays terminal before it is deleted.
func WithTTL(d time.Duration) Option {
	return func(a *Agent) { a.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithLocker makes each sweep conditional on holding the cluster lease, so only one
// instance sweeps per interval.
func WithLocker(l lock.Locker) Option {
	return func(a *Agent) { a.locker = l }
}

func New(repo Purger, opts ...Option) *Agent {
	a := &Agent{
		repo:     repo,
		interval: DefaultInterval,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Start sweeps once immediately and then on every interval tick. It blocks until Stop
// is called or ctx is done.
func (a *Agent) Start(ctx context.Context) {
	a.logger.Info("cleanup agent started", "interval", a.interval, "ttl", a.ttl)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.sweep(ctx)

		select {
		case <-a.stop:
			a.logger.Info("cleanup agent stopped")
			return
		case <-ctx.Done():
			a.logger.Info("cleanup agent stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// sweep runs one RunOnce for the loop. A panicking sweep is logged and counted as a
// failure so the next tick still runs.
func (a *Agent) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordCleanupFailure()
			a.logger.Error("cleanup sweep panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if _, err := a.RunOnce(ctx); err != nil {
		a.logger.Error("cleanup sweep failed", "error", err)
	}
}

// leaseTTL is a little shorter than the interval, so the holder's own lease has lapsed
// by its next tick even when the lease was taken some time after the previous one.
func (a *Agent) leaseTTL() time.Duration {
	return a.interval - a.interval/10
}

// RunOnce performs a single sweep. Failures are counted and returned; a tick skipped
// because another instance holds the lease is not an error.
func (a *Agent) RunOnce(ctx context.Context) (repository.PurgeResult, error) {
	var lease lock.Lease
	if a.locker != nil {
		var err error
		lease, err = a.locker.Acquire(ctx, LeaseKey, a.leaseTTL())
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.RecordCleanupSkipped()
			a.logger.Debug("cleanup lease held elsewhere, skipping sweep")
			return repository.PurgeResult{}, nil
		}
		if err != nil {
			metrics.RecordCleanupFailure()
			return repository.PurgeResult{}, err
		}
	}

	cutoff := a.now().Add(-a.ttl)
	start := time.Now()

	res, err := a.repo.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		metrics.RecordCleanupFailure()
		// Let another instance retry within this interval.
		if lease != nil {
			if relErr := lease.Release(ctx); relErr != nil {
				a.logger.Warn("failed to release cleanup lease", "error", relErr)
			}
		}
		return repository.PurgeResult{}, err
	}

	if res.Empty() {
		a.logger.Debug("no expired tasks", "cutoff", cutoff)
		return res, nil
	}

	metrics.RecordCleanup(res.Tasks, time.Since(start))
	a.logger.Info("deleted expired tasks",
		"tasks", res.Tasks,
		"statuses", res.Statuses,
		"results", res.Results,
		"cutoff", cutoff,
	)

	return res, nil
}
