// Package repository persists tasks, their append-only status history and their result
// payloads in a relational database shared by every service instance.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/nadmax/taskstatus/internal/task"
)

var (
	// ErrNotFound is returned when a task has no status records.
	ErrNotFound = errors.New("task not found")
	// ErrTaskNotUpdateable is returned when results are added to a task whose
	// current state is terminal.
	ErrTaskNotUpdateable = errors.New("task is not updateable")
)

// PurgeResult counts the rows removed by one cleanup sweep.
type PurgeResult struct {
	Tasks    int
	Statuses int
	Results  int
}

func (p PurgeResult) Empty() bool {
	return p.Tasks == 0 && p.Statuses == 0 && p.Results == 0
}

type TaskRepository interface {
	Create(ctx context.Context, phase, message string) (*task.Task, error)
	CreateWithRequestID(ctx context.Context, phase, message, requestID string) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, bool, error)
	GetByClientRequestID(ctx context.Context, requestID string) (*task.Task, bool, error)
	List(ctx context.Context) ([]*task.Task, error)
	ListByThisInstance(ctx context.Context) ([]*task.Task, error)
	UpdateStatus(ctx context.Context, t *task.Task, phase, message string) error
	Complete(ctx context.Context, t *task.Task) error
	Fail(ctx context.Context, t *task.Task) error
	FailRetryable(ctx context.Context, t *task.Task) error
	CurrentStatus(ctx context.Context, t *task.Task) (*task.Status, error)
	AddResultObjects(ctx context.Context, t *task.Task, results []any) error
	GetResultObjects(ctx context.Context, t *task.Task) ([]task.Result, error)
	GetStatusRecords(ctx context.Context, t *task.Task) ([]task.Status, error)
	GetHistory(ctx context.Context, t *task.Task) ([]task.Status, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error)
	Ping(ctx context.Context) error
	Close() error
}

func duplicateMessage(requestID string) string {
	return "Duplicate of " + requestID
}
