// Package handle provides TaskHandle, the object an executor holds while it drives a
// task. Results and history are cached and reloaded only after the handle itself wrote.
package handle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/taskstatus/internal/repository"
	"github.com/nadmax/taskstatus/internal/task"
)

type TaskHandle struct {
	task *task.Task
	repo repository.TaskRepository

	mu           sync.Mutex
	resultsDirty atomic.Bool
	historyDirty atomic.Bool
	results      []task.Result
	history      []task.Status
}

// New wraps t. Both caches start dirty so the first read goes to the store. Writes
// mark a cache dirty once they return, so a read racing a write reloads afterwards.
func New(repo repository.TaskRepository, t *task.Task) *TaskHandle {
	h := &TaskHandle{task: t, repo: repo}
	h.resultsDirty.Store(true)
	h.historyDirty.Store(true)

	return h
}

func Create(ctx context.Context, repo repository.TaskRepository, phase, message string) (*TaskHandle, error) {
	t, err := repo.Create(ctx, phase, message)
	if err != nil {
		return nil, err
	}

	return New(repo, t), nil
}

// CreateWithRequestID returns a handle on the task owning requestID, creating it if needed.
func CreateWithRequestID(ctx context.Context, repo repository.TaskRepository, phase, message, requestID string) (*TaskHandle, error) {
	t, err := repo.CreateWithRequestID(ctx, phase, message, requestID)
	if err != nil {
		return nil, err
	}

	return New(repo, t), nil
}

func Get(ctx context.Context, repo repository.TaskRepository, id string) (*TaskHandle, bool, error) {
	t, ok, err := repo.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}

	return New(repo, t), true, nil
}

func GetByClientRequestID(ctx context.Context, repo repository.TaskRepository, requestID string) (*TaskHandle, bool, error) {
	t, ok, err := repo.GetByClientRequestID(ctx, requestID)
	if err != nil || !ok {
		return nil, false, err
	}

	return New(repo, t), true, nil
}

func (h *TaskHandle) ID() string {
	return h.task.ID
}

func (h *TaskHandle) OwnerID() string {
	return h.task.OwnerID
}

func (h *TaskHandle) RequestID() string {
	return h.task.RequestID
}

func (h *TaskHandle) StartTime() time.Time {
	return h.task.StartTime
}

func (h *TaskHandle) Task() task.Task {
	return *h.task
}

func (h *TaskHandle) ResultObjects(ctx context.Context) ([]task.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.resultsDirty.CompareAndSwap(true, false) {
		results, err := h.repo.GetResultObjects(ctx, h.task)
		if err != nil {
			h.resultsDirty.Store(true)
			return nil, err
		}
		h.results = results
	}

	return append([]task.Result(nil), h.results...), nil
}

func (h *TaskHandle) AddResultObjects(ctx context.Context, results ...any) error {
	if len(results) == 0 {
		return nil
	}

	err := h.repo.AddResultObjects(ctx, h.task, results)
	h.resultsDirty.Store(true)
	return err
}

// History returns the steps taken so far, without the terminal record once the task
// has finished.
func (h *TaskHandle) History(ctx context.Context) ([]task.DisplayStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.historyDirty.CompareAndSwap(true, false) {
		records, err := h.repo.GetStatusRecords(ctx, h.task)
		if err != nil {
			h.historyDirty.Store(true)
			return nil, err
		}
		h.history = records
	}

	trimmed := task.TrimTerminal(h.history)
	out := make([]task.DisplayStatus, 0, len(trimmed))
	for _, s := range trimmed {
		out = append(out, task.NewDisplayStatus(s))
	}

	return out, nil
}

func (h *TaskHandle) UpdateStatus(ctx context.Context, phase, message string) error {
	err := h.repo.UpdateStatus(ctx, h.task, phase, message)
	h.historyDirty.Store(true)
	return err
}

func (h *TaskHandle) Complete(ctx context.Context) error {
	err := h.repo.Complete(ctx, h.task)
	h.historyDirty.Store(true)
	return err
}

func (h *TaskHandle) Fail(ctx context.Context) error {
	err := h.repo.Fail(ctx, h.task)
	h.historyDirty.Store(true)
	return err
}

func (h *TaskHandle) FailRetryable(ctx context.Context) error {
	err := h.repo.FailRetryable(ctx, h.task)
	h.historyDirty.Store(true)
	return err
}

// Status always reads from the store; another instance may have moved the task on.
func (h *TaskHandle) Status(ctx context.Context) (task.DisplayStatus, error) {
	s, err := h.repo.CurrentStatus(ctx, h.task)
	if err != nil {
		return task.DisplayStatus{}, err
	}

	return task.NewDisplayStatus(*s), nil
}
