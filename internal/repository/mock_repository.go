package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/nadmax/taskstatus/internal/task"
)

// MockTaskRepository is an in-memory TaskRepository that records calls and can be
// told to fail. It keeps the same append-only semantics as SQLTaskRepository.
type MockTaskRepository struct {
	mu                    sync.Mutex
	OwnerID               string
	Tasks                 map[string]*task.Task
	Statuses              map[string][]task.Status
	Results               map[string][]task.Result
	CreateCalls           []CreateCall
	UpdateStatusCalls     []UpdateStatusCall
	CompleteCalls         []string
	FailCalls             []string
	CurrentStatusCalls    []string
	AddResultsCalls       []AddResultsCall
	GetResultsCalls       []string
	GetStatusRecordsCalls []string
	PurgeCalls            []time.Time
	CreateError           error
	GetError              error
	ListError             error
	UpdateError           error
	AddResultsError       error
	GetResultsError       error
	GetHistoryError       error
	PurgeError            error
	PingError             error
	Now                   func() time.Time
}

type CreateCall struct {
	Phase     string
	Message   string
	RequestID string
}

type UpdateStatusCall struct {
	TaskID  string
	Phase   string
	Message string
}

type AddResultsCall struct {
	TaskID  string
	Results []any
}

var _ TaskRepository = (*MockTaskRepository)(nil)

func NewMockTaskRepository(ownerID string) *MockTaskRepository {
	return &MockTaskRepository{
		OwnerID:  ownerID,
		Tasks:    make(map[string]*task.Task),
		Statuses: make(map[string][]task.Status),
		Results:  make(map[string][]task.Result),
		Now:      time.Now,
	}
}

func (m *MockTaskRepository) Create(ctx context.Context, phase, message string) (*task.Task, error) {
	return m.CreateWithRequestID(ctx, phase, message, task.NewRequestID())
}

func (m *MockTaskRepository) CreateWithRequestID(ctx context.Context, phase, message, requestID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = append(m.CreateCalls, CreateCall{Phase: phase, Message: message, RequestID: requestID})

	if m.CreateError != nil {
		return nil, m.CreateError
	}

	for _, t := range m.Tasks {
		if t.RequestID == requestID {
			m.appendStatus(t.ID, task.StateFailed, phase, duplicateMessage(requestID), false)
			taskCopy := *t
			return &taskCopy, nil
		}
	}

	t := &task.Task{
		ID:        task.NewID(),
		OwnerID:   m.OwnerID,
		RequestID: requestID,
		StartTime: m.Now().UTC(),
	}
	m.Tasks[t.ID] = t
	m.appendStatus(t.ID, task.StateStarted, phase, message, false)

	taskCopy := *t
	return &taskCopy, nil
}

func (m *MockTaskRepository) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetError != nil {
		return nil, false, m.GetError
	}

	t, exists := m.Tasks[id]
	if !exists {
		return nil, false, nil
	}

	taskCopy := *t
	return &taskCopy, true, nil
}

func (m *MockTaskRepository) GetByClientRequestID(ctx context.Context, requestID string) (*task.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetError != nil {
		return nil, false, m.GetError
	}

	for _, t := range m.Tasks {
		if t.RequestID == requestID {
			taskCopy := *t
			return &taskCopy, true, nil
		}
	}

	return nil, false, nil
}

func (m *MockTaskRepository) List(ctx context.Context) ([]*task.Task, error) {
	return m.running(false)
}

func (m *MockTaskRepository) ListByThisInstance(ctx context.Context) ([]*task.Task, error) {
	return m.running(true)
}

func (m *MockTaskRepository) running(localOnly bool) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListError != nil {
		return nil, m.ListError
	}

	var out []*task.Task
	for id, t := range m.Tasks {
		latest := m.latest(id)
		if latest == nil || latest.State != task.StateStarted {
			continue
		}
		if localOnly && t.OwnerID != m.OwnerID {
			continue
		}
		taskCopy := *t
		out = append(out, &taskCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *MockTaskRepository) UpdateStatus(ctx context.Context, t *task.Task, phase, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateStatusCalls = append(m.UpdateStatusCalls, UpdateStatusCall{TaskID: t.ID, Phase: phase, Message: message})

	if m.UpdateError != nil {
		return m.UpdateError
	}

	m.appendStatus(t.ID, task.StateStarted, phase, message, false)
	return nil
}

func (m *MockTaskRepository) Complete(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompleteCalls = append(m.CompleteCalls, t.ID)
	return m.transition(t.ID, task.StateCompleted, false)
}

func (m *MockTaskRepository) Fail(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailCalls = append(m.FailCalls, t.ID)
	return m.transition(t.ID, task.StateFailed, false)
}

func (m *MockTaskRepository) FailRetryable(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailCalls = append(m.FailCalls, t.ID)
	return m.transition(t.ID, task.StateFailed, true)
}

func (m *MockTaskRepository) transition(taskID string, state task.State, retryable bool) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}

	latest := m.latest(taskID)
	if latest == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	m.appendStatus(taskID, state, latest.Phase, latest.Message, retryable)
	return nil
}

func (m *MockTaskRepository) CurrentStatus(ctx context.Context, t *task.Task) (*task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CurrentStatusCalls = append(m.CurrentStatusCalls, t.ID)

	if m.GetError != nil {
		return nil, m.GetError
	}

	latest := m.latest(t.ID)
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}

	statusCopy := *latest
	return &statusCopy, nil
}

func (m *MockTaskRepository) AddResultObjects(ctx context.Context, t *task.Task, results []any) error {
	if len(results) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.AddResultsCalls = append(m.AddResultsCalls, AddResultsCall{TaskID: t.ID, Results: results})

	if m.AddResultsError != nil {
		return m.AddResultsError
	}

	latest := m.latest(t.ID)
	if latest == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	if latest.State.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTaskNotUpdateable, t.ID, latest.State)
	}

	for _, result := range results {
		body, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		m.Results[t.ID] = append(m.Results[t.ID], task.Result{ID: task.NewID(), TaskID: t.ID, Body: body})
	}

	return nil
}

func (m *MockTaskRepository) GetResultObjects(ctx context.Context, t *task.Task) ([]task.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetResultsCalls = append(m.GetResultsCalls, t.ID)

	if m.GetResultsError != nil {
		return nil, m.GetResultsError
	}

	return append([]task.Result(nil), m.Results[t.ID]...), nil
}

func (m *MockTaskRepository) GetStatusRecords(ctx context.Context, t *task.Task) ([]task.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetStatusRecordsCalls = append(m.GetStatusRecordsCalls, t.ID)

	if m.GetHistoryError != nil {
		return nil, m.GetHistoryError
	}

	return append([]task.Status(nil), m.Statuses[t.ID]...), nil
}

func (m *MockTaskRepository) GetHistory(ctx context.Context, t *task.Task) ([]task.Status, error) {
	records, err := m.GetStatusRecords(ctx, t)
	if err != nil {
		return nil, err
	}

	return task.TrimTerminal(records), nil
}

func (m *MockTaskRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PurgeCalls = append(m.PurgeCalls, cutoff)

	if m.PurgeError != nil {
		return PurgeResult{}, m.PurgeError
	}

	var res PurgeResult
	for id := range m.Tasks {
		latest := m.latest(id)
		if latest == nil || !latest.State.IsTerminal() || !latest.CreatedAt.Before(cutoff) {
			continue
		}
		res.Tasks++
		res.Statuses += len(m.Statuses[id])
		res.Results += len(m.Results[id])
		delete(m.Tasks, id)
		delete(m.Statuses, id)
		delete(m.Results, id)
	}

	return res, nil
}

func (m *MockTaskRepository) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.PingError
}

func (m *MockTaskRepository) Close() error {
	return nil
}

func (m *MockTaskRepository) appendStatus(taskID string, state task.State, phase, message string, retryable bool) {
	m.Statuses[taskID] = append(m.Statuses[taskID], task.Status{
		ID:        task.NewID(),
		TaskID:    taskID,
		CreatedAt: m.Now().UTC(),
		State:     state,
		Phase:     phase,
		Message:   message,
		Retryable: retryable,
	})
}

func (m *MockTaskRepository) latest(taskID string) *task.Status {
	records := m.Statuses[taskID]
	if len(records) == 0 {
		return nil
	}

	return &records[len(records)-1]
}

func (m *MockTaskRepository) GetCreateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CreateCalls)
}

func (m *MockTaskRepository) GetCurrentStatusCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.CurrentStatusCalls)
}

func (m *MockTaskRepository) GetResultsCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.GetResultsCalls)
}

func (m *MockTaskRepository) GetStatusRecordsCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.GetStatusRecordsCalls)
}

func (m *MockTaskRepository) GetPurgeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.PurgeCalls)
}

func (m *MockTaskRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls = nil
	m.UpdateStatusCalls = nil
	m.CompleteCalls = nil
	m.FailCalls = nil
	m.CurrentStatusCalls = nil
	m.AddResultsCalls = nil
	m.GetResultsCalls = nil
	m.GetStatusRecordsCalls = nil
	m.PurgeCalls = nil
}
