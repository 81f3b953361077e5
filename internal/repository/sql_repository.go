package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/taskstatus/internal/codec"
	"github.com/nadmax/taskstatus/internal/database"
	"github.com/nadmax/taskstatus/internal/metrics"
	"github.com/nadmax/taskstatus/internal/task"
)

// Deletes are issued in chunks to stay under driver bind-parameter limits.
const purgeChunkSize = 500

// Compile-time interface satisfaction check.
var _ TaskRepository = (*SQLTaskRepository)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLTaskRepository implements TaskRepository on Postgres or SQLite. Every row it
// writes is an insert; current state is always derived from the newest status row.
type SQLTaskRepository struct {
	db      *sql.DB
	dialect database.Dialect
	ownerID string
	retry   database.RetryPolicy
	codec   codec.Codec
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*SQLTaskRepository)

func WithRetryPolicy(p database.RetryPolicy) Option {
	return func(r *SQLTaskRepository) { r.retry = p }
}

func WithCodec(c codec.Codec) Option {
	return func(r *SQLTaskRepository) { r.codec = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *SQLTaskRepository) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *SQLTaskRepository) { r.now = now }
}

// NewSQLTaskRepository wraps an open database. ownerID identifies this instance and
// stamps every task it creates.
func NewSQLTaskRepository(db *sql.DB, dialect database.Dialect, ownerID string, opts ...Option) *SQLTaskRepository {
	r := &SQLTaskRepository{
		db:      db,
		dialect: dialect,
		ownerID: ownerID,
		retry:   database.DefaultRetryPolicy(),
		codec:   codec.JSON{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Open connects to the database and makes sure the schema exists.
func Open(ctx context.Context, driver, dsn, ownerID string, opts ...Option) (*SQLTaskRepository, error) {
	db, dialect, err := database.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}

	r := NewSQLTaskRepository(db, dialect, ownerID, opts...)
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}

func (r *SQLTaskRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLTaskRepository) OwnerID() string {
	return r.ownerID
}

func (r *SQLTaskRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLTaskRepository) Close() error {
	return r.db.Close()
}

func (r *SQLTaskRepository) Create(ctx context.Context, phase, message string) (*task.Task, error) {
	return r.CreateWithRequestID(ctx, phase, message, task.NewRequestID())
}

// CreateWithRequestID creates a task unless one already exists for requestID. In that
// case the existing task is returned and gains a FAILED record naming the duplicate.
func (r *SQLTaskRepository) CreateWithRequestID(ctx context.Context, phase, message, requestID string) (t *task.Task, err error) {
	defer r.observe("create", time.Now(), &err)

	t, duplicate, err := r.create(ctx, phase, message, requestID)
	if database.IsUniqueViolation(err) {
		// A concurrent create committed first; running again takes the duplicate path.
		t, duplicate, err = r.create(ctx, phase, message, requestID)
	}
	if err != nil {
		return nil, err
	}

	if duplicate {
		metrics.RecordDuplicateRequest()
	} else {
		metrics.RecordTaskCreated()
	}

	return t, nil
}

func (r *SQLTaskRepository) create(ctx context.Context, phase, message, requestID string) (*task.Task, bool, error) {
	var (
		result    *task.Task
		duplicate bool
	)

	err := database.Transactional(ctx, r.db, r.retry, func(tx *sql.Tx) error {
		result, duplicate = nil, false

		existing, err := r.taskBy(ctx, tx, "request_id", requestID)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		if existing != nil {
			result, duplicate = existing, true
			return r.insertStatus(ctx, tx, task.Status{
				ID:        task.NewID(),
				TaskID:    existing.ID,
				CreatedAt: now,
				State:     task.StateFailed,
				Phase:     phase,
				Message:   duplicateMessage(requestID),
			})
		}

		t := &task.Task{
			ID:        task.NewID(),
			OwnerID:   r.ownerID,
			RequestID: requestID,
			StartTime: now,
		}
		if _, err := tx.ExecContext(ctx,
			r.q(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?)`),
			t.ID, t.OwnerID, t.RequestID, t.StartTime,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if err := r.insertStatus(ctx, tx, task.Status{
			ID:        task.NewID(),
			TaskID:    t.ID,
			CreatedAt: now,
			State:     task.StateStarted,
			Phase:     phase,
			Message:   message,
		}); err != nil {
			return err
		}

		result = t
		return nil
	})

	return result, duplicate, err
}

// Get returns the task with id. A missing task is reported by ok == false.
func (r *SQLTaskRepository) Get(ctx context.Context, id string) (t *task.Task, ok bool, err error) {
	defer r.observe("get", time.Now(), &err)

	err = database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		t, err = r.taskBy(ctx, r.db, "id", id)
		return err
	})

	return t, t != nil, err
}

func (r *SQLTaskRepository) GetByClientRequestID(ctx context.Context, requestID string) (t *task.Task, ok bool, err error) {
	defer r.observe("get_by_request_id", time.Now(), &err)

	err = database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		t, err = r.taskBy(ctx, r.db, "request_id", requestID)
		return err
	})

	return t, t != nil, err
}

// List returns every task whose newest status is STARTED, whichever instance owns it.
func (r *SQLTaskRepository) List(ctx context.Context) (tasks []*task.Task, err error) {
	defer r.observe("list", time.Now(), &err)
	return r.running(ctx, nil)
}

// ListByThisInstance returns the running tasks owned by this instance.
func (r *SQLTaskRepository) ListByThisInstance(ctx context.Context) (tasks []*task.Task, err error) {
	defer r.observe("list_by_instance", time.Now(), &err)
	return r.running(ctx, &r.ownerID)
}

func (r *SQLTaskRepository) running(ctx context.Context, ownerID *string) ([]*task.Task, error) {
	query := `
		SELECT t.id, t.owner_id, t.request_id, t.created_at
		FROM tasks t
		JOIN (
			SELECT task_id, state,
				ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY created_at DESC, id DESC) AS rn
			FROM task_states
		) latest ON latest.task_id = t.id AND latest.rn = 1
		WHERE latest.state = ?`
	args := []any{task.StateStarted}
	if ownerID != nil {
		query += ` AND t.owner_id = ?`
		args = append(args, *ownerID)
	}
	query += ` ORDER BY t.id`

	var tasks []*task.Task
	err := database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, r.q(query), args...)
		if err != nil {
			return fmt.Errorf("list running tasks: %w", err)
		}
		tasks, err = collect(r.logger, rows, scanTask)
		return err
	})

	return tasks, err
}

// UpdateStatus records progress on a running task.
func (r *SQLTaskRepository) UpdateStatus(ctx context.Context, t *task.Task, phase, message string) (err error) {
	defer r.observe("update_status", time.Now(), &err)

	status := task.Status{
		ID:        task.NewID(),
		TaskID:    t.ID,
		CreatedAt: r.now().UTC(),
		State:     task.StateStarted,
		Phase:     phase,
		Message:   message,
	}

	return database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		return r.insertStatus(ctx, r.db, status)
	})
}

func (r *SQLTaskRepository) Complete(ctx context.Context, t *task.Task) (err error) {
	defer r.observe("complete", time.Now(), &err)
	return r.transition(ctx, t, task.StateCompleted, false)
}

func (r *SQLTaskRepository) Fail(ctx context.Context, t *task.Task) (err error) {
	defer r.observe("fail", time.Now(), &err)
	return r.transition(ctx, t, task.StateFailed, false)
}

// FailRetryable marks the task FAILED and flags the failure as safe to retry.
func (r *SQLTaskRepository) FailRetryable(ctx context.Context, t *task.Task) (err error) {
	defer r.observe("fail", time.Now(), &err)
	return r.transition(ctx, t, task.StateFailed, true)
}

// transition appends a terminal record that carries the phase and message of the
// newest record forward.
func (r *SQLTaskRepository) transition(ctx context.Context, t *task.Task, state task.State, retryable bool) error {
	return database.Transactional(ctx, r.db, r.retry, func(tx *sql.Tx) error {
		if err := r.lockTask(ctx, tx, t.ID); err != nil {
			return err
		}
		latest, err := r.latestStatus(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}

		return r.insertStatus(ctx, tx, task.Status{
			ID:        task.NewID(),
			TaskID:    t.ID,
			CreatedAt: r.now().UTC(),
			State:     state,
			Phase:     latest.Phase,
			Message:   latest.Message,
			Retryable: retryable,
		})
	})
}

// CurrentStatus returns the newest status record of the task.
func (r *SQLTaskRepository) CurrentStatus(ctx context.Context, t *task.Task) (s *task.Status, err error) {
	defer r.observe("current_status", time.Now(), &err)

	err = database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		s, err = r.latestStatus(ctx, r.db, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}

	return s, nil
}

// AddResultObjects appends one result row per value. It fails with ErrTaskNotUpdateable
// once the task has reached a terminal state.
func (r *SQLTaskRepository) AddResultObjects(ctx context.Context, t *task.Task, results []any) (err error) {
	if len(results) == 0 {
		return nil
	}
	defer r.observe("add_results", time.Now(), &err)

	bodies := make([]string, 0, len(results))
	for i, result := range results {
		body, err := r.codec.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result %d: %w", i, err)
		}
		bodies = append(bodies, string(body))
	}

	return database.Transactional(ctx, r.db, r.retry, func(tx *sql.Tx) error {
		if err := r.lockTask(ctx, tx, t.ID); err != nil {
			return err
		}
		latest, err := r.latestStatus(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		if latest.State.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s", ErrTaskNotUpdateable, t.ID, latest.State)
		}

		for _, body := range bodies {
			if _, err := tx.ExecContext(ctx,
				r.q(`INSERT INTO task_results (`+resultColumns+`) VALUES (?, ?, ?)`),
				task.NewID(), t.ID, body,
			); err != nil {
				return fmt.Errorf("insert task result: %w", err)
			}
		}

		return nil
	})
}

func (r *SQLTaskRepository) GetResultObjects(ctx context.Context, t *task.Task) (results []task.Result, err error) {
	defer r.observe("get_results", time.Now(), &err)

	err = database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx,
			r.q(`SELECT `+resultColumns+` FROM task_results WHERE task_id = ? ORDER BY id`),
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("get task results: %w", err)
		}
		results, err = collect(r.logger, rows, scanResult)
		return err
	})

	return results, err
}

// GetStatusRecords returns the full status log of the task, oldest first.
func (r *SQLTaskRepository) GetStatusRecords(ctx context.Context, t *task.Task) (records []task.Status, err error) {
	defer r.observe("get_history", time.Now(), &err)

	err = database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx,
			r.q(`SELECT `+statusColumns+` FROM task_states WHERE task_id = ? ORDER BY created_at, id`),
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("get task states: %w", err)
		}
		records, err = collect(r.logger, rows, scanStatus)
		return err
	})

	return records, err
}

// GetHistory returns the steps that led to the current status. A trailing terminal
// record is the current status itself and is left out.
func (r *SQLTaskRepository) GetHistory(ctx context.Context, t *task.Task) ([]task.Status, error) {
	records, err := r.GetStatusRecords(ctx, t)
	if err != nil {
		return nil, err
	}

	return task.TrimTerminal(records), nil
}

// PurgeTerminalBefore deletes tasks whose newest status is terminal and older than
// cutoff, together with all their status and result rows. Candidates are locked and
// checked again inside the delete transaction, so a task that received a new status
// after the first scan is kept.
func (r *SQLTaskRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (res PurgeResult, err error) {
	defer r.observe("purge", time.Now(), &err)

	var candidates []string
	err = database.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		candidates, err = r.expiredTaskIDs(ctx, r.db, cutoff)
		return err
	})
	if err != nil || len(candidates) == 0 {
		return PurgeResult{}, err
	}

	err = database.Transactional(ctx, r.db, r.retry, func(tx *sql.Tx) error {
		res = PurgeResult{}

		if err := r.lockTasks(ctx, tx, candidates); err != nil {
			return err
		}
		expired, err := r.expiredTaskIDs(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		taskIDs := intersect(candidates, expired)
		if len(taskIDs) == 0 {
			return nil
		}
		resultIDs, err := r.resultIDs(ctx, tx, taskIDs)
		if err != nil {
			return err
		}

		for _, chunk := range chunks(resultIDs, purgeChunkSize) {
			n, err := r.deleteIn(ctx, tx, "task_results", "id", chunk)
			if err != nil {
				return err
			}
			res.Results += n
		}
		for _, chunk := range chunks(taskIDs, purgeChunkSize) {
			n, err := r.deleteIn(ctx, tx, "task_states", "task_id", chunk)
			if err != nil {
				return err
			}
			res.Statuses += n
		}
		for _, chunk := range chunks(taskIDs, purgeChunkSize) {
			n, err := r.deleteIn(ctx, tx, "tasks", "id", chunk)
			if err != nil {
				return err
			}
			res.Tasks += n
		}

		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}

	return res, nil
}

func (r *SQLTaskRepository) expiredTaskIDs(ctx context.Context, q querier, cutoff time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx, r.q(`
		SELECT latest.task_id
		FROM (
			SELECT task_id, state, created_at,
				ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY created_at DESC, id DESC) AS rn
			FROM task_states
		) latest
		WHERE latest.rn = 1 AND latest.state IN (?, ?) AND latest.created_at < ?
		ORDER BY latest.task_id`),
		task.StateCompleted, task.StateFailed, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("select expired task states: %w", err)
	}

	return collectIDs(r.logger, rows)
}

// lockTasks takes row locks on the given tasks in id order.
func (r *SQLTaskRepository) lockTasks(ctx context.Context, tx *sql.Tx, taskIDs []string) error {
	for _, chunk := range chunks(taskIDs, purgeChunkSize) {
		rows, err := tx.QueryContext(ctx,
			r.q(r.dialect.ForUpdate(`SELECT id FROM tasks WHERE id IN (`+database.Placeholders(len(chunk))+`) ORDER BY id`)),
			anySlice(chunk)...,
		)
		if err != nil {
			return fmt.Errorf("lock expired tasks: %w", err)
		}
		if _, err := collectIDs(r.logger, rows); err != nil {
			return err
		}
	}

	return nil
}

func (r *SQLTaskRepository) resultIDs(ctx context.Context, tx *sql.Tx, taskIDs []string) ([]string, error) {
	var out []string
	for _, chunk := range chunks(taskIDs, purgeChunkSize) {
		rows, err := tx.QueryContext(ctx,
			r.q(`SELECT id FROM task_results WHERE task_id IN (`+database.Placeholders(len(chunk))+`)`),
			anySlice(chunk)...,
		)
		if err != nil {
			return nil, fmt.Errorf("select expired task results: %w", err)
		}
		ids, err := collectIDs(r.logger, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}

	return out, nil
}

func (r *SQLTaskRepository) deleteIn(ctx context.Context, tx *sql.Tx, table, column string, ids []string) (int, error) {
	result, err := tx.ExecContext(ctx,
		r.q(`DELETE FROM `+table+` WHERE `+column+` IN (`+database.Placeholders(len(ids))+`)`),
		anySlice(ids)...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return int(n), nil
}

func (r *SQLTaskRepository) taskBy(ctx context.Context, q querier, column, value string) (*task.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx,
		r.q(`SELECT `+taskColumns+` FROM tasks WHERE `+column+` = ?`),
		value,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	return t, nil
}

// lockTask holds the task row until the transaction ends, so the newest-state check
// and the insert that follows it cannot interleave with another writer.
func (r *SQLTaskRepository) lockTask(ctx context.Context, q querier, taskID string) error {
	var id string
	err := q.QueryRowContext(ctx, r.q(r.dialect.ForUpdate(`SELECT id FROM tasks WHERE id = ?`)), taskID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}

	return nil
}

func (r *SQLTaskRepository) latestStatus(ctx context.Context, q querier, taskID string) (*task.Status, error) {
	s, err := scanStatus(q.QueryRowContext(ctx,
		r.q(`SELECT `+statusColumns+` FROM task_states WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`),
		taskID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest task state: %w", err)
	}

	return &s, nil
}

func (r *SQLTaskRepository) insertStatus(ctx context.Context, q querier, s task.Status) error {
	_, err := q.ExecContext(ctx,
		r.q(`INSERT INTO task_states (`+statusColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.TaskID, s.CreatedAt, s.State, s.Phase, s.Message, s.Retryable,
	)
	if err != nil {
		return fmt.Errorf("insert task state: %w", err)
	}

	return nil
}

func (r *SQLTaskRepository) q(query string) string {
	return r.dialect.Rebind(query)
}

func (r *SQLTaskRepository) observe(operation string, start time.Time, err *error) {
	metrics.RecordStoreOperation(operation, *err, time.Since(start))
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}

	return out
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}

	return out
}

// intersect keeps the ids of a that also appear in b, in the order of a.
func intersect(a, b []string) []string {
	keep := make(map[string]struct{}, len(b))
	for _, id := range b {
		keep[id] = struct{}{}
	}

	var out []string
	for _, id := range a {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}

	return out
}
