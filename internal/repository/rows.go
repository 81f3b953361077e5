package repository

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/nadmax/taskstatus/internal/task"
)

const (
	taskColumns   = "id, owner_id, request_id, created_at"
	statusColumns = "id, task_id, created_at, state, phase, status, retryable"
	resultColumns = "id, task_id, body"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	if err := row.Scan(&t.ID, &t.OwnerID, &t.RequestID, &t.StartTime); err != nil {
		return nil, err
	}
	t.StartTime = t.StartTime.UTC()

	return &t, nil
}

func scanStatus(row rowScanner) (task.Status, error) {
	var s task.Status
	if err := row.Scan(&s.ID, &s.TaskID, &s.CreatedAt, &s.State, &s.Phase, &s.Message, &s.Retryable); err != nil {
		return task.Status{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()

	return s, nil
}

func scanResult(row rowScanner) (task.Result, error) {
	var r task.Result
	var body string
	if err := row.Scan(&r.ID, &r.TaskID, &body); err != nil {
		return task.Result{}, err
	}
	r.Body = jsontext.Value(body)

	return r, nil
}

func collect[T any](logger *slog.Logger, rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("failed to close rows", "error", err)
		}
	}()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}

	return out, rows.Err()
}

func collectIDs(logger *slog.Logger, rows *sql.Rows) ([]string, error) {
	return collect(logger, rows, func(row rowScanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}
