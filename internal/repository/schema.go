package repository

import (
	"context"
	"fmt"
)

// EnsureSchema creates the task tables and indexes if they don't exist.
func (r *SQLTaskRepository) EnsureSchema(ctx context.Context) error {
	ts := r.dialect.TimestampType

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
    id         VARCHAR(26)  PRIMARY KEY,
    owner_id   VARCHAR(255) NOT NULL,
    request_id VARCHAR(255) NOT NULL,
    created_at ` + ts + ` NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tasks_request_id_idx ON tasks (request_id)`,
		`CREATE INDEX IF NOT EXISTS tasks_owner_id_idx ON tasks (owner_id)`,

		`CREATE TABLE IF NOT EXISTS task_states (
    id         VARCHAR(26) PRIMARY KEY,
    task_id    VARCHAR(26) NOT NULL REFERENCES tasks (id),
    created_at ` + ts + ` NOT NULL,
    state      VARCHAR(10) NOT NULL,
    phase      TEXT        NOT NULL,
    status     TEXT        NOT NULL,
    retryable  BOOLEAN     NOT NULL DEFAULT FALSE
)`,
		`CREATE INDEX IF NOT EXISTS task_states_task_id_idx ON task_states (task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS task_states_state_idx ON task_states (state, created_at)`,

		`CREATE TABLE IF NOT EXISTS task_results (
    id      VARCHAR(26) PRIMARY KEY,
    task_id VARCHAR(26) NOT NULL REFERENCES tasks (id),
    body    TEXT        NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS task_results_task_id_idx ON task_results (task_id)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}

	return nil
}
