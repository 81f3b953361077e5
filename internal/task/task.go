// Package task defines the records tracked by the task status store: the task itself,
// its append-only status history and its opaque result payloads.
package task

import (
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type (
	Task struct {
		ID        string    `json:"id"`
		OwnerID   string    `json:"owner_id"`
		RequestID string    `json:"request_id"`
		StartTime time.Time `json:"start_time"`
	}

	Status struct {
		ID        string    `json:"id"`
		TaskID    string    `json:"task_id"`
		CreatedAt time.Time `json:"created_at"`
		State     State     `json:"state"`
		Phase     string    `json:"phase"`
		Message   string    `json:"status"`
		Retryable bool      `json:"retryable,omitempty"`
	}

	Result struct {
		ID     string         `json:"id"`
		TaskID string         `json:"task_id"`
		Body   jsontext.Value `json:"body"`
	}
)

// NewID returns a ULID: unique across instances and sortable by creation time.
func NewID() string {
	return ulid.Make().String()
}

// NewRequestID returns an idempotency key for callers that did not supply one.
func NewRequestID() string {
	return uuid.New().String()
}

func (s Status) IsCompleted() bool {
	return s.State.IsTerminal()
}

func (s Status) IsFailed() bool {
	return s.State == StateFailed
}

// Decode unmarshals the stored payload into v.
func (r Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// DisplayStatus is the read-only view of a status record handed to callers
// inspecting a task's history.
type DisplayStatus struct {
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	State     State     `json:"state"`
	Completed bool      `json:"completed"`
	Failed    bool      `json:"failed"`
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewDisplayStatus(s Status) DisplayStatus {
	return DisplayStatus{
		Phase:     s.Phase,
		Status:    s.Message,
		State:     s.State,
		Completed: s.IsCompleted(),
		Failed:    s.IsFailed(),
		Retryable: s.Retryable,
		Timestamp: s.CreatedAt,
	}
}

// TrimTerminal drops a trailing terminal record. That record is the task's current
// status, not a step on the way to it.
func TrimTerminal(records []Status) []Status {
	if n := len(records); n > 0 && records[n-1].State.IsTerminal() {
		return records[:n-1]
	}
	return records
}
