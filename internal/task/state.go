package task

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// State is the lifecycle state carried by a status record.
type State string

const (
	StateStarted   State = "STARTED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

var ErrUnknownState = errors.New("unknown task state")

// ParseState accepts only the three known states.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateStarted, StateCompleted, StateFailed:
		return State(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
}

// IsTerminal reports whether no further status records are expected.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

func (s State) Value() (driver.Value, error) {
	if _, err := ParseState(string(s)); err != nil {
		return nil, err
	}
	return string(s), nil
}

func (s *State) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrUnknownState, src)
	}

	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
