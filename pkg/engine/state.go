package engine

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a workflow run or of one node in it.
type State string

const (
	// StateIdle indicates nothing ran yet.
	StateIdle State = "IDLE"

	// StateRunning indicates execution is in progress.
	StateRunning State = "RUNNING"

	// StateFinished indicates execution completed successfully.
	StateFinished State = "FINISHED"

	// StateFailed indicates execution ended with errors.
	StateFailed State = "FAILED"
)

// IsTerminal returns true if the state is final for the current run.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateFailed
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateIdle, StateRunning, StateFinished, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}
