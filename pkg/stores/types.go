package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/flowgraph/pkg/cache"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// IsTerminal reports whether the run has ended.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one execution of a workflow
type Run struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        *string    `json:"error,omitempty"` // summary of the run errors
	ErrorCount   int        `json:"error_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RunEvent represents an append-only event of a run
type RunEvent struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	NodeID    *int64     `json:"node_id,omitempty"`
	NodeName  *string    `json:"node_name,omitempty"`
	State     *string    `json:"state,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer. It doubles as a
// cache backend.
type Store interface {
	cache.Store

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string, errorCount int) error
	ListRuns(ctx context.Context, workflowID *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, runID string, level *EventLevel, limit, offset int) ([]*RunEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
