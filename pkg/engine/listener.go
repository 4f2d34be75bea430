package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// RunInfo identifies one execution of a workflow.
type RunInfo struct {
	// ID is unique per run.
	ID string `json:"id"`

	// WorkflowID is the UUID of the executed workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// WorkflowName is the name of the executed workflow.
	WorkflowName string `json:"workflow_name"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`
}

// Listener observes executions. Methods are called from executor
// goroutines and must be safe for concurrent use.
type Listener interface {
	// WorkflowStateChanged is called when the run changes state. errs holds
	// the accumulated errors once the state is terminal.
	WorkflowStateChanged(run RunInfo, state State, errs []workflow.Error)

	// NodeStateChanged is called after every node transition.
	NodeStateChanged(run RunInfo, node NodeSnapshot)

	// LogLine forwards one line of node output, prefixed with the node name.
	LogLine(run RunInfo, line string)

	// LogCleared is called when a new run discards the previous log.
	LogCleared(run RunInfo)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) WorkflowStateChanged(RunInfo, State, []workflow.Error) {}
func (NopListener) NodeStateChanged(RunInfo, NodeSnapshot)                 {}
func (NopListener) LogLine(RunInfo, string)                                {}
func (NopListener) LogCleared(RunInfo)                                     {}

// Listeners fans notifications out in order.
type Listeners []Listener

func (ls Listeners) WorkflowStateChanged(run RunInfo, state State, errs []workflow.Error) {
	for _, l := range ls {
		l.WorkflowStateChanged(run, state, errs)
	}
}

func (ls Listeners) NodeStateChanged(run RunInfo, node NodeSnapshot) {
	for _, l := range ls {
		l.NodeStateChanged(run, node)
	}
}

func (ls Listeners) LogLine(run RunInfo, line string) {
	for _, l := range ls {
		l.LogLine(run, line)
	}
}

func (ls Listeners) LogCleared(run RunInfo) {
	for _, l := range ls {
		l.LogCleared(run)
	}
}
