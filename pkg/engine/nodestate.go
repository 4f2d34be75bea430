package engine

import (
	"sync"
	"time"

	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// InputValue is what an input received during a run: a value, or the
// errors of a failed upstream node.
type InputValue struct {
	Value  types.Value
	Errors []workflow.Error
}

// Failed reports whether the input carries upstream errors.
func (v InputValue) Failed() bool {
	return len(v.Errors) > 0
}

// NodeState is the per-run state of one node.
type NodeState struct {
	// mu makes the ready check and the scheduling decision atomic against
	// concurrent producers.
	mu sync.Mutex

	node *workflow.Node

	state     State
	inputs    map[workflow.ConnectorID]InputValue
	outputs   workflow.Arguments
	errors    *workflow.Errors
	modified  bool
	scheduled bool
	cacheHit  bool

	startedAt  time.Time
	finishedAt time.Time
}

func newNodeState(n *workflow.Node) *NodeState {
	return &NodeState{
		node:   n,
		state:  StateIdle,
		inputs: make(map[workflow.ConnectorID]InputValue),
		errors: workflow.NewErrors(),
	}
}

// Node returns the node this state belongs to.
func (s *NodeState) Node() *workflow.Node { return s.node }

// State returns the lifecycle state.
func (s *NodeState) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState changes the lifecycle state.
func (s *NodeState) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *NodeState) setStateLocked(state State) {
	s.state = state
	switch state {
	case StateRunning:
		s.startedAt = time.Now()
	case StateFinished, StateFailed:
		s.finishedAt = time.Now()
	}
}

// IsModified reports whether the node changed since its last successful
// execution.
func (s *NodeState) IsModified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}

// SetModified raises or clears the modified flag.
func (s *NodeState) SetModified(modified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modified = modified
}

// IsReady reports whether every required input received something.
// Optional inputs are only waited for when they are connected.
func (s *NodeState) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReadyLocked()
}

func (s *NodeState) isReadyLocked() bool {
	for _, in := range s.node.Inputs() {
		if in.IsOptional() && !in.IsConnected() {
			continue
		}
		if _, ok := s.inputs[in.ID()]; !ok {
			return false
		}
	}
	return true
}

// ClearInputs forgets every received input.
func (s *NodeState) ClearInputs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearInputsLocked()
}

func (s *NodeState) clearInputsLocked() {
	s.inputs = make(map[workflow.ConnectorID]InputValue)
}

// reset prepares the state for a new run. The modified flag survives.
func (s *NodeState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.clearInputsLocked()
	s.outputs = nil
	s.errors = workflow.NewErrors()
	s.scheduled = false
	s.cacheHit = false
	s.startedAt = time.Time{}
	s.finishedAt = time.Time{}
}

// offer records a value for input id and reports whether the node became
// ready and was claimed for scheduling by this call.
func (s *NodeState) offer(id workflow.ConnectorID, v InputValue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[id] = v
	return s.claimLocked()
}

// claim marks the node as scheduled if it is ready and not scheduled yet.
func (s *NodeState) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked()
}

func (s *NodeState) claimLocked() bool {
	if s.scheduled || !s.isReadyLocked() {
		return false
	}
	s.scheduled = true
	return true
}

// collect returns the received values by input name and the merged
// upstream errors.
func (s *NodeState) collect() (workflow.Arguments, *workflow.Errors) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make(workflow.Arguments, len(s.inputs))
	errs := workflow.NewErrors()
	for _, in := range s.node.Inputs() {
		v, ok := s.inputs[in.ID()]
		if !ok {
			continue
		}
		if v.Failed() {
			errs.Add(v.Errors...)
			continue
		}
		args[in.Name()] = v.Value
	}
	return args, errs
}

func (s *NodeState) finish(outputs workflow.Arguments, cacheHit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = outputs
	s.cacheHit = cacheHit
	s.setStateLocked(StateFinished)
}

func (s *NodeState) fail(errs *workflow.Errors) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors.Merge(errs)
	s.setStateLocked(StateFailed)
}

// Outputs returns the values produced in the last run.
func (s *NodeState) Outputs() workflow.Arguments {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}

// Errors returns the errors of the last run.
func (s *NodeState) Errors() []workflow.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors.List()
}

// Snapshot returns a copy of the state for listeners and callers.
func (s *NodeState) Snapshot() NodeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := NodeSnapshot{
		ID:         s.node.ID(),
		Name:       s.node.Name(),
		Kind:       s.node.Kind(),
		State:      s.state,
		CacheHit:   s.cacheHit,
		Modified:   s.modified,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
		Errors:     s.errors.List(),
	}
	if s.outputs != nil {
		snap.Outputs = s.outputs.Clone()
	}
	return snap
}

// NodeSnapshot is a point-in-time copy of a NodeState.
type NodeSnapshot struct {
	ID         workflow.NodeID    `json:"id"`
	Name       string             `json:"name"`
	Kind       workflow.NodeKind  `json:"kind"`
	State      State              `json:"state"`
	CacheHit   bool               `json:"cache_hit"`
	Modified   bool               `json:"modified"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Outputs    workflow.Arguments `json:"-"`
	Errors     []workflow.Error   `json:"errors,omitempty"`
}

// Duration returns how long the node ran, zero unless it reached a terminal
// state after running.
func (n NodeSnapshot) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.FinishedAt.IsZero() {
		return 0
	}
	return n.FinishedAt.Sub(n.StartedAt)
}
