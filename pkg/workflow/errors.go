package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// ErrorKind classifies a workflow error.
type ErrorKind string

const (
	// Validation errors. They abort a run before any node executes.
	KindEmptyGraph        ErrorKind = "empty_graph"
	KindCycleDetected     ErrorKind = "cycle_detected"
	KindNotConnectedGraph ErrorKind = "not_connected_graph"
	KindInputNotConnected ErrorKind = "input_not_connected"
	KindIncompatibleTypes ErrorKind = "incompatible_types"

	// Editing errors, returned by connector mutations.
	KindNameAlreadyUsed       ErrorKind = "name_already_used"
	KindUnmodifiableConnector ErrorKind = "unmodifiable_connector"

	// Execution errors. They fail a node and its downstream closure.
	KindFailedExecution    ErrorKind = "failed_execution"
	KindMissingOutputValue ErrorKind = "missing_output_value"
	KindWrongType          ErrorKind = "wrong_type"
	KindExecutionTimeout   ErrorKind = "execution_timeout"
	KindWorkflowCancelled  ErrorKind = "workflow_cancelled"
)

// Error is a structured workflow error. Errors are comparable values so
// that identical records collapse inside an Errors set.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Node is the node the error is attributed to, zero when none.
	Node NodeID `json:"node,omitempty"`

	// Input is the input connector involved, zero when none.
	Input ConnectorRef `json:"input,omitempty"`

	// Output is the output connector involved, zero when none.
	Output ConnectorRef `json:"output,omitempty"`

	// Name is the rejected connector name for name_already_used.
	Name string `json:"name,omitempty"`

	// Reason is the failure message for failed_execution.
	Reason string `json:"reason,omitempty"`

	// ActualType is the inferred type string for wrong_type.
	ActualType string `json:"actual_type,omitempty"`

	// ExpectedType is the declared type string for wrong_type.
	ExpectedType string `json:"expected_type,omitempty"`
}

// Error implements the error interface.
func (e Error) Error() string {
	switch e.Kind {
	case KindEmptyGraph:
		return "the workflow has no node"
	case KindCycleDetected:
		return "the workflow contains a cycle"
	case KindNotConnectedGraph:
		return "the workflow is not connected"
	case KindInputNotConnected:
		return fmt.Sprintf("input %s is not connected", e.Input)
	case KindIncompatibleTypes:
		return fmt.Sprintf("input %s cannot receive values from output %s", e.Input, e.Output)
	case KindNameAlreadyUsed:
		return fmt.Sprintf("name %q is already used on node %d", e.Name, e.Node)
	case KindUnmodifiableConnector:
		return fmt.Sprintf("connector %s cannot be modified", e.connector())
	case KindFailedExecution:
		return fmt.Sprintf("node %d failed: %s", e.Node, e.Reason)
	case KindMissingOutputValue:
		return fmt.Sprintf("node %d produced no value for output %s", e.Node, e.Output)
	case KindWrongType:
		return fmt.Sprintf("node %d produced %s for output %s declared as %s",
			e.Node, e.ActualType, e.Output, e.ExpectedType)
	case KindExecutionTimeout:
		return fmt.Sprintf("node %d timed out", e.Node)
	case KindWorkflowCancelled:
		return "the workflow execution was cancelled"
	}
	return string(e.Kind)
}

func (e Error) connector() ConnectorRef {
	if e.Input.IsZero() {
		return e.Output
	}
	return e.Input
}

// Is matches errors of the same kind, so errors.Is(err, Error{Kind: k})
// tests the classification.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// IsValidation reports whether the error comes from graph validation.
func (e Error) IsValidation() bool {
	switch e.Kind {
	case KindEmptyGraph, KindCycleDetected, KindNotConnectedGraph,
		KindInputNotConnected, KindIncompatibleTypes:
		return true
	}
	return false
}

// NewEmptyGraph reports a workflow without nodes.
func NewEmptyGraph() Error { return Error{Kind: KindEmptyGraph} }

// NewCycleDetected reports a cyclic workflow.
func NewCycleDetected() Error { return Error{Kind: KindCycleDetected} }

// NewNotConnectedGraph reports a workflow with several components.
func NewNotConnectedGraph() Error { return Error{Kind: KindNotConnectedGraph} }

// NewInputNotConnected reports a required input without a connection.
func NewInputNotConnected(input ConnectorRef) Error {
	return Error{Kind: KindInputNotConnected, Node: input.Node, Input: input}
}

// NewIncompatibleTypes reports an edge whose output type the input rejects.
func NewIncompatibleTypes(input, output ConnectorRef) Error {
	return Error{Kind: KindIncompatibleTypes, Node: input.Node, Input: input, Output: output}
}

// NewNameAlreadyUsed reports a duplicate sibling connector name.
func NewNameAlreadyUsed(node NodeID, name string) Error {
	return Error{Kind: KindNameAlreadyUsed, Node: node, Name: name}
}

// NewUnmodifiableConnector reports a change to a read-only or built-in
// connector.
func NewUnmodifiableConnector(ref ConnectorRef, dir Direction) Error {
	e := Error{Kind: KindUnmodifiableConnector, Node: ref.Node}
	if dir == DirectionInput {
		e.Input = ref
	} else {
		e.Output = ref
	}
	return e
}

// NewFailedExecution reports a node whose logic returned an error.
func NewFailedExecution(node NodeID, reason string) Error {
	if reason == "" {
		reason = "unknown error"
	}
	return Error{Kind: KindFailedExecution, Node: node, Reason: reason}
}

// NewMissingOutputValue reports an output left without a value.
func NewMissingOutputValue(output ConnectorRef) Error {
	return Error{Kind: KindMissingOutputValue, Node: output.Node, Output: output}
}

// NewWrongType reports an output value whose inferred type is not
// convertible to the declared one.
func NewWrongType(actual, expected fmt.Stringer, output ConnectorRef) Error {
	return Error{
		Kind:         KindWrongType,
		Node:         output.Node,
		Output:       output,
		ActualType:   actual.String(),
		ExpectedType: expected.String(),
	}
}

// NewExecutionTimeout reports a node that exceeded its timeout.
func NewExecutionTimeout(node NodeID) Error {
	return Error{Kind: KindExecutionTimeout, Node: node}
}

// NewWorkflowCancelled reports a run stopped on request.
func NewWorkflowCancelled() Error { return Error{Kind: KindWorkflowCancelled} }

// Errors is a deduplicating set of workflow errors, safe for concurrent
// use. Iteration follows insertion order.
type Errors struct {
	mu    sync.Mutex
	order []Error
	seen  map[Error]struct{}
}

// NewErrors creates a set holding errs.
func NewErrors(errs ...Error) *Errors {
	e := &Errors{seen: make(map[Error]struct{})}
	e.Add(errs...)
	return e
}

// Add inserts errors not already present.
func (e *Errors) Add(errs ...Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.seen == nil {
		e.seen = make(map[Error]struct{})
	}
	for _, err := range errs {
		if _, dup := e.seen[err]; dup {
			continue
		}
		e.seen[err] = struct{}{}
		e.order = append(e.order, err)
	}
}

// Merge adds every error of other.
func (e *Errors) Merge(other *Errors) {
	if other == nil || other == e {
		return
	}
	e.Add(other.List()...)
}

// List returns a copy of the errors.
func (e *Errors) List() []Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Error, len(e.order))
	copy(out, e.order)
	return out
}

// Len returns the number of distinct errors.
func (e *Errors) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// Empty reports whether the set has no errors.
func (e *Errors) Empty() bool {
	return e.Len() == 0
}

// Has reports whether an error of the given kind is present.
func (e *Errors) Has(kind ErrorKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, err := range e.order {
		if err.Kind == kind {
			return true
		}
	}
	return false
}

// Contains reports whether err itself is present.
func (e *Errors) Contains(err Error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.seen[err]
	return ok
}

// Clear removes every error.
func (e *Errors) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.order = nil
	e.seen = make(map[Error]struct{})
}

// Err joins the errors into a single error, or returns nil when empty.
func (e *Errors) Err() error {
	list := e.List()
	if len(list) == 0 {
		return nil
	}
	errs := make([]error, len(list))
	for i, err := range list {
		errs[i] = err
	}
	return errors.Join(errs...)
}
