package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a run.
	SeverityError Severity = "error"
)

// blocks reports whether violations of this severity deny the workflow.
func (s Severity) blocks() bool {
	return s == SeverityError
}

// Policy is a Rego module whose deny set lists the violations of a
// workflow.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the policy code.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string          `json:"policy"`
	Node     workflow.NodeID `json:"node,omitempty"`
	Message  string          `json:"message"`
	Severity Severity        `json:"severity"`
}

// String formats the violation for terminal output.
func (v Violation) String() string {
	if v.Node != 0 {
		return fmt.Sprintf("%s: node %d: %s (%s)", v.Policy, v.Node, v.Message, v.Severity)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Policy, v.Message, v.Severity)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	// Violations lists every denial, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the evaluated policies.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Err returns nil when the workflow is allowed, otherwise an error listing
// the blocking violations.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	var msgs []string
	for _, v := range r.Violations {
		if v.Severity.blocks() {
			msgs = append(msgs, v.String())
		}
	}
	return fmt.Errorf("workflow denied by policy: %s", strings.Join(msgs, "; "))
}

// Input is the document policies see as input.
type Input struct {
	Workflow WorkflowInput `json:"workflow"`
}

// WorkflowInput describes a workflow to Rego.
type WorkflowInput struct {
	UUID        string            `json:"uuid"`
	Name        string            `json:"name"`
	Nodes       []NodeInput       `json:"nodes"`
	Connections []ConnectionInput `json:"connections"`
}

// NodeInput describes one node. Timeout is in seconds.
type NodeInput struct {
	ID            workflow.NodeID   `json:"id"`
	Name          string            `json:"name"`
	Kind          workflow.NodeKind `json:"kind"`
	Deterministic bool              `json:"deterministic"`
	Timeout       float64           `json:"timeout"`
	Language      string            `json:"language,omitempty"`
	Inputs        []ConnectorInput  `json:"inputs"`
	Outputs       []ConnectorInput  `json:"outputs"`
}

// ConnectorInput describes one connector.
type ConnectorInput struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// ConnectionInput is one output to input connection as node.connector
// names.
type ConnectionInput struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewInput snapshots wf for evaluation.
func NewInput(wf *workflow.Workflow) *Input {
	in := &Input{Workflow: WorkflowInput{
		UUID:        wf.UUID().String(),
		Name:        wf.Name(),
		Nodes:       []NodeInput{},
		Connections: []ConnectionInput{},
	}}

	for _, n := range wf.Nodes() {
		node := NodeInput{
			ID:            n.ID(),
			Name:          n.Name(),
			Kind:          n.Kind(),
			Deterministic: n.IsDeterministic(),
			Timeout:       n.Timeout().Seconds(),
			Inputs:        []ConnectorInput{},
			Outputs:       []ConnectorInput{},
		}
		if n.Kind() == workflow.NodeCode {
			node.Language = n.Language()
		}
		for _, c := range n.Inputs() {
			node.Inputs = append(node.Inputs, ConnectorInput{Name: c.Name(), Type: c.Type().String(), Optional: c.IsOptional()})
		}
		for _, c := range n.Outputs() {
			node.Outputs = append(node.Outputs, ConnectorInput{Name: c.Name(), Type: c.Type().String()})
		}
		in.Workflow.Nodes = append(in.Workflow.Nodes, node)
	}

	for _, e := range wf.Edges() {
		in.Workflow.Connections = append(in.Workflow.Connections, ConnectionInput{
			From: connectorName(wf, e.From, workflow.DirectionOutput),
			To:   connectorName(wf, e.To, workflow.DirectionInput),
		})
	}
	return in
}

func connectorName(wf *workflow.Workflow, ref workflow.ConnectorRef, dir workflow.Direction) string {
	n, ok := wf.Node(ref.Node)
	if !ok {
		return ref.String()
	}
	if dir == workflow.DirectionOutput {
		if c, ok := n.Output(ref.Connector); ok {
			return fmt.Sprintf("%d.%s", ref.Node, c.Name())
		}
	} else if c, ok := n.Input(ref.Connector); ok {
		return fmt.Sprintf("%d.%s", ref.Node, c.Name())
	}
	return ref.String()
}
