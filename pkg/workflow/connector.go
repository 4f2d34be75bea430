package workflow

import (
	"fmt"

	"github.com/openfroyo/flowgraph/pkg/types"
)

// NodeID identifies a node inside its workflow. Ids start at 1; zero means
// "no node".
type NodeID int

// ConnectorID identifies a connector inside its node. Ids start at 1.
type ConnectorID int

// ConnectorRef is the identity of a connector: its node and its id.
type ConnectorRef struct {
	Node      NodeID      `json:"node"`
	Connector ConnectorID `json:"connector"`
}

// IsZero reports whether the reference is unset.
func (r ConnectorRef) IsZero() bool {
	return r.Node == 0 && r.Connector == 0
}

// String formats the reference as node.connector.
func (r ConnectorRef) String() string {
	return fmt.Sprintf("%d.%d", r.Node, r.Connector)
}

// Direction tells inputs and outputs apart.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// String returns "input" or "output".
func (d Direction) String() string {
	if d == DirectionInput {
		return "input"
	}
	return "output"
}

// Names of the built-in connectors.
const (
	FlowInputName   = "in"
	FlowOutputName  = "out"
	PrimitiveOutput = "output"
	FilePathInput   = "filePath"
	FileOutput      = "file"
)

// connector holds the attributes shared by both directions. Attributes are
// guarded by the owning workflow's lock.
type connector struct {
	node      *Node
	id        ConnectorID
	name      string
	typ       types.Type
	readOnly  bool
	removable bool
}

func (c *connector) ref() ConnectorRef {
	return ConnectorRef{Node: c.node.id, Connector: c.id}
}

// InputConnector receives at most one connection.
type InputConnector struct {
	connector
	optional bool
	source   ConnectorRef
}

// OutputConnector feeds any number of inputs.
type OutputConnector struct {
	connector
	targets []ConnectorRef
}

// ID returns the connector id.
func (c *InputConnector) ID() ConnectorID { return c.id }

// Ref returns the connector identity.
func (c *InputConnector) Ref() ConnectorRef { return c.ref() }

// Node returns the owning node.
func (c *InputConnector) Node() *Node { return c.node }

// Name returns the connector name.
func (c *InputConnector) Name() string {
	c.node.wf.mu.RLock()
	defer c.node.wf.mu.RUnlock()
	return c.name
}

// Type returns the declared type.
func (c *InputConnector) Type() types.Type {
	c.node.wf.mu.RLock()
	defer c.node.wf.mu.RUnlock()
	return c.typ
}

// IsOptional reports whether the node may run without this input.
func (c *InputConnector) IsOptional() bool {
	c.node.wf.mu.RLock()
	defer c.node.wf.mu.RUnlock()
	return c.optional
}

// IsReadOnly reports whether name and type are fixed.
func (c *InputConnector) IsReadOnly() bool { return c.readOnly }

// IsRemovable reports whether the connector may be removed from its node.
func (c *InputConnector) IsRemovable() bool { return c.removable }

// ConnectedTo returns the output feeding this input.
func (c *InputConnector) ConnectedTo() (*OutputConnector, bool) {
	wf := c.node.wf
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	if c.source.IsZero() {
		return nil, false
	}
	out := wf.outputLocked(c.source)
	return out, out != nil
}

// IsConnected reports whether an output feeds this input.
func (c *InputConnector) IsConnected() bool {
	c.node.wf.mu.RLock()
	defer c.node.wf.mu.RUnlock()
	return !c.source.IsZero()
}

// SetName renames the connector.
func (c *InputConnector) SetName(name string) error {
	return c.node.renameConnector(&c.connector, DirectionInput, name)
}

// SetType changes the declared type.
func (c *InputConnector) SetType(t types.Type) error {
	return c.node.retypeConnector(&c.connector, DirectionInput, t)
}

// SetOptional changes whether the input is required.
func (c *InputConnector) SetOptional(optional bool) error {
	wf := c.node.wf
	wf.mu.Lock()
	if c.readOnly {
		wf.mu.Unlock()
		return NewUnmodifiableConnector(c.ref(), DirectionInput)
	}
	changed := c.optional != optional
	c.optional = optional
	wf.mu.Unlock()

	if changed {
		wf.notifyModified(c.node.id)
	}
	return nil
}

// ID returns the connector id.
func (c *OutputConnector) ID() ConnectorID { return c.id }

// Ref returns the connector identity.
func (c *OutputConnector) Ref() ConnectorRef { return c.ref() }

// Node returns the owning node.
func (c *OutputConnector) Node() *Node { return c.node }

// Name returns the connector name.
func (c *OutputConnector) Name() string {
	c.node.wf.mu.RLock()
	defer c.node.wf.mu.RUnlock()
	return c.name
}

// Type returns the declared type.
func (c *OutputConnector) Type() types.Type {
	c.node.wf.mu.RLock()
	defer c.node.wf.mu.RUnlock()
	return c.typ
}

// IsReadOnly reports whether name and type are fixed.
func (c *OutputConnector) IsReadOnly() bool { return c.readOnly }

// IsRemovable reports whether the connector may be removed from its node.
func (c *OutputConnector) IsRemovable() bool { return c.removable }

// ConnectedTo returns the inputs fed by this output.
func (c *OutputConnector) ConnectedTo() []*InputConnector {
	wf := c.node.wf
	wf.mu.RLock()
	defer wf.mu.RUnlock()

	out := make([]*InputConnector, 0, len(c.targets))
	for _, ref := range c.targets {
		if in := wf.inputLocked(ref); in != nil {
			out = append(out, in)
		}
	}
	return out
}

// SetName renames the connector.
func (c *OutputConnector) SetName(name string) error {
	return c.node.renameConnector(&c.connector, DirectionOutput, name)
}

// SetType changes the declared type.
func (c *OutputConnector) SetType(t types.Type) error {
	return c.node.retypeConnector(&c.connector, DirectionOutput, t)
}

func (c *OutputConnector) hasTarget(ref ConnectorRef) bool {
	for _, t := range c.targets {
		if t == ref {
			return true
		}
	}
	return false
}

func (c *OutputConnector) removeTarget(ref ConnectorRef) {
	for i, t := range c.targets {
		if t == ref {
			c.targets = append(c.targets[:i], c.targets[i+1:]...)
			return
		}
	}
}
