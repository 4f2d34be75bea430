package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/openfroyo/flowgraph/pkg/types"
)

// NodeKind is the closed set of node variants.
type NodeKind string

const (
	// NodePrimitive holds a constant on its single "output" connector.
	NodePrimitive NodeKind = "primitive"

	// NodeCode runs a user script through the workflow's ScriptRuntime.
	NodeCode NodeKind = "code"

	// NodeFile turns a relative path into a File value.
	NodeFile NodeKind = "file"

	// NodeFunc runs a host Go function.
	NodeFunc NodeKind = "func"
)

// DefaultTimeout is the execution timeout of a new node.
const DefaultTimeout = 5000 * time.Millisecond

var (
	// ErrNodeNotModifiable is returned when adding connectors to a node whose
	// connector set is fixed.
	ErrNodeNotModifiable = errors.New("node connectors cannot be changed")

	// ErrWrongNodeKind is returned by kind-specific accessors.
	ErrWrongNodeKind = errors.New("operation not supported by this node kind")

	// ErrInvalidTimeout is returned for non-positive timeouts.
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")

	// ErrInvalidCharacter is returned for Character values that are not
	// Unicode scalar values.
	ErrInvalidCharacter = errors.New("character is not a valid rune")
)

// Node is a processing step of a workflow. All mutable state is guarded by
// the workflow lock.
type Node struct {
	wf   *Workflow
	id   NodeID
	kind NodeKind

	name          string
	timeout       time.Duration
	deterministic bool
	modifiable    bool

	nextConnector ConnectorID
	inputs        map[ConnectorID]*InputConnector
	outputs       map[ConnectorID]*OutputConnector

	// Kind-specific state.
	value    types.Value
	language string
	source   string
	fn       Func
}

// NodeOption customizes a node at creation.
type NodeOption func(*Node)

// WithID requests a specific node id. Creation fails if it is taken.
func WithID(id NodeID) NodeOption {
	return func(n *Node) { n.id = id }
}

// WithName sets the display name.
func WithName(name string) NodeOption {
	return func(n *Node) { n.name = name }
}

// WithTimeout sets the execution timeout.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *Node) { n.timeout = d }
}

// WithDeterministic marks the node as cacheable or not.
func WithDeterministic(deterministic bool) NodeOption {
	return func(n *Node) { n.deterministic = deterministic }
}

// ID returns the node id.
func (n *Node) ID() NodeID { return n.id }

// Kind returns the node variant.
func (n *Node) Kind() NodeKind { return n.kind }

// Workflow returns the owning workflow.
func (n *Node) Workflow() *Workflow { return n.wf }

// IsModifiable reports whether connectors may be added and removed.
func (n *Node) IsModifiable() bool { return n.modifiable }

// Name returns the display name.
func (n *Node) Name() string {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.name
}

// Timeout returns the execution timeout.
func (n *Node) Timeout() time.Duration {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.timeout
}

// IsDeterministic reports whether outputs depend only on inputs.
func (n *Node) IsDeterministic() bool {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.deterministic
}

// SetName changes the display name.
func (n *Node) SetName(name string) {
	n.wf.mu.Lock()
	defer n.wf.mu.Unlock()
	n.name = name
}

// SetTimeout changes the execution timeout.
func (n *Node) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidTimeout
	}
	n.wf.mu.Lock()
	defer n.wf.mu.Unlock()
	n.timeout = d
	return nil
}

// SetDeterministic changes whether the node is cacheable.
func (n *Node) SetDeterministic(deterministic bool) {
	n.wf.mu.Lock()
	changed := n.deterministic != deterministic
	n.deterministic = deterministic
	n.wf.mu.Unlock()

	if changed {
		n.wf.notifyModified(n.id)
	}
}

// Inputs returns the input connectors ordered by id.
func (n *Node) Inputs() []*InputConnector {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.inputsLocked()
}

func (n *Node) inputsLocked() []*InputConnector {
	out := make([]*InputConnector, 0, len(n.inputs))
	for _, c := range n.inputs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Outputs returns the output connectors ordered by id.
func (n *Node) Outputs() []*OutputConnector {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.outputsLocked()
}

func (n *Node) outputsLocked() []*OutputConnector {
	out := make([]*OutputConnector, 0, len(n.outputs))
	for _, c := range n.outputs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Input returns the input connector with the given id.
func (n *Node) Input(id ConnectorID) (*InputConnector, bool) {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	c, ok := n.inputs[id]
	return c, ok
}

// Output returns the output connector with the given id.
func (n *Node) Output(id ConnectorID) (*OutputConnector, bool) {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	c, ok := n.outputs[id]
	return c, ok
}

// InputByName looks an input connector up by name.
func (n *Node) InputByName(name string) (*InputConnector, bool) {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	for _, c := range n.inputs {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// OutputByName looks an output connector up by name.
func (n *Node) OutputByName(name string) (*OutputConnector, bool) {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	for _, c := range n.outputs {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// AddInput adds an input connector to a modifiable node.
func (n *Node) AddInput(name string, t types.Type, optional bool) (*InputConnector, error) {
	if !n.modifiable {
		return nil, ErrNodeNotModifiable
	}
	if err := types.Validate(t); err != nil {
		return nil, err
	}

	n.wf.mu.Lock()
	in, err := n.addInputLocked(name, t, optional, false, true)
	n.wf.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n.wf.notifyModified(n.id)
	return in, nil
}

// AddOutput adds an output connector to a modifiable node.
func (n *Node) AddOutput(name string, t types.Type) (*OutputConnector, error) {
	if !n.modifiable {
		return nil, ErrNodeNotModifiable
	}
	if err := types.Validate(t); err != nil {
		return nil, err
	}

	n.wf.mu.Lock()
	out, err := n.addOutputLocked(name, t, false, true)
	n.wf.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n.wf.notifyModified(n.id)
	return out, nil
}

func (n *Node) addInputLocked(name string, t types.Type, optional, readOnly, removable bool) (*InputConnector, error) {
	if err := n.checkNameLocked(DirectionInput, name, 0); err != nil {
		return nil, err
	}
	n.nextConnector++
	in := &InputConnector{
		connector: connector{
			node:      n,
			id:        n.nextConnector,
			name:      name,
			typ:       t,
			readOnly:  readOnly,
			removable: removable,
		},
		optional: optional,
	}
	n.inputs[in.id] = in
	return in, nil
}

func (n *Node) addOutputLocked(name string, t types.Type, readOnly, removable bool) (*OutputConnector, error) {
	if err := n.checkNameLocked(DirectionOutput, name, 0); err != nil {
		return nil, err
	}
	n.nextConnector++
	out := &OutputConnector{
		connector: connector{
			node:      n,
			id:        n.nextConnector,
			name:      name,
			typ:       t,
			readOnly:  readOnly,
			removable: removable,
		},
	}
	n.outputs[out.id] = out
	return out, nil
}

// checkNameLocked rejects empty names and names used by a sibling of the
// same direction other than self.
func (n *Node) checkNameLocked(dir Direction, name string, self ConnectorID) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("connector name cannot be empty")
	}
	if dir == DirectionInput {
		for id, c := range n.inputs {
			if id != self && c.name == name {
				return NewNameAlreadyUsed(n.id, name)
			}
		}
		return nil
	}
	for id, c := range n.outputs {
		if id != self && c.name == name {
			return NewNameAlreadyUsed(n.id, name)
		}
	}
	return nil
}

// RemoveInput disconnects and removes an input connector.
func (n *Node) RemoveInput(in *InputConnector) error {
	n.wf.mu.Lock()
	if n.inputs[in.id] != in {
		n.wf.mu.Unlock()
		return fmt.Errorf("input %s does not belong to node %d", in.ref(), n.id)
	}
	if !in.removable {
		n.wf.mu.Unlock()
		return NewUnmodifiableConnector(in.ref(), DirectionInput)
	}
	touched := n.wf.disconnectLocked(in)
	delete(n.inputs, in.id)
	n.wf.mu.Unlock()

	n.wf.notifyModified(append(touched, n.id)...)
	return nil
}

// RemoveOutput disconnects and removes an output connector.
func (n *Node) RemoveOutput(out *OutputConnector) error {
	n.wf.mu.Lock()
	if n.outputs[out.id] != out {
		n.wf.mu.Unlock()
		return fmt.Errorf("output %s does not belong to node %d", out.ref(), n.id)
	}
	if !out.removable {
		n.wf.mu.Unlock()
		return NewUnmodifiableConnector(out.ref(), DirectionOutput)
	}
	var touched []NodeID
	for _, target := range append([]ConnectorRef(nil), out.targets...) {
		if in := n.wf.inputLocked(target); in != nil {
			touched = append(touched, n.wf.disconnectLocked(in)...)
		}
	}
	delete(n.outputs, out.id)
	n.wf.mu.Unlock()

	n.wf.notifyModified(append(touched, n.id)...)
	return nil
}

func (n *Node) renameConnector(c *connector, dir Direction, name string) error {
	n.wf.mu.Lock()
	if c.readOnly {
		n.wf.mu.Unlock()
		return NewUnmodifiableConnector(c.ref(), dir)
	}
	if c.name == name {
		n.wf.mu.Unlock()
		return nil
	}
	if err := n.checkNameLocked(dir, name, c.id); err != nil {
		n.wf.mu.Unlock()
		return err
	}
	c.name = name
	n.wf.mu.Unlock()

	n.wf.notifyModified(n.id)
	return nil
}

func (n *Node) retypeConnector(c *connector, dir Direction, t types.Type) error {
	if err := types.Validate(t); err != nil {
		return err
	}
	n.wf.mu.Lock()
	if c.readOnly {
		n.wf.mu.Unlock()
		return NewUnmodifiableConnector(c.ref(), dir)
	}
	if types.Equal(c.typ, t) {
		n.wf.mu.Unlock()
		return nil
	}
	c.typ = t
	n.wf.mu.Unlock()

	n.wf.notifyModified(n.id)
	return nil
}

// Value returns the constant of a primitive node.
func (n *Node) Value() (types.Value, error) {
	if n.kind != NodePrimitive {
		return nil, ErrWrongNodeKind
	}
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.value, nil
}

// SetValue replaces the constant of a primitive node. The value must
// match the output type.
func (n *Node) SetValue(v types.Value) error {
	if n.kind != NodePrimitive {
		return ErrWrongNodeKind
	}
	if c, ok := v.(types.Character); ok && !utf8.ValidRune(rune(c)) {
		return fmt.Errorf("%w: %U", ErrInvalidCharacter, rune(c))
	}

	n.wf.mu.Lock()
	out := n.primitiveOutputLocked()
	actual := types.TypeOf(v)
	if !out.typ.CanConvertFrom(actual) {
		n.wf.mu.Unlock()
		return NewWrongType(actual, out.typ, out.ref())
	}
	changed := !types.DeepEqual(n.value, v)
	n.value = types.Clone(v)
	n.wf.mu.Unlock()

	if changed {
		n.wf.notifyModified(n.id)
	}
	return nil
}

func (n *Node) primitiveOutputLocked() *OutputConnector {
	for _, c := range n.outputs {
		return c
	}
	return nil
}

// Source returns the script of a code node.
func (n *Node) Source() (string, error) {
	if n.kind != NodeCode {
		return "", ErrWrongNodeKind
	}
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()
	return n.source, nil
}

// Language returns the script language of a code node.
func (n *Node) Language() string {
	return n.language
}

// SetSource replaces the script of a code node.
func (n *Node) SetSource(source string) error {
	if n.kind != NodeCode {
		return ErrWrongNodeKind
	}
	n.wf.mu.Lock()
	changed := n.source != source
	n.source = source
	n.wf.mu.Unlock()

	if changed {
		n.wf.notifyModified(n.id)
	}
	return nil
}

// Revision returns a hash of everything that defines the node's behavior:
// its kind, constant or script and connector signatures. It changes
// whenever the node is edited in a way that can change its outputs.
func (n *Node) Revision() uint64 {
	n.wf.mu.RLock()
	defer n.wf.mu.RUnlock()

	d := xxhash.New()
	fmt.Fprintf(d, "kind=%s;", n.kind)
	switch n.kind {
	case NodePrimitive:
		fmt.Fprintf(d, "value=%x;", types.Hash(types.TypeOf(n.value), n.value))
	case NodeCode:
		fmt.Fprintf(d, "lang=%s;src=%s;", n.language, n.source)
	}
	for _, c := range n.inputsLocked() {
		fmt.Fprintf(d, "in=%d:%s:%s:%t;", c.id, c.name, c.typ, c.optional)
	}
	for _, c := range n.outputsLocked() {
		fmt.Fprintf(d, "out=%d:%s:%s;", c.id, c.name, c.typ)
	}
	return d.Sum64()
}
