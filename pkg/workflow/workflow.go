package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowgraph/pkg/types"
)

// DefaultLanguage is the script language of new code nodes.
const DefaultLanguage = "starlark"

var (
	// ErrSameNode is returned when connecting two connectors of one node.
	ErrSameNode = errors.New("cannot connect a node to itself")

	// ErrAlreadyConnected is returned when the output already feeds the input.
	ErrAlreadyConnected = errors.New("connectors are already connected")

	// ErrNodeIDTaken is returned when WithID names an existing node.
	ErrNodeIDTaken = errors.New("node id already in use")

	// ErrForeignConnector is returned for connectors of another workflow or
	// of a removed node.
	ErrForeignConnector = errors.New("connector does not belong to this workflow")
)

// Observer is notified of node changes. Callbacks run after the workflow
// lock is released and may read the workflow.
type Observer interface {
	// NodeModified is called when a node's definition or wiring changed.
	NodeModified(n *Node)

	// NodeRemoved is called after a node left the workflow.
	NodeRemoved(id NodeID)
}

// Workflow is a graph of nodes whose outputs feed other nodes' inputs.
// It is safe for concurrent use.
type Workflow struct {
	mu sync.RWMutex

	uuid      uuid.UUID
	name      string
	filesRoot string
	runtime   ScriptRuntime
	timeout   time.Duration

	lastID NodeID
	nodes  map[NodeID]*Node

	obsMu     sync.Mutex
	observers []Observer
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithUUID sets the workflow identity instead of a random one.
func WithUUID(id uuid.UUID) Option {
	return func(w *Workflow) { w.uuid = id }
}

// WithFilesRoot sets the directory file values are resolved against.
func WithFilesRoot(dir string) Option {
	return func(w *Workflow) { w.filesRoot = dir }
}

// WithDefaultTimeout sets the timeout of nodes created without WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithScriptRuntime sets the runtime used by code nodes.
func WithScriptRuntime(rt ScriptRuntime) Option {
	return func(w *Workflow) { w.runtime = rt }
}

// New creates an empty workflow.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{
		uuid:    uuid.New(),
		name:    name,
		timeout: DefaultTimeout,
		nodes:   make(map[NodeID]*Node),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// UUID returns the workflow identity.
func (w *Workflow) UUID() uuid.UUID { return w.uuid }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// FilesRoot returns the directory file values are resolved against.
func (w *Workflow) FilesRoot() string { return w.filesRoot }

// DefaultTimeout returns the timeout given to new nodes.
func (w *Workflow) DefaultTimeout() time.Duration { return w.timeout }

// ScriptRuntime returns the runtime used by code nodes, possibly nil.
func (w *Workflow) ScriptRuntime() ScriptRuntime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.runtime
}

// Len returns the number of nodes.
func (w *Workflow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.nodes)
}

// Node returns the node with the given id.
func (w *Workflow) Node(id NodeID) (*Node, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n, ok := w.nodes[id]
	return n, ok
}

// NodeByName returns the first node, in id order, with the given name.
func (w *Workflow) NodeByName(name string) (*Node, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, n := range w.nodesLocked() {
		if n.name == name {
			return n, true
		}
	}
	return nil, false
}

// Nodes returns the nodes ordered by id.
func (w *Workflow) Nodes() []*Node {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nodesLocked()
}

func (w *Workflow) nodesLocked() []*Node {
	out := make([]*Node, 0, len(w.nodes))
	for _, n := range w.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CreatePrimitiveNode adds a node holding a constant of type t. The value
// starts as the type's default and the node is deterministic.
func (w *Workflow) CreatePrimitiveNode(t types.Primitive, opts ...NodeOption) (*Node, error) {
	if err := types.Validate(t); err != nil {
		return nil, err
	}
	defaults := []NodeOption{WithDeterministic(true)}
	return w.addNode(NodePrimitive, false, append(defaults, opts...), func(n *Node) error {
		n.value = t.Default()
		_, err := n.addOutputLocked(PrimitiveOutput, t, true, false)
		return err
	})
}

// CreateCodeNode adds a script node. Its connectors are user-defined
// besides the built-in flow connectors.
func (w *Workflow) CreateCodeNode(source string, opts ...NodeOption) (*Node, error) {
	return w.addNode(NodeCode, true, opts, func(n *Node) error {
		n.language = DefaultLanguage
		n.source = source
		return n.addFlowConnectorsLocked()
	})
}

// CreateFileNode adds a node turning its "filePath" input into a File.
func (w *Workflow) CreateFileNode(opts ...NodeOption) (*Node, error) {
	return w.addNode(NodeFile, false, opts, func(n *Node) error {
		if _, err := n.addInputLocked(FilePathInput, types.StringType, false, true, false); err != nil {
			return err
		}
		_, err := n.addOutputLocked(FileOutput, types.FileType, true, false)
		return err
	})
}

// CreateFuncNode adds a node running fn. Its connectors are user-defined
// besides the built-in flow connectors.
func (w *Workflow) CreateFuncNode(fn Func, opts ...NodeOption) (*Node, error) {
	return w.addNode(NodeFunc, true, opts, func(n *Node) error {
		n.fn = fn
		return n.addFlowConnectorsLocked()
	})
}

func (n *Node) addFlowConnectorsLocked() error {
	if _, err := n.addInputLocked(FlowInputName, types.FlowType, true, true, false); err != nil {
		return err
	}
	_, err := n.addOutputLocked(FlowOutputName, types.FlowType, true, false)
	return err
}

func (w *Workflow) addNode(kind NodeKind, modifiable bool, opts []NodeOption, init func(*Node) error) (*Node, error) {
	n := &Node{
		wf:         w,
		kind:       kind,
		timeout:    w.timeout,
		modifiable: modifiable,
		inputs:     make(map[ConnectorID]*InputConnector),
		outputs:    make(map[ConnectorID]*OutputConnector),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if n.id < 0 {
		return nil, fmt.Errorf("node id cannot be negative: %d", n.id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if n.id == 0 {
		n.id = w.lastID + 1
	} else if _, taken := w.nodes[n.id]; taken {
		return nil, fmt.Errorf("%w: %d", ErrNodeIDTaken, n.id)
	}
	if n.id > w.lastID {
		w.lastID = n.id
	}
	if n.name == "" {
		n.name = fmt.Sprintf("%s-%d", kind, n.id)
	}
	if err := init(n); err != nil {
		return nil, err
	}
	w.nodes[n.id] = n
	return n, nil
}

// RemoveNode disconnects and removes a node. It reports whether the node
// was part of the workflow.
func (w *Workflow) RemoveNode(n *Node) bool {
	w.mu.Lock()
	if w.nodes[n.id] != n {
		w.mu.Unlock()
		return false
	}

	var touched []NodeID
	for _, in := range n.inputs {
		touched = append(touched, w.disconnectLocked(in)...)
	}
	for _, out := range n.outputs {
		for _, target := range append([]ConnectorRef(nil), out.targets...) {
			if in := w.inputLocked(target); in != nil {
				touched = append(touched, w.disconnectLocked(in)...)
			}
		}
	}
	delete(w.nodes, n.id)
	w.mu.Unlock()

	w.notifyModified(touched...)
	w.notifyRemoved(n.id)
	return true
}

// Connect links output to input, replacing any connection input already
// had.
func (w *Workflow) Connect(output *OutputConnector, input *InputConnector) error {
	if output.node == input.node {
		return ErrSameNode
	}

	w.mu.Lock()
	if !w.ownsLocked(output.node) || !w.ownsLocked(input.node) {
		w.mu.Unlock()
		return ErrForeignConnector
	}
	if output.hasTarget(input.ref()) {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}
	touched := w.disconnectLocked(input)
	output.targets = append(output.targets, input.ref())
	input.source = output.ref()
	w.mu.Unlock()

	w.notifyModified(append(touched, output.node.id, input.node.id)...)
	return nil
}

// Disconnect removes the connection feeding input, if any.
func (w *Workflow) Disconnect(input *InputConnector) {
	w.mu.Lock()
	touched := w.disconnectLocked(input)
	w.mu.Unlock()

	w.notifyModified(touched...)
}

func (w *Workflow) ownsLocked(n *Node) bool {
	return n != nil && n.wf == w && w.nodes[n.id] == n
}

// disconnectLocked breaks both sides of input's connection and returns
// the ids of the nodes involved.
func (w *Workflow) disconnectLocked(input *InputConnector) []NodeID {
	if input.source.IsZero() {
		return nil
	}
	source := input.source
	if out := w.outputLocked(source); out != nil {
		out.removeTarget(input.ref())
	}
	input.source = ConnectorRef{}
	return []NodeID{input.node.id, source.Node}
}

func (w *Workflow) outputLocked(ref ConnectorRef) *OutputConnector {
	n, ok := w.nodes[ref.Node]
	if !ok {
		return nil
	}
	return n.outputs[ref.Connector]
}

func (w *Workflow) inputLocked(ref ConnectorRef) *InputConnector {
	n, ok := w.nodes[ref.Node]
	if !ok {
		return nil
	}
	return n.inputs[ref.Connector]
}

// Edge is one output to input connection.
type Edge struct {
	From ConnectorRef `json:"from"`
	To   ConnectorRef `json:"to"`
}

// Edges returns every connection, ordered by output then input.
func (w *Workflow) Edges() []Edge {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.edgesLocked()
}

func (w *Workflow) edgesLocked() []Edge {
	var edges []Edge
	for _, n := range w.nodesLocked() {
		for _, out := range n.outputsLocked() {
			for _, target := range out.targets {
				edges = append(edges, Edge{From: out.ref(), To: target})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return refLess(a.From, b.From)
		}
		return refLess(a.To, b.To)
	})
	return edges
}

func refLess(a, b ConnectorRef) bool {
	if a.Node != b.Node {
		return a.Node < b.Node
	}
	return a.Connector < b.Connector
}

// AddObserver registers o for node notifications.
func (w *Workflow) AddObserver(o Observer) {
	w.obsMu.Lock()
	defer w.obsMu.Unlock()
	w.observers = append(w.observers, o)
}

// RemoveObserver unregisters o.
func (w *Workflow) RemoveObserver(o Observer) {
	w.obsMu.Lock()
	defer w.obsMu.Unlock()
	for i, existing := range w.observers {
		if existing == o {
			w.observers = append(w.observers[:i], w.observers[i+1:]...)
			return
		}
	}
}

func (w *Workflow) snapshotObservers() []Observer {
	w.obsMu.Lock()
	defer w.obsMu.Unlock()
	return append([]Observer(nil), w.observers...)
}

// notifyModified calls NodeModified once per distinct id still present.
// It must not be called with the workflow lock held.
func (w *Workflow) notifyModified(ids ...NodeID) {
	observers := w.snapshotObservers()
	if len(observers) == 0 {
		return
	}

	seen := make(map[NodeID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := w.Node(id)
		if !ok {
			continue
		}
		for _, o := range observers {
			o.NodeModified(n)
		}
	}
}

func (w *Workflow) notifyRemoved(id NodeID) {
	for _, o := range w.snapshotObservers() {
		o.NodeRemoved(id)
	}
}
