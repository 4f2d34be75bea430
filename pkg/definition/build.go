package definition

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Build creates a workflow from a document. Node ids are kept, so
// connections and cache entries line up with the file.
func Build(doc *Document, opts ...workflow.Option) (*workflow.Workflow, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}

	// Document settings win over the caller's defaults.
	wfOpts := append([]workflow.Option{}, opts...)
	if doc.UUID != "" {
		id, err := uuid.Parse(doc.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid workflow uuid: %w", err)
		}
		wfOpts = append(wfOpts, workflow.WithUUID(id))
	}
	if doc.FilesRoot != "" {
		wfOpts = append(wfOpts, workflow.WithFilesRoot(doc.FilesRoot))
	}
	wf := workflow.New(doc.Name, wfOpts...)

	for _, def := range doc.Nodes {
		if _, err := createNode(wf, def); err != nil {
			return nil, fmt.Errorf("node %d: %w", def.ID, err)
		}
	}
	for _, c := range doc.Connections {
		if err := connect(wf, c); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

func nodeOptions(def NodeDef) []workflow.NodeOption {
	opts := []workflow.NodeOption{workflow.WithID(workflow.NodeID(def.ID))}
	if def.Name != "" {
		opts = append(opts, workflow.WithName(def.Name))
	}
	if def.Deterministic != nil {
		opts = append(opts, workflow.WithDeterministic(*def.Deterministic))
	}
	if def.Timeout != "" {
		opts = append(opts, workflow.WithTimeout(timeoutOf(def, workflow.DefaultTimeout)))
	}
	return opts
}

// timeoutOf returns the declared timeout, or fallback when none is set.
func timeoutOf(def NodeDef, fallback time.Duration) time.Duration {
	if def.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(def.Timeout)
	if err != nil {
		return fallback
	}
	return d
}

func primitiveOf(def NodeDef) (types.Primitive, error) {
	t, err := types.Parse(def.Type)
	if err != nil {
		return types.Primitive{}, err
	}
	p, ok := t.(types.Primitive)
	if !ok {
		return types.Primitive{}, fmt.Errorf("%s is not a primitive type", t)
	}
	return p, nil
}

func createNode(wf *workflow.Workflow, def NodeDef) (*workflow.Node, error) {
	opts := nodeOptions(def)

	switch workflow.NodeKind(def.Kind) {
	case workflow.NodePrimitive:
		t, err := primitiveOf(def)
		if err != nil {
			return nil, err
		}
		n, err := wf.CreatePrimitiveNode(t, opts...)
		if err != nil {
			return nil, err
		}
		if err := setValue(n, t, def.Value); err != nil {
			return nil, err
		}
		return n, nil

	case workflow.NodeCode:
		n, err := wf.CreateCodeNode(def.Source, opts...)
		if err != nil {
			return nil, err
		}
		if err := reconcileConnectors(n, def); err != nil {
			return nil, err
		}
		return n, nil

	case workflow.NodeFile:
		return wf.CreateFileNode(opts...)
	}
	return nil, fmt.Errorf("unknown node kind %q", def.Kind)
}

func setValue(n *workflow.Node, t types.Primitive, raw any) error {
	if raw == nil {
		return n.SetValue(t.Default())
	}
	v, err := types.Coerce(t, raw)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	return n.SetValue(v)
}

// reconcileConnectors makes the user-defined connectors of a code node
// match the declaration. Built-in flow connectors are left alone.
func reconcileConnectors(n *workflow.Node, def NodeDef) error {
	wantIn := make(map[string]ConnectorDef, len(def.Inputs))
	for _, c := range def.Inputs {
		wantIn[c.Name] = c
	}
	for _, in := range n.Inputs() {
		if !in.IsRemovable() {
			continue
		}
		c, ok := wantIn[in.Name()]
		if !ok {
			if err := n.RemoveInput(in); err != nil {
				return err
			}
			continue
		}
		if err := in.SetType(types.MustParse(c.Type)); err != nil {
			return err
		}
		if err := in.SetOptional(c.Optional); err != nil {
			return err
		}
	}
	for _, c := range def.Inputs {
		if _, ok := n.InputByName(c.Name); ok {
			continue
		}
		if _, err := n.AddInput(c.Name, types.MustParse(c.Type), c.Optional); err != nil {
			return err
		}
	}

	wantOut := make(map[string]ConnectorDef, len(def.Outputs))
	for _, c := range def.Outputs {
		wantOut[c.Name] = c
	}
	for _, out := range n.Outputs() {
		if !out.IsRemovable() {
			continue
		}
		c, ok := wantOut[out.Name()]
		if !ok {
			if err := n.RemoveOutput(out); err != nil {
				return err
			}
			continue
		}
		if err := out.SetType(types.MustParse(c.Type)); err != nil {
			return err
		}
	}
	for _, c := range def.Outputs {
		if _, ok := n.OutputByName(c.Name); ok {
			continue
		}
		if _, err := n.AddOutput(c.Name, types.MustParse(c.Type)); err != nil {
			return err
		}
	}
	return nil
}

func resolve(wf *workflow.Workflow, c ConnectionDef) (*workflow.OutputConnector, *workflow.InputConnector, error) {
	from, err := ParseEndpoint(c.From)
	if err != nil {
		return nil, nil, err
	}
	to, err := ParseEndpoint(c.To)
	if err != nil {
		return nil, nil, err
	}

	src, ok := wf.Node(from.Node)
	if !ok {
		return nil, nil, fmt.Errorf("connection %s -> %s: unknown node %d", c.From, c.To, from.Node)
	}
	dst, ok := wf.Node(to.Node)
	if !ok {
		return nil, nil, fmt.Errorf("connection %s -> %s: unknown node %d", c.From, c.To, to.Node)
	}
	out, ok := src.OutputByName(from.Connector)
	if !ok {
		return nil, nil, fmt.Errorf("connection %s -> %s: node %d has no output %q", c.From, c.To, from.Node, from.Connector)
	}
	in, ok := dst.InputByName(to.Connector)
	if !ok {
		return nil, nil, fmt.Errorf("connection %s -> %s: node %d has no input %q", c.From, c.To, to.Node, to.Connector)
	}
	return out, in, nil
}

func connect(wf *workflow.Workflow, c ConnectionDef) error {
	out, in, err := resolve(wf, c)
	if err != nil {
		return err
	}
	if err := wf.Connect(out, in); err != nil {
		return fmt.Errorf("connection %s -> %s: %w", c.From, c.To, err)
	}
	return nil
}
