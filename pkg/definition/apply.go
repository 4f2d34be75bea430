package definition

import (
	"fmt"
	"sort"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Changes summarizes what Apply did.
type Changes struct {
	Added        []workflow.NodeID
	Removed      []workflow.NodeID
	Updated      []workflow.NodeID
	Connected    int
	Disconnected int
}

// Empty reports whether Apply left the workflow untouched.
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0 &&
		c.Connected == 0 && c.Disconnected == 0
}

func (c *Changes) String() string {
	return fmt.Sprintf("%d added, %d removed, %d updated, %d connected, %d disconnected",
		len(c.Added), len(c.Removed), len(c.Updated), c.Connected, c.Disconnected)
}

// Apply edits wf in place until it matches doc. Nodes are matched by id;
// a node whose kind or primitive type changed is replaced. Untouched nodes
// keep their cache entries because no modification is reported for them.
//
// The workflow name and uuid are not changed.
func Apply(wf *workflow.Workflow, doc *Document) (*Changes, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}
	changes := &Changes{}

	want := make(map[workflow.NodeID]NodeDef, len(doc.Nodes))
	for _, def := range doc.Nodes {
		want[workflow.NodeID(def.ID)] = def
	}

	for _, n := range wf.Nodes() {
		def, ok := want[n.ID()]
		if !ok {
			wf.RemoveNode(n)
			changes.Removed = append(changes.Removed, n.ID())
			continue
		}
		if replaceable(n, def) {
			wf.RemoveNode(n)
			if _, err := createNode(wf, def); err != nil {
				return changes, fmt.Errorf("node %d: %w", def.ID, err)
			}
			changes.Updated = append(changes.Updated, n.ID())
			continue
		}
		updated, err := updateNode(n, def)
		if err != nil {
			return changes, fmt.Errorf("node %d: %w", def.ID, err)
		}
		if updated {
			changes.Updated = append(changes.Updated, n.ID())
		}
	}

	for _, def := range doc.Nodes {
		if _, ok := wf.Node(workflow.NodeID(def.ID)); ok {
			continue
		}
		if _, err := createNode(wf, def); err != nil {
			return changes, fmt.Errorf("node %d: %w", def.ID, err)
		}
		changes.Added = append(changes.Added, workflow.NodeID(def.ID))
	}
	sort.Slice(changes.Added, func(i, j int) bool { return changes.Added[i] < changes.Added[j] })

	if err := applyConnections(wf, doc, changes); err != nil {
		return changes, err
	}
	return changes, nil
}

func replaceable(n *workflow.Node, def NodeDef) bool {
	if n.Kind() != workflow.NodeKind(def.Kind) {
		return true
	}
	if n.Kind() != workflow.NodePrimitive {
		return false
	}
	t, err := primitiveOf(def)
	if err != nil {
		return true
	}
	out, ok := n.OutputByName(workflow.PrimitiveOutput)
	return !ok || out.Type() != t
}

func updateNode(n *workflow.Node, def NodeDef) (bool, error) {
	before := n.Revision()
	changed := false

	name := def.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", n.Kind(), n.ID())
	}
	if n.Name() != name {
		n.SetName(name)
		changed = true
	}

	if timeout := timeoutOf(def, n.Workflow().DefaultTimeout()); n.Timeout() != timeout {
		if err := n.SetTimeout(timeout); err != nil {
			return false, err
		}
		changed = true
	}

	deterministic := n.Kind() == workflow.NodePrimitive
	if def.Deterministic != nil {
		deterministic = *def.Deterministic
	}
	if n.IsDeterministic() != deterministic {
		n.SetDeterministic(deterministic)
		changed = true
	}

	switch n.Kind() {
	case workflow.NodePrimitive:
		t, err := primitiveOf(def)
		if err != nil {
			return false, err
		}
		if err := setValue(n, t, def.Value); err != nil {
			return false, err
		}
	case workflow.NodeCode:
		if err := n.SetSource(def.Source); err != nil {
			return false, err
		}
		if err := reconcileConnectors(n, def); err != nil {
			return false, err
		}
	}

	return changed || n.Revision() != before, nil
}

func applyConnections(wf *workflow.Workflow, doc *Document, changes *Changes) error {
	want := make(map[workflow.Edge]ConnectionDef, len(doc.Connections))
	for _, c := range doc.Connections {
		out, in, err := resolve(wf, c)
		if err != nil {
			return err
		}
		want[workflow.Edge{From: out.Ref(), To: in.Ref()}] = c
	}

	have := make(map[workflow.Edge]bool)
	for _, e := range wf.Edges() {
		if _, ok := want[e]; ok {
			have[e] = true
			continue
		}
		n, ok := wf.Node(e.To.Node)
		if !ok {
			continue
		}
		if in, ok := n.Input(e.To.Connector); ok {
			wf.Disconnect(in)
			changes.Disconnected++
		}
	}

	for _, c := range doc.Connections {
		out, in, _ := resolve(wf, c)
		if have[workflow.Edge{From: out.Ref(), To: in.Ref()}] {
			continue
		}
		if err := connect(wf, c); err != nil {
			return err
		}
		changes.Connected++
	}
	return nil
}
