package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/flowgraph/pkg/types"
)

// nodeGraph is the node-level view of a workflow: one edge per pair of
// nodes joined by at least one connection.
type nodeGraph struct {
	ids []NodeID

	// successors maps a node to the nodes consuming its outputs.
	successors map[NodeID][]NodeID

	// predecessors maps a node to the nodes feeding its inputs.
	predecessors map[NodeID][]NodeID
}

// buildGraphLocked snapshots the topology. The caller holds the lock.
func (w *Workflow) buildGraphLocked() *nodeGraph {
	g := &nodeGraph{
		successors:   make(map[NodeID][]NodeID, len(w.nodes)),
		predecessors: make(map[NodeID][]NodeID, len(w.nodes)),
	}
	for _, n := range w.nodesLocked() {
		g.ids = append(g.ids, n.id)
	}

	seen := make(map[[2]NodeID]bool)
	for _, e := range w.edgesLocked() {
		key := [2]NodeID{e.From.Node, e.To.Node}
		if seen[key] {
			continue
		}
		seen[key] = true
		g.successors[e.From.Node] = append(g.successors[e.From.Node], e.To.Node)
		g.predecessors[e.To.Node] = append(g.predecessors[e.To.Node], e.From.Node)
	}
	return g
}

// findCycle returns the node path of a cycle, or nil when the graph is
// acyclic.
func (g *nodeGraph) findCycle() []NodeID {
	visited := make(map[NodeID]bool)
	recStack := make(map[NodeID]bool)

	for _, id := range g.ids {
		if !visited[id] {
			if cycle := g.findCycleFrom(id, visited, recStack, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (g *nodeGraph) findCycleFrom(id NodeID, visited, recStack map[NodeID]bool, path []NodeID) []NodeID {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, next := range g.successors[id] {
		if !visited[next] {
			if cycle := g.findCycleFrom(next, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[next] {
			for i, p := range path {
				if p == next {
					return append(append([]NodeID(nil), path[i:]...), next)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// weaklyConnected reports whether every node is reachable from the first
// one when edge direction is ignored.
func (g *nodeGraph) weaklyConnected() bool {
	if len(g.ids) == 0 {
		return true
	}

	visited := map[NodeID]bool{g.ids[0]: true}
	queue := []NodeID{g.ids[0]}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, neighbors := range [][]NodeID{g.successors[id], g.predecessors[id]} {
			for _, next := range neighbors {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return len(visited) == len(g.ids)
}

// levels groups nodes by longest distance from a root using Kahn's
// algorithm. Nodes on one level do not depend on each other.
func (g *nodeGraph) levels() ([][]NodeID, error) {
	inDegree := make(map[NodeID]int, len(g.ids))
	for _, id := range g.ids {
		inDegree[id] = len(g.predecessors[id])
	}

	var current []NodeID
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]NodeID
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		var next []NodeID
		for _, id := range current {
			for _, succ := range g.successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}

	if processed != len(g.ids) {
		return nil, NewCycleDetected()
	}
	return levels, nil
}

// Levels returns the nodes grouped by execution level. It fails with a
// CycleDetected error on cyclic workflows.
func (w *Workflow) Levels() ([][]NodeID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.buildGraphLocked().levels()
}

// ToDOT renders the workflow in Graphviz DOT format, one cluster per
// execution level when the graph is acyclic.
func (w *Workflow) ToDOT() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	g := w.buildGraphLocked()
	levels, err := g.levels()
	if err != nil {
		levels = [][]NodeID{g.ids}
	}

	var sb strings.Builder
	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			n := w.nodes[id]
			sb.WriteString(fmt.Sprintf("    \"%d\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, n.name, n.kind, kindColor(n.kind)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range w.edgesLocked() {
		out := w.outputLocked(e.From)
		in := w.inputLocked(e.To)
		style := "style=solid"
		if out.typ.Variant() == types.VariantFlow {
			style = "style=dashed, color=gray"
		}
		sb.WriteString(fmt.Sprintf("  \"%d\" -> \"%d\" [label=\"%s -> %s\", %s];\n",
			e.From.Node, e.To.Node, out.name, in.name, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(kind NodeKind) string {
	switch kind {
	case NodePrimitive:
		return "lightblue"
	case NodeCode:
		return "lightgreen"
	case NodeFile:
		return "lightyellow"
	default:
		return "white"
	}
}
