package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

type nodeResult struct {
	ID       workflow.NodeID            `json:"id"`
	Name     string                     `json:"name"`
	Kind     workflow.NodeKind          `json:"kind"`
	State    engine.State               `json:"state"`
	CacheHit bool                       `json:"cache_hit"`
	Duration string                     `json:"duration,omitempty"`
	Outputs  map[string]json.RawMessage `json:"outputs,omitempty"`
	Errors   []string                   `json:"errors,omitempty"`
}

type runResult struct {
	RunID    string       `json:"run_id"`
	Workflow string       `json:"workflow"`
	State    engine.State `json:"state"`
	Errors   []string     `json:"errors,omitempty"`
	Nodes    []nodeResult `json:"nodes"`
}

func errorStrings(errs []workflow.Error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

// encodeOutputs renders output values with their connector types. Flow
// outputs carry nothing and are skipped.
func encodeOutputs(n *workflow.Node, outputs workflow.Arguments) map[string]json.RawMessage {
	if n == nil || len(outputs) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(outputs))
	for name, v := range outputs {
		conn, ok := n.OutputByName(name)
		if !ok || conn.Type().Variant() == types.VariantFlow {
			continue
		}
		data, err := types.Marshal(conn.Type(), v)
		if err != nil {
			data, _ = json.Marshal(fmt.Sprintf("<%v>", err))
		}
		out[name] = data
	}
	return out
}

func collectResult(e *engine.Executor) runResult {
	wf := e.Workflow()
	run := e.Run()
	result := runResult{
		RunID:    run.ID,
		Workflow: run.WorkflowName,
		State:    e.State(),
		Errors:   errorStrings(e.Errors()),
	}
	for _, s := range e.NodeStates() {
		n, _ := wf.Node(s.ID)
		nr := nodeResult{
			ID:       s.ID,
			Name:     s.Name,
			Kind:     s.Kind,
			State:    s.State,
			CacheHit: s.CacheHit,
			Outputs:  encodeOutputs(n, s.Outputs),
			Errors:   errorStrings(s.Errors),
		}
		if d := s.Duration(); d > 0 {
			nr.Duration = d.Round(time.Microsecond).String()
		}
		result.Nodes = append(result.Nodes, nr)
	}
	return result
}

// printRun writes the outcome of the last run of e.
func printRun(w io.Writer, e *engine.Executor, asJSON bool) error {
	result := collectResult(e)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "Run %s of %s: %s\n", result.RunID, result.Workflow, result.State)
	for _, err := range result.Errors {
		fmt.Fprintf(w, "  error: %s\n", err)
	}
	for _, n := range result.Nodes {
		status := string(n.State)
		if n.CacheHit {
			status += " (cached)"
		}
		if n.Duration != "" {
			status += " in " + n.Duration
		}
		fmt.Fprintf(w, "  [%d] %s: %s\n", n.ID, n.Name, status)

		names := make([]string, 0, len(n.Outputs))
		for name := range n.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "      %s = %s\n", name, n.Outputs[name])
		}
		for _, err := range n.Errors {
			fmt.Fprintf(w, "      error: %s\n", err)
		}
	}
	return nil
}
