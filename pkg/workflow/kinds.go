package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/openfroyo/flowgraph/pkg/types"
)

// Arguments maps connector names to values.
type Arguments map[string]types.Value

// Get returns the value bound to name.
func (a Arguments) Get(name string) (types.Value, bool) {
	v, ok := a[name]
	return v, ok
}

// Clone returns a deep copy of the arguments.
func (a Arguments) Clone() Arguments {
	out := make(Arguments, len(a))
	for k, v := range a {
		out[k] = types.Clone(v)
	}
	return out
}

// Call is what a node's logic receives for one execution.
type Call struct {
	// Node is the node being executed.
	Node *Node

	// Inputs holds the received input values by connector name.
	Inputs Arguments

	// Log forwards one line of node output.
	Log func(line string)
}

// Func is the logic of a host function node.
type Func func(ctx context.Context, call Call) (Arguments, error)

// Script is one invocation of a code node.
type Script struct {
	Language string
	Source   string
	Inputs   Arguments

	// Outputs lists the declared output types by connector name.
	Outputs map[string]types.Type
}

// ScriptRuntime executes code node scripts.
type ScriptRuntime interface {
	Run(ctx context.Context, script Script, log func(line string)) (Arguments, error)
}

// ErrNoScriptRuntime is returned when a code node runs in a workflow
// without a ScriptRuntime.
var ErrNoScriptRuntime = errors.New("no script runtime configured")

// Execute runs the node's logic on the given inputs. The context carries
// the node timeout and run cancellation.
func (n *Node) Execute(ctx context.Context, inputs Arguments, log func(line string)) (Arguments, error) {
	if log == nil {
		log = func(string) {}
	}
	call := Call{Node: n, Inputs: inputs, Log: log}

	switch n.kind {
	case NodePrimitive:
		v, err := n.Value()
		if err != nil {
			return nil, err
		}
		return Arguments{PrimitiveOutput: types.Clone(v)}, nil

	case NodeFile:
		return n.executeFile(call)

	case NodeCode:
		return n.executeCode(ctx, call)

	case NodeFunc:
		n.wf.mu.RLock()
		fn := n.fn
		n.wf.mu.RUnlock()
		if fn == nil {
			return nil, fmt.Errorf("node %d has no function", n.id)
		}
		return fn(ctx, call)
	}
	return nil, fmt.Errorf("unknown node kind %q", n.kind)
}

func (n *Node) executeFile(call Call) (Arguments, error) {
	raw, ok := call.Inputs.Get(FilePathInput)
	if !ok {
		return nil, errors.New("no file path specified")
	}
	p, ok := raw.(types.String)
	if !ok {
		return nil, errors.New("the filePath argument is not a string")
	}
	clean := filepath.Clean(filepath.FromSlash(string(p)))
	if !filepath.IsLocal(clean) {
		return nil, fmt.Errorf("file path %q escapes the workflow files root", p)
	}
	return Arguments{
		FileOutput: types.FileRef{Root: n.wf.FilesRoot(), Path: filepath.ToSlash(clean)},
	}, nil
}

func (n *Node) executeCode(ctx context.Context, call Call) (Arguments, error) {
	runtime := n.wf.ScriptRuntime()
	if runtime == nil {
		return nil, ErrNoScriptRuntime
	}

	n.wf.mu.RLock()
	script := Script{
		Language: n.language,
		Source:   n.source,
		Inputs:   call.Inputs,
		Outputs:  make(map[string]types.Type, len(n.outputs)),
	}
	for _, out := range n.outputs {
		script.Outputs[out.name] = out.typ
	}
	n.wf.mu.RUnlock()

	return runtime.Run(ctx, script, call.Log)
}
