package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

func TestStarlark_Run(t *testing.T) {
	runtime := New()
	ctx := context.Background()

	tests := []struct {
		name    string
		script  workflow.Script
		want    workflow.Arguments
		wantErr bool
	}{
		{
			name: "add inputs",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    outputs["result"] = inputs["a"] + inputs["b"]
`,
				Inputs:  workflow.Arguments{"a": types.Integer(2), "b": types.Integer(3)},
				Outputs: map[string]types.Type{"result": types.IntegerType},
			},
			want: workflow.Arguments{"result": types.Integer(5)},
		},
		{
			name: "coerce to declared type",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    outputs["big"] = 3
    outputs["ratio"] = 1
    outputs["letter"] = "x"
`,
				Outputs: map[string]types.Type{
					"big":    types.LongType,
					"ratio":  types.DoubleType,
					"letter": types.CharacterType,
				},
			},
			want: workflow.Arguments{
				"big":    types.Long(3),
				"ratio":  types.Double(1),
				"letter": types.Character('x'),
			},
		},
		{
			name: "collections and builtins",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    pairs = zip(inputs["names"], inputs["scores"])
    outputs["labels"] = ["%d:%s" % (i, p[0]) for i, p in enumerate(pairs)]
`,
				Inputs: workflow.Arguments{
					"names":  types.List{types.String("a"), types.String("b")},
					"scores": types.List{types.Integer(1), types.Integer(2)},
				},
				Outputs: map[string]types.Type{"labels": types.Collection{Elem: types.StringType}},
			},
			want: workflow.Arguments{"labels": types.List{types.String("0:a"), types.String("1:b")}},
		},
		{
			name: "missing and undeclared outputs",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    outputs["extra"] = 1
`,
				Outputs: map[string]types.Type{"result": types.IntegerType},
			},
			want: workflow.Arguments{},
		},
		{
			name: "flow input is None",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    outputs["ok"] = inputs["in"] == None
`,
				Inputs:  workflow.Arguments{workflow.FlowInputName: types.FlowToken{}},
				Outputs: map[string]types.Type{"ok": types.BooleanType},
			},
			want: workflow.Arguments{"ok": types.Boolean(true)},
		},
		{
			name: "wrong output type",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    outputs["result"] = "five"
`,
				Outputs: map[string]types.Type{"result": types.IntegerType},
			},
			wantErr: true,
		},
		{
			name: "inputs are frozen",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    inputs["a"] = 2
`,
				Inputs: workflow.Arguments{"a": types.Integer(1)},
			},
			wantErr: true,
		},
		{
			name: "runtime error",
			script: workflow.Script{
				Source: `
def main(inputs, outputs):
    fail("nope")
`,
			},
			wantErr: true,
		},
		{
			name: "syntax error",
			script: workflow.Script{
				Source: "def main(inputs, outputs)\n",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runtime.Run(ctx, tt.script, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected outputs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStarlark_EntryPoint(t *testing.T) {
	runtime := New()
	sources := []string{
		"x = 1\n",
		"def main(inputs):\n    pass\n",
		"main = 3\n",
	}
	for _, src := range sources {
		_, err := runtime.Run(context.Background(), workflow.Script{Source: src}, nil)
		if !errors.Is(err, ErrNoEntryPoint) {
			t.Errorf("Run(%q) error = %v, want ErrNoEntryPoint", src, err)
		}
	}
}

func TestStarlark_Language(t *testing.T) {
	_, err := New().Run(context.Background(), workflow.Script{Language: "python", Source: "x = 1"}, nil)
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("Expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestStarlark_PrintGoesToLog(t *testing.T) {
	var lines []string
	_, err := New().Run(context.Background(), workflow.Script{
		Source: `
def main(inputs, outputs):
    print("hello")
    print("world")
`,
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"hello", "world"}, lines); diff != "" {
		t.Errorf("unexpected log lines (-want +got):\n%s", diff)
	}
}

func TestStarlark_Cancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New().Run(ctx, workflow.Script{
		Source: `
def main(inputs, outputs):
    for i in range(1000000000):
        pass
`,
	}, nil)
	if err == nil {
		t.Fatal("Expected the script to be cancelled")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestStarlark_MaxSteps(t *testing.T) {
	_, err := New(WithMaxSteps(1000)).Run(context.Background(), workflow.Script{
		Source: `
def main(inputs, outputs):
    for i in range(100000):
        pass
`,
	}, nil)
	if err == nil {
		t.Fatal("Expected the step limit to stop the script")
	}
}

func TestStarlark_Files(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := New().Run(context.Background(), workflow.Script{
		Source: `
def main(inputs, outputs):
    f = inputs["doc"]
    outputs["content"] = f.read() if f.exists else ""
    outputs["same"] = f
    outputs["other"] = "notes/other.txt"
`,
		Inputs: workflow.Arguments{"doc": types.FileRef{Root: root, Path: "greeting.txt"}},
		Outputs: map[string]types.Type{
			"content": types.StringType,
			"same":    types.FileType,
			"other":   types.FileType,
		},
	}, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := workflow.Arguments{
		"content": types.String("hi there"),
		"same":    types.FileRef{Root: root, Path: "greeting.txt"},
		"other":   types.FileRef{Path: "notes/other.txt"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected outputs (-want +got):\n%s", diff)
	}
}

func TestStarlark_StructToMap(t *testing.T) {
	got, err := New().Run(context.Background(), workflow.Script{
		Source: `
def main(inputs, outputs):
    outputs["counts"] = struct(a = 1, b = 2)
`,
		Outputs: map[string]types.Type{
			"counts": types.Map{Key: types.StringType, Value: types.IntegerType},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := types.NewDict(
		types.Entry{Key: types.String("a"), Value: types.Integer(1)},
		types.Entry{Key: types.String("b"), Value: types.Integer(2)},
	)
	if !types.DeepEqual(want, got["counts"]) {
		t.Errorf("unexpected map %v", got["counts"])
	}
}

// TestStarlark_Workflow runs num1 + num2 -> add -> repeat with code nodes.
func TestStarlark_Workflow(t *testing.T) {
	wf := workflow.New("greeting", workflow.WithScriptRuntime(New()))

	primitive := func(name string, typ types.Primitive, v types.Value) *workflow.Node {
		n, err := wf.CreatePrimitiveNode(typ, workflow.WithName(name))
		if err != nil {
			t.Fatal(err)
		}
		if err := n.SetValue(v); err != nil {
			t.Fatal(err)
		}
		return n
	}
	code := func(name, source string, inputs map[string]types.Type, output string, outType types.Type) *workflow.Node {
		n, err := wf.CreateCodeNode(source, workflow.WithName(name))
		if err != nil {
			t.Fatal(err)
		}
		for in, typ := range inputs {
			if _, err := n.AddInput(in, typ, false); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := n.AddOutput(output, outType); err != nil {
			t.Fatal(err)
		}
		return n
	}
	connect := func(from *workflow.Node, out string, to *workflow.Node, in string) {
		o, _ := from.OutputByName(out)
		i, _ := to.InputByName(in)
		if err := wf.Connect(o, i); err != nil {
			t.Fatal(err)
		}
	}

	num1 := primitive("num1", types.Primitive{Kind: types.KindInteger}, types.Integer(1))
	num2 := primitive("num2", types.Primitive{Kind: types.KindInteger}, types.Integer(4))
	text := primitive("text", types.Primitive{Kind: types.KindString}, types.String("Hey ! "))
	add := code("add", `
def main(inputs, outputs):
    outputs["result"] = inputs["num1"] + inputs["num2"]
`, map[string]types.Type{"num1": types.IntegerType, "num2": types.IntegerType}, "result", types.IntegerType)
	repeat := code("repeat", `
def main(inputs, outputs):
    print("repeating", inputs["times"], "times")
    outputs["result"] = inputs["text"] * inputs["times"]
`, map[string]types.Type{"times": types.IntegerType, "text": types.StringType}, "result", types.StringType)

	connect(num1, workflow.PrimitiveOutput, add, "num1")
	connect(num2, workflow.PrimitiveOutput, add, "num2")
	connect(add, "result", repeat, "times")
	connect(text, workflow.PrimitiveOutput, repeat, "text")

	var lines []string
	listener := &lineListener{lines: &lines}
	e := engine.NewExecutor(wf, engine.WithListener(listener))
	defer e.Close()

	if !e.Execute(context.Background()) {
		t.Fatalf("Expected the run to finish, errors: %v", e.Errors())
	}
	snap, _ := e.NodeState(repeat.ID())
	if got := snap.Outputs["result"]; got != types.String(strings.Repeat("Hey ! ", 5)) {
		t.Errorf("unexpected result %q", got)
	}
	if diff := cmp.Diff([]string{"[repeat] repeating 5 times"}, lines); diff != "" {
		t.Errorf("unexpected log lines (-want +got):\n%s", diff)
	}
}

type lineListener struct {
	engine.NopListener
	lines *[]string
}

func (l *lineListener) LogLine(run engine.RunInfo, line string) {
	*l.lines = append(*l.lines, line)
}
