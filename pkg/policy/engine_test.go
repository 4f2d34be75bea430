package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// sample builds num -> code, with the code node options given.
func sample(t *testing.T, opts ...workflow.NodeOption) *workflow.Workflow {
	t.Helper()
	wf := workflow.New("sample")
	num, err := wf.CreatePrimitiveNode(types.IntegerType.(types.Primitive), workflow.WithName("num"))
	if err != nil {
		t.Fatal(err)
	}
	code, err := wf.CreateCodeNode("def main(inputs, outputs):\n    pass\n", opts...)
	if err != nil {
		t.Fatal(err)
	}
	in, err := code.AddInput("x", types.IntegerType, false)
	if err != nil {
		t.Fatal(err)
	}
	out, _ := num.OutputByName(workflow.PrimitiveOutput)
	if err := wf.Connect(out, in); err != nil {
		t.Fatal(err)
	}
	return wf
}

func TestNewEngine_Builtins(t *testing.T) {
	eng := newEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"node-naming", "node-timeouts"}, names); diff != "" {
		t.Errorf("policies mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	tests := []struct {
		name    string
		opts    []workflow.NodeOption
		allowed bool
		want    []Violation
	}{
		{
			name:    "clean workflow",
			opts:    []workflow.NodeOption{workflow.WithName("double")},
			allowed: true,
		},
		{
			name:    "generated names",
			allowed: true,
		},
		{
			name:    "duplicate name",
			opts:    []workflow.NodeOption{workflow.WithName("num")},
			allowed: true,
			want: []Violation{
				{Policy: "node-naming", Node: 2, Message: `name "num" is already used by node 1`, Severity: SeverityWarning},
			},
		},
		{
			name:    "timeout too long",
			opts:    []workflow.NodeOption{workflow.WithName("slow"), workflow.WithTimeout(2 * time.Hour)},
			allowed: false,
			want: []Violation{
				{Policy: "node-timeouts", Node: 2, Message: "timeout of 7200s exceeds the 3600s limit", Severity: SeverityError},
			},
		},
	}

	eng := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), sample(t, tt.opts...))
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v", tt.allowed, result.Allowed)
			}
			if diff := cmp.Diff(tt.want, result.Violations, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("violations mismatch (-want +got):\n%s", diff)
			}
			if (result.Err() == nil) != tt.allowed {
				t.Errorf("Err() = %v with allowed=%v", result.Err(), tt.allowed)
			}
		})
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newEngine(t)
	if err := eng.DisablePolicy("node-timeouts"); err != nil {
		t.Fatal(err)
	}

	result, err := eng.Evaluate(context.Background(), sample(t, workflow.WithName("slow"), workflow.WithTimeout(2*time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Errorf("Expected a disabled policy not to deny, got %v", result.Violations)
	}
	if diff := cmp.Diff([]string{"node-naming"}, result.EvaluatedPolicies); diff != "" {
		t.Errorf("evaluated policies mismatch (-want +got):\n%s", diff)
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected an error for an unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	rego := `# Code nodes must be cacheable.
package custom.policies.cache

import rego.v1

deny contains violation if {
	some node in input.workflow.nodes
	node.kind == "code"
	not node.deterministic
	violation := {
		"message": sprintf("%s is not deterministic", [node.name]),
		"node": node.id,
		"severity": "error",
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "deterministic.rego"), []byte(rego), 0o600); err != nil {
		t.Fatal(err)
	}
	json := `{"name": "no-edges", "rego": "package custom.edges\n\nimport rego.v1\n\ndeny contains \"no connections\" if count(input.workflow.connections) == 0\n", "severity": "info"}`
	if err := os.WriteFile(filepath.Join(dir, "edges.json"), []byte(json), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	eng := newEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	var loaded *Policy
	for _, p := range eng.ListPolicies() {
		if p.Name == "deterministic" {
			p := p
			loaded = &p
		}
	}
	if loaded == nil {
		t.Fatal("Expected the deterministic policy to be loaded")
	}
	if loaded.Description != "Code nodes must be cacheable." {
		t.Errorf("unexpected description %q", loaded.Description)
	}

	result, err := eng.Evaluate(context.Background(), sample(t, workflow.WithName("double")))
	if err != nil {
		t.Fatal(err)
	}
	want := []Violation{
		{Policy: "deterministic", Node: 2, Message: "double is not deterministic", Severity: SeverityError},
	}
	if diff := cmp.Diff(want, result.Violations); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
	if result.Allowed {
		t.Error("Expected the custom policy to deny the workflow")
	}
	if err := result.Err(); err == nil || !strings.Contains(err.Error(), "double is not deterministic") {
		t.Errorf("unexpected error %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "missing.rego")}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestNewInput(t *testing.T) {
	wf := sample(t, workflow.WithName("double"))
	in := NewInput(wf)

	if in.Workflow.Name != "sample" || len(in.Workflow.Nodes) != 2 {
		t.Fatalf("unexpected input %+v", in.Workflow)
	}
	want := []ConnectionInput{{From: "1.output", To: "2.x"}}
	if diff := cmp.Diff(want, in.Workflow.Connections); diff != "" {
		t.Errorf("connections mismatch (-want +got):\n%s", diff)
	}
	code := in.Workflow.Nodes[1]
	if code.Kind != workflow.NodeCode || code.Language == "" || code.Timeout != workflow.DefaultTimeout.Seconds() {
		t.Errorf("unexpected code node %+v", code)
	}
}
