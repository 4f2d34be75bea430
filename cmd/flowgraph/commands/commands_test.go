package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const greeting = "../../../pkg/definition/testdata/greeting.yaml"

// setup writes a config sharing one sqlite database between the cache
// and the run history.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "flowgraph.db")
	cfg := fmt.Sprintf(`
cache:
  backend: sqlite
  sqlite_path: %s
history:
  enabled: true
  path: %s
telemetry:
  logging:
    level: error
  metrics:
    enabled: false
`, db, db)
	path := filepath.Join(dir, "flowgraph.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_CachesBetweenInvocations(t *testing.T) {
	cfg := setup(t)

	first, err := execute(t, "run", "--config", cfg, greeting)
	if err != nil {
		t.Fatalf("first run failed: %v\n%s", err, first)
	}
	if !strings.Contains(first, "Hey ! Hey ! Hey ! Hey ! Hey ! ") {
		t.Errorf("Expected the repeated text in the output, got:\n%s", first)
	}
	if strings.Contains(first, "(cached)") {
		t.Errorf("Expected nothing cached on the first run, got:\n%s", first)
	}

	second, err := execute(t, "run", "--config", cfg, "--json", greeting)
	if err != nil {
		t.Fatalf("second run failed: %v\n%s", err, second)
	}
	var result runResult
	if err := json.Unmarshal([]byte(second), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, second)
	}
	if result.State != "FINISHED" {
		t.Errorf("Expected FINISHED, got %s", result.State)
	}
	cached := map[string]bool{}
	for _, n := range result.Nodes {
		cached[n.Name] = n.CacheHit
	}
	if !cached["add"] || cached["repeat"] {
		t.Errorf("Expected add cached and repeat executed, got %v", cached)
	}

	history, err := execute(t, "history", "--config", cfg, "--json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs []map[string]any
	if err := json.Unmarshal([]byte(history), &runs); err != nil {
		t.Fatalf("invalid history output: %v\n%s", err, history)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 recorded runs, got %d", len(runs))
	}

	var events strings.Builder
	for _, run := range runs {
		out, err := execute(t, "history", "--config", cfg, run["id"].(string))
		if err != nil {
			t.Fatalf("history of run %v failed: %v", run["id"], err)
		}
		events.WriteString(out)
	}
	if !strings.Contains(events.String(), "finished") || !strings.Contains(events.String(), "node finished from cache") {
		t.Errorf("Expected run events, got:\n%s", events.String())
	}

	cleared, err := execute(t, "cache", "clear", "--config", cfg, greeting)
	if err != nil || !strings.Contains(cleared, "Cleared sqlite cache of greeting") {
		t.Fatalf("cache clear failed: %v\n%s", err, cleared)
	}
	third, err := execute(t, "run", "--config", cfg, greeting)
	if err != nil {
		t.Fatalf("third run failed: %v", err)
	}
	if strings.Contains(third, "(cached)") {
		t.Errorf("Expected the cleared cache to force execution, got:\n%s", third)
	}
}

func TestRun_FailureExitsNonZero(t *testing.T) {
	cfg := setup(t)
	path := filepath.Join(t.TempDir(), "fail.yaml")
	doc := `
name: fail
nodes:
  - id: 1
    kind: primitive
    type: Integer
    value: 0
  - id: 2
    kind: code
    source: |
      def main(inputs, outputs):
          outputs["q"] = 1 // inputs["d"]
    inputs: [{name: d, type: Integer}]
    outputs: [{name: q, type: Integer}]
connections:
  - {from: 1.output, to: 2.d}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "run", "--config", cfg, path)
	if !errors.Is(err, errRunFailed) {
		t.Fatalf("Expected errRunFailed, got %v", err)
	}
	if !strings.Contains(out, "FAILED") {
		t.Errorf("Expected a FAILED node in the output, got:\n%s", out)
	}
}

func TestValidate(t *testing.T) {
	cfg := setup(t)

	out, err := execute(t, "validate", "--config", cfg, greeting)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "greeting is valid (5 nodes, 4 connections)") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = execute(t, "validate", "--config", cfg, "--dot", greeting)
	if err != nil || !strings.HasPrefix(out, "digraph Workflow {") {
		t.Errorf("Expected DOT output, got %v:\n%s", err, out)
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	doc := `
name: broken
nodes:
  - id: 1
    kind: code
    source: |
      def main(inputs, outputs):
          pass
    inputs: [{name: x, type: Integer}]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "validate", "--config", cfg, path)
	if err == nil {
		t.Fatal("Expected an invalid workflow")
	}
	if !strings.Contains(out, "broken is invalid") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "validate", "--config", cfg, "missing.yaml"); err == nil {
		t.Error("Expected an error for a missing definition")
	}
}

func TestHistory_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowgraph.yaml")
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "history", "--config", path); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("Expected a disabled history error, got %v", err)
	}
}

func TestRun_DeniedByPolicy(t *testing.T) {
	dir := t.TempDir()
	rego := `package custom.nocode

import rego.v1

deny contains violation if {
	some node in input.workflow.nodes
	node.kind == "code"
	violation := {"message": "code nodes are not allowed", "node": node.id, "severity": "error"}
}
`
	if err := os.WriteFile(filepath.Join(dir, "nocode.rego"), []byte(rego), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "flowgraph.yaml")
	content := fmt.Sprintf("log_level: error\npolicy:\n  enabled: true\n  paths: [%s]\n", filepath.Join(dir, "nocode.rego"))
	if err := os.WriteFile(cfg, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "run", "--config", cfg, greeting)
	if err == nil || !strings.Contains(err.Error(), "code nodes are not allowed") {
		t.Fatalf("Expected a policy denial, got %v\n%s", err, out)
	}
	if strings.Contains(out, "Run ") {
		t.Errorf("Expected the denied workflow not to run, got:\n%s", out)
	}

	out, err = execute(t, "validate", "--config", cfg, greeting)
	if err == nil || !strings.Contains(out, "greeting is invalid") {
		t.Errorf("Expected validate to report the denial, got %v\n%s", err, out)
	}
}

func TestRun_SetOverridesPrimitives(t *testing.T) {
	cfg := setup(t)

	out, err := execute(t, "run", "--config", cfg, "--set", "num2=2", "--set", "text='Ho '", greeting)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Ho Ho Ho ") || strings.Contains(out, "Hey") {
		t.Errorf("Expected the overridden values to be used, got:\n%s", out)
	}

	tests := []struct {
		name string
		set  string
		want string
	}{
		{"missing equals", "num2", "expected name=value"},
		{"unknown node", "nope=1", "no node named nope"},
		{"code node", "add=1", "is a code node"},
		{"wrong type", "num2=many", "invalid override"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "run", "--config", cfg, "--set", tt.set, greeting)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected an error containing %q, got %v\n%s", tt.want, err, out)
			}
		})
	}
}
