package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowgraph.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", WithEnvironment(map[string]string{}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("unexpected defaults (-want +got):\n%s", diff)
	}
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
engine:
  max_parallel: 4
  default_timeout: 30s
cache:
  backend: redis
  redis:
    addr: redis:6379
    ttl: 24h
history:
  enabled: true
  path: /tmp/history.db
telemetry:
  logging:
    format: json
`)

	cfg, err := Load(path, WithEnvironment(map[string]string{
		"FLOWGRAPH_ENGINE_MAX_PARALLEL":       "8",
		"FLOWGRAPH_CACHE_REDIS_DB":            "2",
		"FLOWGRAPH_TELEMETRY_METRICS_ENABLED": "true",
		"UNRELATED":                           "ignored",
	}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.Engine.MaxParallel != 8 {
		t.Errorf("Expected the environment to override max_parallel, got %d", cfg.Engine.MaxParallel)
	}
	if cfg.Engine.DefaultTimeout != 30*time.Second {
		t.Errorf("Expected 30s default timeout, got %v", cfg.Engine.DefaultTimeout)
	}
	if cfg.Cache.Backend != BackendRedis || cfg.Cache.Redis.Addr != "redis:6379" || cfg.Cache.Redis.DB != 2 {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Cache.Redis.TTL != 24*time.Hour {
		t.Errorf("Expected 24h TTL, got %v", cfg.Cache.Redis.TTL)
	}
	if cfg.Cache.Redis.Prefix == "" {
		t.Error("Expected the default redis prefix to survive the file")
	}
	if !cfg.History.Enabled || cfg.History.Path != "/tmp/history.db" {
		t.Errorf("unexpected history config %+v", cfg.History)
	}
	if cfg.Telemetry.Logging.Format != "json" || cfg.Telemetry.Logging.Level != "info" {
		t.Errorf("unexpected logging config %+v", cfg.Telemetry.Logging)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("Expected metrics to be enabled from the environment")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		environ map[string]string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "engine:\n  workers: 3\n",
			wantErr: "field workers not found",
		},
		{
			name:    "bad backend",
			content: "cache:\n  backend: memcached\n",
			wantErr: "Cache.Backend must be one of",
		},
		{
			name:    "no parallelism",
			environ: map[string]string{"FLOWGRAPH_ENGINE_MAX_PARALLEL": "0"},
			wantErr: "Engine.MaxParallel must be at least 1",
		},
		{
			name:    "history without path",
			content: "history:\n  enabled: true\n  path: \"\"\n",
			wantErr: "History.Path is required",
		},
		{
			name:    "sqlite without path",
			content: "cache:\n  backend: sqlite\n  sqlite_path: \"\"\n",
			wantErr: "Cache.SQLitePath is required",
		},
		{
			name:    "bad duration",
			environ: map[string]string{"FLOWGRAPH_ENGINE_DEFAULT_TIMEOUT": "soon"},
			wantErr: "failed to parse environment",
		},
		{
			name:    "bad telemetry",
			content: "telemetry:\n  logging:\n    format: xml\n",
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			}
			environ := tt.environ
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := Load(path, WithEnvironment(environ))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected an error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestWorkflowOptions(t *testing.T) {
	cfg := Default()
	cfg.Engine.DefaultTimeout = time.Minute
	cfg.Engine.FilesRoot = "/data"

	wf := workflow.New("options", cfg.WorkflowOptions()...)
	if wf.FilesRoot() != "/data" {
		t.Errorf("Expected files root /data, got %s", wf.FilesRoot())
	}
	if wf.DefaultTimeout() != time.Minute {
		t.Errorf("Expected a 1m default timeout, got %v", wf.DefaultTimeout())
	}
}

func TestLoad_PolicyPaths(t *testing.T) {
	cfg, err := Load("", WithEnvironment(map[string]string{
		"FLOWGRAPH_POLICY_PATHS": "policies,extra/limits.rego",
	}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := PolicyConfig{Enabled: true, Paths: []string{"policies", "extra/limits.rego"}}
	if diff := cmp.Diff(want, cfg.Policy); diff != "" {
		t.Errorf("policy config mismatch (-want +got):\n%s", diff)
	}
}
