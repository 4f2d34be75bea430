package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// chain builds src -> dst where src fails when fail is set.
func chain(t *testing.T, fail bool) *workflow.Workflow {
	t.Helper()
	wf := workflow.New("chain")

	src, err := wf.CreateFuncNode(func(ctx context.Context, call workflow.Call) (workflow.Arguments, error) {
		call.Log("producing")
		if fail {
			return nil, errors.New("boom")
		}
		return workflow.Arguments{"value": types.Integer(1)}, nil
	}, workflow.WithName("src"), workflow.WithDeterministic(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.AddOutput("value", types.IntegerType); err != nil {
		t.Fatal(err)
	}

	dst, err := wf.CreateFuncNode(func(ctx context.Context, call workflow.Call) (workflow.Arguments, error) {
		return workflow.Arguments{}, nil
	}, workflow.WithName("dst"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dst.AddInput("value", types.IntegerType, false); err != nil {
		t.Fatal(err)
	}

	out, _ := src.OutputByName("value")
	in, _ := dst.InputByName("value")
	if err := wf.Connect(out, in); err != nil {
		t.Fatal(err)
	}
	return wf
}

func run(t *testing.T, wf *workflow.Workflow, l engine.Listener) bool {
	t.Helper()
	e := engine.NewExecutor(wf, engine.WithListener(l))
	defer e.Close()
	return e.Execute(context.Background())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "production", modify: func(c *Config) { *c = *ProductionConfig(); c.Tracing.Endpoint = "collector:4317" }},
		{name: "no service", modify: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "log level"},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "log format"},
		{name: "bad exporter", modify: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, wantErr: "trace exporter"},
		{name: "otlp without endpoint", modify: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, wantErr: "endpoint"},
		{name: "bad sampling", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "no metrics path", modify: func(c *Config) { c.Metrics.Path = "" }, wantErr: "metrics path"},
		{name: "no buffer", modify: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected an error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogListener(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	if run(t, chain(t, true), NewLogListener(logger)) {
		t.Fatal("Expected the run to fail")
	}

	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		if entry["component"] != "run" {
			t.Errorf("Expected component=run, got %v", entry["component"])
		}
		messages = append(messages, entry["message"].(string))
	}
	if messages[0] != "Run started" || messages[len(messages)-1] != "Run failed" {
		t.Errorf("unexpected log sequence %q", messages)
	}
	if !strings.Contains(buf.String(), "[src] producing") {
		t.Errorf("Expected node output in the log, got:\n%s", buf.String())
	}
}

func TestMetricsListener(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", Path: "/metrics"})
	if err != nil {
		t.Fatal(err)
	}
	l := NewMetricsListener(m)

	if !run(t, chain(t, false), l) {
		t.Fatal("Expected the first run to finish")
	}
	if run(t, chain(t, true), l) {
		t.Fatal("Expected the second run to fail")
	}

	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("chain")); got != 2 {
		t.Errorf("Expected 2 started runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("chain", "FINISHED")); got != 1 {
		t.Errorf("Expected 1 finished run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("chain", "FAILED")); got != 1 {
		t.Errorf("Expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("Expected no active run, got %v", got)
	}
	if got := testutil.ToFloat64(m.nodesCompleted.WithLabelValues("func", "FAILED")); got != 2 {
		t.Errorf("Expected 2 failed nodes, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues(string(workflow.KindFailedExecution))); got == 0 {
		t.Error("Expected FailedExecution errors to be counted")
	}

	disabled, _ := NewMetrics(MetricsConfig{})
	disabled.RecordRunStarted("chain")
	disabled.RecordNodeCompleted(engine.NodeSnapshot{State: engine.StateFinished})
	if disabled.Registry() != nil {
		t.Error("Expected no registry when metrics are disabled")
	}
}

func TestMetricsServer(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", Path: "/metrics", ListenAddress: "127.0.0.1:0"})
	m.RecordRunStarted("served")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := m.StartMetricsServer(ctx, zerolog.Nop())
	if err != nil {
		t.Fatalf("StartMetricsServer failed: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `test_runs_started_total{workflow="served"} 1`) {
		t.Errorf("Expected the started run counter, got:\n%s", body)
	}
}

func TestTracingListener(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	l := NewTracingListener(context.Background(), provider.Tracer("test"))

	if run(t, chain(t, true), l) {
		t.Fatal("Expected the run to fail")
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("Expected 3 spans, got %d", len(spans))
	}

	byNode := make(map[string]sdktrace.ReadOnlySpan)
	var root sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == "workflow.run" {
			root = s
			continue
		}
		for _, attr := range s.Attributes() {
			if attr.Key == AttrNodeName {
				byNode[attr.Value.AsString()] = s
			}
		}
	}
	if root == nil {
		t.Fatal("Expected a workflow.run span")
	}
	if root.Status().Code != codes.Error {
		t.Errorf("Expected the run span to be an error, got %v", root.Status())
	}
	if len(root.Events()) == 0 || root.Events()[0].Name != "log" {
		t.Errorf("Expected node output as span events, got %v", root.Events())
	}

	for _, name := range []string{"src", "dst"} {
		s, ok := byNode[name]
		if !ok {
			t.Fatalf("Expected a span for node %s", name)
		}
		if s.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Errorf("Expected node %s to be a child of the run span", name)
		}
		if s.Status().Code != codes.Error {
			t.Errorf("Expected node %s span to be an error", name)
		}
	}
	if len(l.runs) != 0 || len(l.nodes) != 0 {
		t.Errorf("Expected every span to be released, got %d runs, %d nodes", len(l.runs), len(l.nodes))
	}
}

func TestEventPublisher_Async(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  10,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	}, nil)
	ep.AddFilter(FilterByLevel(EventLevelInfo))

	var want []string
	for i := range 25 {
		msg := strings.Repeat("x", i+1)
		want = append(want, msg)
		if err := ep.Publish(Event{Message: msg, Level: EventLevelInfo}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Publish(Event{Message: "filtered", Level: EventLevelDebug}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// A partial batch is delivered on the next tick.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 25 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected delivery (-want +got):\n%s", diff)
	}
	if err := ep.Publish(Event{Message: "late", Level: EventLevelInfo}); !errors.Is(err, ErrPublisherStopped) {
		t.Errorf("Expected ErrPublisherStopped, got %v", err)
	}
}

func TestEventListener(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})

	var mu sync.Mutex
	var kinds []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Type)
	}, FilterByType(EventTypeRunStarted, EventTypeRunFailed, EventTypeNodeFailed))

	if run(t, chain(t, true), NewEventListener(ep)) {
		t.Fatal("Expected the run to fail")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventTypeRunStarted, EventTypeNodeFailed, EventTypeNodeFailed, EventTypeRunFailed}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sub := JSONLines(&buf)
	sub(Event{ID: "1", Type: EventTypeNodeLog, RunID: "r", NodeID: 3, Message: "hi", Level: EventLevelInfo})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON line %q: %v", buf.String(), err)
	}
	if decoded.NodeID != 3 || decoded.Message != "hi" {
		t.Errorf("unexpected event %+v", decoded)
	}
}

func TestStartOperation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	var buf bytes.Buffer
	tel := &Telemetry{
		Logger: &Logger{zlog: zerolog.New(&buf)},
		Tracer: &Tracer{provider: provider, tracer: provider.Tracer("test")},
		Config: DefaultConfig(),
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("Expected the telemetry instance in the context")
	}
	op := StartOperation(ctx, "policy.evaluate", attribute.String("workflow", "greeting"))
	if FromContext(op.Ctx) != op.Logger {
		t.Error("Expected the operation logger in the operation context")
	}
	op.End(errors.New("denied"))

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "policy.evaluate" {
		t.Fatalf("Expected one policy.evaluate span, got %v", spans)
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Expected an error status, got %v", spans[0].Status())
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if line["operation"] != "policy.evaluate" || line["error"] != "denied" || line["trace_id"] == nil {
		t.Errorf("unexpected log line %v", line)
	}

	// Without telemetry the operation is only timed.
	bare := StartOperation(context.Background(), "noop")
	bare.End(nil)
	if bare.Timer.Duration() <= 0 {
		t.Error("Expected the bare operation to be timed")
	}
}
