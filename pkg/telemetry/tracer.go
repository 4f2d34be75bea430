package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Tracer owns the OpenTelemetry provider of the process.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a tracer with the given configuration. A disabled
// config yields a provider without exporter.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg, serviceName, serviceVersion)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

func createOTLPExporter(cfg TracingConfig, serviceName, serviceVersion string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName + "/" + serviceVersion)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// Tracer returns the tracer used for run spans.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys of run and node spans.
var (
	AttrRunID        = attribute.Key("run.id")
	AttrRunState     = attribute.Key("run.state")
	AttrWorkflowID   = attribute.Key("workflow.id")
	AttrWorkflowName = attribute.Key("workflow.name")
	AttrNodeID       = attribute.Key("node.id")
	AttrNodeName     = attribute.Key("node.name")
	AttrNodeKind     = attribute.Key("node.kind")
	AttrNodeState    = attribute.Key("node.state")
	AttrCacheHit     = attribute.Key("node.cache_hit")
	AttrErrorKind    = attribute.Key("error.kind")
)

// TracingListener turns runs into spans: one "workflow.run" span per run
// with a "node.execute" child per node. It implements engine.Listener.
type TracingListener struct {
	tracer trace.Tracer
	parent context.Context

	mu    sync.Mutex
	runs  map[string]trace.Span
	nodes map[nodeKey]trace.Span
}

type nodeKey struct {
	run  string
	node workflow.NodeID
}

var _ engine.Listener = (*TracingListener)(nil)

// NewTracingListener creates a listener starting spans on tracer. Run
// spans are children of the span in parent, if any.
func NewTracingListener(parent context.Context, tracer trace.Tracer) *TracingListener {
	if parent == nil {
		parent = context.Background()
	}
	return &TracingListener{
		tracer: tracer,
		parent: parent,
		runs:   make(map[string]trace.Span),
		nodes:  make(map[nodeKey]trace.Span),
	}
}

func (l *TracingListener) WorkflowStateChanged(run engine.RunInfo, state engine.State, errs []workflow.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state == engine.StateRunning {
		_, span := l.tracer.Start(l.parent, "workflow.run",
			trace.WithTimestamp(run.StartedAt),
			trace.WithAttributes(
				AttrRunID.String(run.ID),
				AttrWorkflowID.String(run.WorkflowID.String()),
				AttrWorkflowName.String(run.WorkflowName),
			),
		)
		l.runs[run.ID] = span
		return
	}
	if !state.IsTerminal() {
		return
	}

	span, ok := l.runs[run.ID]
	if !ok {
		return
	}
	delete(l.runs, run.ID)
	for key, nodeSpan := range l.nodes {
		if key.run == run.ID {
			nodeSpan.End()
			delete(l.nodes, key)
		}
	}

	span.SetAttributes(AttrRunState.String(string(state)))
	for _, err := range errs {
		span.RecordError(err, trace.WithAttributes(AttrErrorKind.String(string(err.Kind))))
	}
	if state == engine.StateFailed {
		span.SetStatus(codes.Error, fmt.Sprintf("%d errors", len(errs)))
	} else {
		RecordSuccess(span)
	}
	span.End()
}

func (l *TracingListener) NodeStateChanged(run engine.RunInfo, node engine.NodeSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, ok := l.runs[run.ID]
	if !ok {
		return
	}
	key := nodeKey{run: run.ID, node: node.ID}

	if node.State == engine.StateRunning {
		ctx := trace.ContextWithSpan(l.parent, parent)
		opts := []trace.SpanStartOption{trace.WithAttributes(
			AttrNodeID.Int(int(node.ID)),
			AttrNodeName.String(node.Name),
			AttrNodeKind.String(string(node.Kind)),
		)}
		if !node.StartedAt.IsZero() {
			opts = append(opts, trace.WithTimestamp(node.StartedAt))
		}
		_, span := l.tracer.Start(ctx, "node.execute", opts...)
		l.nodes[key] = span
		return
	}
	if !node.State.IsTerminal() {
		return
	}

	span, ok := l.nodes[key]
	if ok {
		delete(l.nodes, key)
	} else {
		// Nodes skipped because of failed inputs never ran.
		ctx := trace.ContextWithSpan(l.parent, parent)
		_, span = l.tracer.Start(ctx, "node.execute", trace.WithAttributes(
			AttrNodeID.Int(int(node.ID)),
			AttrNodeName.String(node.Name),
			AttrNodeKind.String(string(node.Kind)),
		))
	}

	span.SetAttributes(AttrNodeState.String(string(node.State)), AttrCacheHit.Bool(node.CacheHit))
	for _, err := range node.Errors {
		span.RecordError(err, trace.WithAttributes(AttrErrorKind.String(string(err.Kind))))
	}
	if node.State == engine.StateFailed {
		span.SetStatus(codes.Error, "node failed")
	} else {
		RecordSuccess(span)
	}

	var endOpts []trace.SpanEndOption
	if !node.FinishedAt.IsZero() {
		endOpts = append(endOpts, trace.WithTimestamp(node.FinishedAt))
	}
	span.End(endOpts...)
}

// LogLine adds the line as an event of the run span.
func (l *TracingListener) LogLine(run engine.RunInfo, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if span, ok := l.runs[run.ID]; ok {
		span.AddEvent("log", trace.WithAttributes(attribute.String("line", line)))
	}
}

func (l *TracingListener) LogCleared(engine.RunInfo) {}
