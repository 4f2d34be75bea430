package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/flowgraph/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates every component from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Listener returns an engine.Listener feeding every enabled component.
func (t *Telemetry) Listener(ctx context.Context) engine.Listener {
	ls := engine.Listeners{NewLogListener(t.Logger)}
	if t.Config.Metrics.Enabled {
		ls = append(ls, NewMetricsListener(t.Metrics))
	}
	if t.Config.Tracing.Enabled {
		ls = append(ls, NewTracingListener(ctx, t.Tracer.Tracer()))
	}
	if t.Config.Events.Enabled {
		ls = append(ls, NewEventListener(t.Events))
	}
	return ls
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown delivers queued events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// InstrumentedContext is an operation with its span, logger and timer.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins a traced and logged operation. Without telemetry
// in ctx it only times the operation.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(context.Background()),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	logger := tel.Logger.WithField("operation", operation)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()

	logger := ic.Logger
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.zlog.Debug().Dur("duration", ic.Timer.Duration()).Msg("Operation completed")
}
