package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/telemetry"
	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Example_basicSetup demonstrates wiring telemetry into an executor.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.ListenAddress = "127.0.0.1:0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(tel.WithContext(context.Background()))
	defer cancel()
	if _, err := tel.Metrics.StartMetricsServer(ctx, tel.Logger.Zerolog()); err != nil {
		panic(err)
	}

	wf := workflow.New("hello")
	if _, err := wf.CreatePrimitiveNode(types.Primitive{Kind: types.KindString}); err != nil {
		panic(err)
	}

	e := engine.NewExecutor(wf,
		engine.WithListener(tel.Listener(ctx)),
		engine.WithLogger(tel.Logger.Zerolog()),
	)
	defer e.Close()
	e.Execute(ctx)

	// Output varies, no output specified
}

// Example_eventPublishing demonstrates subscribing to run events.
func Example_eventPublishing() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:      true,
		BufferSize:   16,
		MaxBatchSize: 1,
	})
	if err != nil {
		panic(err)
	}
	publisher.Subscribe(func(event telemetry.Event) {
		fmt.Println(event.Type, event.Workflow)
	}, telemetry.FilterByType(telemetry.EventTypeRunStarted, telemetry.EventTypeRunFinished))

	wf := workflow.New("hello")
	if _, err := wf.CreatePrimitiveNode(types.Primitive{Kind: types.KindInteger}); err != nil {
		panic(err)
	}
	e := engine.NewExecutor(wf, engine.WithListener(telemetry.NewEventListener(publisher)))
	defer e.Close()
	e.Execute(context.Background())

	// Output:
	// run.started hello
	// run.finished hello
}

// Example_jsonLines demonstrates streaming events as JSON lines.
func Example_jsonLines() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	publisher.Subscribe(telemetry.JSONLines(os.Stdout), nil)

	_ = publisher.Publish(telemetry.Event{
		ID:      "evt-1",
		Type:    telemetry.EventTypeNodeLog,
		RunID:   "run-1",
		Message: "[repeat] repeating 5 times",
		Level:   telemetry.EventLevelInfo,
	})

	// Output varies with the timestamp, no output specified
}
