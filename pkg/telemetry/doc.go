// Package telemetry provides observability for workflow runs.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an event publisher. Each of
// them is fed by an engine.Listener, so an executor needs no telemetry
// knowledge:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	e := engine.NewExecutor(wf,
//	    engine.WithListener(tel.Listener(ctx)),
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	)
//
// # Listeners
//
//   - LogListener logs run transitions, node failures and node output.
//   - MetricsListener counts runs, node completions, cache hits and errors.
//   - TracingListener opens a "workflow.run" span per run and one
//     "node.execute" child per node. Nodes skipped because an input failed
//     get a zero-length span carrying the propagated errors.
//   - EventListener publishes run.*, node.* and log events.
//
// # Metrics
//
// Every metric is prefixed with the configured namespace:
//
//	runs_started_total{workflow}
//	runs_completed_total{workflow,state}
//	run_duration_seconds{workflow,state}
//	active_runs
//	nodes_completed_total{kind,state}
//	node_duration_seconds{kind}
//	cache_hits_total{kind}
//	errors_total{kind}
//
// Metrics.StartMetricsServer serves them until its context is done.
//
// # Events
//
// With EnableAsync, events are queued and delivered in batches of
// MaxBatchSize, or every FlushInterval for partial batches. Subscribers
// run on the delivery goroutine in publish order. JSONLines writes events
// as newline-delimited JSON.
//
// # Exporters
//
// Traces go to an OTLP gRPC collector ("otlp"), pretty-printed to stdout
// ("stdout"), or nowhere ("none").
package telemetry
