package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowgraph/pkg/cache"
	"github.com/openfroyo/flowgraph/pkg/config"
	"github.com/openfroyo/flowgraph/pkg/definition"
	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/policy"
	"github.com/openfroyo/flowgraph/pkg/script"
	"github.com/openfroyo/flowgraph/pkg/stores"
	"github.com/openfroyo/flowgraph/pkg/stores/redisstore"
	"github.com/openfroyo/flowgraph/pkg/telemetry"
	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// workflowNamespace derives stable ids for documents without a uuid, so
// their cache entries survive between invocations.
var workflowNamespace = uuid.MustParse("5b0e4a53-8f0c-4c1e-9a53-0f9d2c7a61b4")

// environment holds what a command opened from the configuration.
type environment struct {
	cfg    *config.Config
	logger zerolog.Logger

	sqlite  map[string]*stores.SQLiteStore
	policy  *policy.Engine
	closers []func() error
}

func loadEnvironment() (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.LogLevel = "debug"
		cfg.Telemetry.Logging.Level = "debug"
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.LogLevel))

	return &environment{
		cfg:    cfg,
		logger: log.Logger,
		sqlite: make(map[string]*stores.SQLiteStore),
	}, nil
}

// Close releases everything in reverse opening order.
func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *environment) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// loadWorkflow reads and builds the definition at path.
func (e *environment) loadWorkflow(path string) (*definition.Document, *workflow.Workflow, error) {
	doc, err := definition.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if doc.UUID == "" {
		doc.UUID = uuid.NewSHA1(workflowNamespace, []byte(doc.Name)).String()
	}
	if doc.FilesRoot != "" && !filepath.IsAbs(doc.FilesRoot) {
		doc.FilesRoot = filepath.Join(filepath.Dir(path), doc.FilesRoot)
	}

	opts := append(e.cfg.WorkflowOptions(), workflow.WithScriptRuntime(script.New(script.WithLogger(e.logger))))
	wf, err := definition.Build(doc, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build %s: %w", path, err)
	}
	return doc, wf, nil
}

// evaluatePolicies runs the configured policies against wf. It returns nil
// when policies are disabled.
func (e *environment) evaluatePolicies(ctx context.Context, wf *workflow.Workflow) (*policy.Result, error) {
	if !e.cfg.Policy.Enabled {
		return nil, nil
	}
	if e.policy == nil {
		eng, err := policy.NewEngine(ctx, e.logger)
		if err != nil {
			return nil, err
		}
		if len(e.cfg.Policy.Paths) > 0 {
			if err := eng.LoadPolicies(ctx, e.cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
		e.policy = eng
	}
	return e.policy.Evaluate(ctx, wf)
}

// checkPolicies reports non-blocking violations to w and fails when a
// policy denies wf.
func (e *environment) checkPolicies(ctx context.Context, wf *workflow.Workflow, w io.Writer) (err error) {
	op := telemetry.StartOperation(ctx, "policy.evaluate", attribute.String("workflow", wf.Name()))
	defer func() { op.End(err) }()

	result, err := e.evaluatePolicies(op.Ctx, wf)
	if err != nil || result == nil {
		return err
	}
	for _, v := range result.Violations {
		if v.Severity != policy.SeverityError {
			fmt.Fprintf(w, "policy %s\n", v)
		}
	}
	return result.Err()
}

// applyOverrides replaces primitive node values given as name=value. The
// value is read as a YAML scalar and converted to the node's type.
func applyOverrides(wf *workflow.Workflow, sets []string) error {
	for _, set := range sets {
		name, raw, ok := strings.Cut(set, "=")
		if !ok {
			return fmt.Errorf("invalid override %q: expected name=value", set)
		}
		n, found := wf.NodeByName(name)
		if !found {
			return fmt.Errorf("invalid override %q: no node named %s", set, name)
		}
		if n.Kind() != workflow.NodePrimitive {
			return fmt.Errorf("invalid override %q: %s is a %s node", set, name, n.Kind())
		}
		out, _ := n.OutputByName(workflow.PrimitiveOutput)
		t := out.Type().(types.Primitive)

		var decoded any
		if err := yaml.Unmarshal([]byte(raw), &decoded); err != nil {
			return fmt.Errorf("invalid override %q: %w", set, err)
		}
		v, err := types.Coerce(t, decoded)
		if err != nil {
			return fmt.Errorf("invalid override %q: %w", set, err)
		}
		if err := n.SetValue(v); err != nil {
			return fmt.Errorf("invalid override %q: %w", set, err)
		}
	}
	return nil
}

// openCache opens the configured cache backend.
func (e *environment) openCache(ctx context.Context) (cache.Store, error) {
	switch e.cfg.Cache.Backend {
	case config.BackendSQLite:
		return e.openSQLite(ctx, e.cfg.Cache.SQLitePath)

	case config.BackendRedis:
		rc := e.cfg.Cache.Redis
		client := redis.NewClient(&redis.Options{
			Addr:        rc.Addr,
			Password:    rc.Password,
			DB:          rc.DB,
			DialTimeout: rc.DialTimeout,
		})
		store := redisstore.New(client,
			redisstore.WithPrefix(rc.Prefix),
			redisstore.WithTTL(rc.TTL),
			redisstore.WithLogger(e.logger),
		)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		e.onClose(client.Close)
		e.logger.Debug().Str("addr", rc.Addr).Msg("Using redis cache")
		return store, nil

	default:
		return cache.NewMemoryStore(), nil
	}
}

// openHistory opens the run history database, or returns nil when history
// is disabled.
func (e *environment) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if !e.cfg.History.Enabled {
		return nil, nil
	}
	return e.openSQLite(ctx, e.cfg.History.Path)
}

// openSQLite opens each database file once; the cache and the history may
// share one.
func (e *environment) openSQLite(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if s, ok := e.sqlite[path]; ok {
		return s, nil
	}
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	s, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	e.sqlite[path] = s
	e.onClose(s.Close)
	return s, nil
}

type runOptions struct {
	metricsAddr string
	eventsPath  string
	sets        []string
}

// newRegistry wires telemetry, the cache backend and the history recorder
// into a registry.
func (e *environment) newRegistry(ctx context.Context, opts runOptions, stdout io.Writer) (*engine.Registry, *telemetry.Telemetry, error) {
	telCfg := &e.cfg.Telemetry
	if opts.metricsAddr != "" {
		telCfg.Metrics.Enabled = true
		telCfg.Metrics.ListenAddress = opts.metricsAddr
	}
	if opts.eventsPath != "" {
		telCfg.Events.Enabled = true
	}

	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	if opts.eventsPath != "" {
		w := stdout
		if opts.eventsPath != "-" {
			f, err := os.Create(opts.eventsPath)
			if err != nil {
				_ = tel.Shutdown(ctx)
				return nil, nil, fmt.Errorf("failed to create events file: %w", err)
			}
			e.onClose(f.Close)
			w = f
		}
		tel.Events.Subscribe(telemetry.JSONLines(w), nil)
	}
	e.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	logger := tel.Logger.Zerolog()
	if telCfg.Metrics.Enabled {
		addr, err := tel.Metrics.StartMetricsServer(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("addr", addr).Msg("Serving metrics")
	}

	store, err := e.openCache(ctx)
	if err != nil {
		return nil, nil, err
	}
	listeners := engine.Listeners{tel.Listener(ctx)}
	history, err := e.openHistory(ctx)
	if err != nil {
		return nil, nil, err
	}
	if history != nil {
		listeners = append(listeners, stores.NewHistoryRecorder(history,
			stores.WithHistoryLogger(logger),
			stores.WithLogLines(e.cfg.History.LogLines),
		))
	}

	registry := engine.NewRegistry(store, e.cfg.Engine.MaxParallel,
		engine.WithLogger(logger),
		engine.WithListener(listeners),
	)
	return registry, tel, nil
}
