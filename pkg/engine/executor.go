package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/flowgraph/pkg/cache"
	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// DefaultMaxParallel is the worker pool size when none is configured.
const DefaultMaxParallel = 10

// Executor runs a workflow, executing every node once its inputs are
// available. At most one run is active per executor.
type Executor struct {
	wf       *workflow.Workflow
	cache    *cache.Cache
	listener Listener
	logger   zerolog.Logger
	pool     *semaphore.Weighted

	mu     sync.Mutex
	state  State
	run    RunInfo
	states map[workflow.NodeID]*NodeState
	errors *workflow.Errors

	stopped atomic.Bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCache enables output caching for deterministic nodes.
func WithCache(c *cache.Cache) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// WithListener sets the execution listener.
func WithListener(l Listener) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.listener = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithMaxParallel bounds the number of nodes executing at once.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.pool = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithWorkerPool shares a worker pool between executors.
func WithWorkerPool(pool *semaphore.Weighted) ExecutorOption {
	return func(e *Executor) {
		if pool != nil {
			e.pool = pool
		}
	}
}

// NewExecutor creates an executor for wf. It observes wf to track node
// modifications until Close is called.
func NewExecutor(wf *workflow.Workflow, opts ...ExecutorOption) *Executor {
	e := &Executor{
		wf:       wf,
		listener: NopListener{},
		logger:   zerolog.Nop(),
		state:    StateIdle,
		states:   make(map[workflow.NodeID]*NodeState),
		errors:   workflow.NewErrors(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = semaphore.NewWeighted(DefaultMaxParallel)
	}
	e.logger = e.logger.With().
		Str("component", "executor").
		Str("workflow", wf.Name()).
		Logger()

	for _, n := range wf.Nodes() {
		e.states[n.ID()] = newNodeState(n)
	}
	wf.AddObserver(e)
	return e
}

// Close stops observing the workflow.
func (e *Executor) Close() {
	e.wf.RemoveObserver(e)
}

// Workflow returns the executed workflow.
func (e *Executor) Workflow() *workflow.Workflow { return e.wf }

// Cache returns the output cache, possibly nil.
func (e *Executor) Cache() *cache.Cache { return e.cache }

// State returns the state of the current or last run.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run returns the identity of the current or last run.
func (e *Executor) Run() RunInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

// Errors returns the errors accumulated by the current or last run.
func (e *Executor) Errors() []workflow.Error {
	return e.errors.List()
}

// NodeState returns a snapshot of one node's state.
func (e *Executor) NodeState(id workflow.NodeID) (NodeSnapshot, bool) {
	e.mu.Lock()
	ns, ok := e.states[id]
	e.mu.Unlock()
	if !ok {
		return NodeSnapshot{}, false
	}
	return ns.Snapshot(), true
}

// NodeStates returns snapshots of every node ordered by id.
func (e *Executor) NodeStates() []NodeSnapshot {
	e.mu.Lock()
	states := make([]*NodeState, 0, len(e.states))
	for _, ns := range e.states {
		states = append(states, ns)
	}
	e.mu.Unlock()

	out := make([]NodeSnapshot, 0, len(states))
	for _, ns := range states {
		out = append(out, ns.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeModified implements workflow.Observer.
func (e *Executor) NodeModified(n *workflow.Node) {
	e.mu.Lock()
	ns, ok := e.states[n.ID()]
	if !ok || ns.node != n {
		ns = newNodeState(n)
		e.states[n.ID()] = ns
	}
	e.mu.Unlock()

	ns.SetModified(true)
}

// NodeRemoved implements workflow.Observer.
func (e *Executor) NodeRemoved(id workflow.NodeID) {
	e.mu.Lock()
	delete(e.states, id)
	e.mu.Unlock()

	if e.cache != nil {
		if err := e.cache.Remove(context.Background(), id); err != nil {
			e.logger.Warn().Err(err).Int("node", int(id)).Msg("Failed to drop cache entry of removed node")
		}
	}
}

// Stop requests cancellation of the active run. Nodes already executing
// finish; nothing new is scheduled and the run ends FAILED.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.stopped.Store(true)
	}
}

// Execute runs the workflow and blocks until the run completes. It
// reports whether the run finished successfully; it returns false at once
// if a run is already active.
func (e *Executor) Execute(ctx context.Context) bool {
	h, ok := e.start(ctx)
	if !ok {
		return false
	}
	<-h.done
	return h.success
}

// Start runs the workflow in the background. The channel is closed when
// the run completes. It returns false if a run is already active.
func (e *Executor) Start(ctx context.Context) (<-chan struct{}, bool) {
	h, ok := e.start(ctx)
	if !ok {
		return nil, false
	}
	return h.done, true
}

type runHandle struct {
	done    chan struct{}
	success bool
}

func (e *Executor) start(ctx context.Context) (*runHandle, bool) {
	nodes := e.wf.Nodes()

	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil, false
	}
	e.state = StateRunning
	e.run = RunInfo{
		ID:           uuid.NewString(),
		WorkflowID:   e.wf.UUID(),
		WorkflowName: e.wf.Name(),
		StartedAt:    time.Now(),
	}
	run := e.run
	e.stopped.Store(false)
	e.errors.Clear()

	states := make(map[workflow.NodeID]*NodeState, len(nodes))
	for _, n := range nodes {
		ns, ok := e.states[n.ID()]
		if !ok || ns.node != n {
			ns = newNodeState(n)
		}
		ns.reset()
		states[n.ID()] = ns
	}
	// The run keeps its own map; observers edit e.states while it runs.
	e.states = maps.Clone(states)
	e.mu.Unlock()

	logger := e.logger.With().Str("run_id", run.ID).Logger()
	e.listener.LogCleared(run)
	e.listener.WorkflowStateChanged(run, StateRunning, nil)
	logger.Info().Int("nodes", len(nodes)).Msg("Workflow run started")

	h := &runHandle{done: make(chan struct{})}

	if errs := e.wf.IsValid(); !errs.Empty() {
		e.errors.Merge(errs)
		logger.Warn().Int("errors", errs.Len()).Msg("Workflow validation failed")
		e.complete(run, h, StateFailed, logger)
		return h, true
	}

	x := &execution{e: e, ctx: ctx, run: run, states: states, logger: logger}
	for _, n := range nodes {
		if hasConnectedInput(n) {
			continue
		}
		if ns := states[n.ID()]; ns.claim() {
			x.submit(ns)
		}
	}

	go func() {
		x.wg.Wait()
		e.complete(run, h, x.outcome(), logger)
	}()
	return h, true
}

func hasConnectedInput(n *workflow.Node) bool {
	for _, in := range n.Inputs() {
		if in.IsConnected() {
			return true
		}
	}
	return false
}

func (e *Executor) complete(run RunInfo, h *runHandle, final State, logger zerolog.Logger) {
	e.mu.Lock()
	e.state = final
	e.mu.Unlock()

	errs := e.errors.List()
	h.success = final == StateFinished
	e.listener.WorkflowStateChanged(run, final, errs)

	logger.Info().
		Str("state", string(final)).
		Int("errors", len(errs)).
		Dur("duration", time.Since(run.StartedAt)).
		Msg("Workflow run completed")
	close(h.done)
}

// execution is the state of one run shared by its tasks.
type execution struct {
	e      *Executor
	ctx    context.Context
	run    RunInfo
	states map[workflow.NodeID]*NodeState
	logger zerolog.Logger

	// wg counts every submitted task. A task submits its successors before
	// it returns, so Wait covers the transitive closure.
	wg sync.WaitGroup
}

func (x *execution) cancelled() bool {
	if x.ctx.Err() != nil {
		x.e.stopped.Store(true)
	}
	return x.e.stopped.Load()
}

func (x *execution) submit(ns *NodeState) {
	if x.cancelled() {
		return
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()

		if err := x.e.pool.Acquire(x.ctx, 1); err != nil {
			x.e.stopped.Store(true)
			return
		}
		defer x.e.pool.Release(1)

		if x.cancelled() {
			return
		}
		x.runNode(ns)
	}()
}

func (x *execution) runNode(ns *NodeState) {
	n := ns.node
	logger := x.logger.With().Int("node", int(n.ID())).Str("name", n.Name()).Logger()

	inputs, upstream := ns.collect()
	if !upstream.Empty() {
		logger.Debug().Int("errors", upstream.Len()).Msg("Skipping node with failed inputs")
		x.fail(ns, upstream, logger)
		return
	}

	ns.SetState(StateRunning)
	x.notify(ns)
	logger.Debug().Msg("Node running")

	outputs, hit := x.lookup(ns, inputs, logger)
	if !hit {
		out, errs := x.invoke(n, inputs)
		if errs != nil {
			x.fail(ns, errs, logger)
			return
		}
		outputs = out
	}

	outputs, errs := checkOutputs(n, outputs)
	if !errs.Empty() {
		x.fail(ns, errs, logger)
		return
	}

	if !hit && x.e.cache != nil && n.IsDeterministic() {
		if err := x.e.cache.Set(x.ctx, n, inputs, outputs); err != nil {
			x.fail(ns, workflow.NewErrors(workflow.NewFailedExecution(n.ID(), err.Error())), logger)
			return
		}
	}
	if n.IsDeterministic() {
		ns.SetModified(false)
	}

	ns.finish(outputs, hit)
	x.notify(ns)
	logger.Debug().Bool("cache_hit", hit).Msg("Node finished")

	for _, out := range n.Outputs() {
		v := outputs[out.Name()]
		x.propagate(out, func() InputValue { return InputValue{Value: types.Clone(v)} })
	}
}

func (x *execution) lookup(ns *NodeState, inputs workflow.Arguments, logger zerolog.Logger) (workflow.Arguments, bool) {
	if x.e.cache == nil || !ns.node.IsDeterministic() || ns.IsModified() {
		return nil, false
	}
	outputs, ok, err := x.e.cache.Get(x.ctx, ns.node, inputs)
	if err != nil {
		logger.Warn().Err(err).Msg("Cache lookup failed")
		return nil, false
	}
	return outputs, ok
}

// invoke runs the node logic bounded by the node timeout.
func (x *execution) invoke(n *workflow.Node, inputs workflow.Arguments) (workflow.Arguments, *workflow.Errors) {
	ctx, cancel := context.WithTimeout(x.ctx, n.Timeout())
	defer cancel()

	prefix := "[" + n.Name() + "] "
	logLine := func(line string) {
		x.e.listener.LogLine(x.run, prefix+strings.TrimRight(line, "\r\n"))
	}

	type result struct {
		outputs workflow.Arguments
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := n.Execute(ctx, inputs.Clone(), logLine)
		done <- result{outputs: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.outputs, nil
		}
		var werr workflow.Error
		if errors.As(r.err, &werr) && !werr.IsValidation() {
			return nil, workflow.NewErrors(werr)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && x.ctx.Err() == nil {
			return nil, workflow.NewErrors(workflow.NewExecutionTimeout(n.ID()))
		}
		return nil, workflow.NewErrors(workflow.NewFailedExecution(n.ID(), r.err.Error()))

	case <-ctx.Done():
		if x.ctx.Err() != nil {
			return nil, workflow.NewErrors(workflow.NewFailedExecution(n.ID(), "execution cancelled"))
		}
		return nil, workflow.NewErrors(workflow.NewExecutionTimeout(n.ID()))
	}
}

// checkOutputs keeps the declared outputs, fills absent Flow outputs and
// checks every value against its connector type.
func checkOutputs(n *workflow.Node, outputs workflow.Arguments) (workflow.Arguments, *workflow.Errors) {
	result := make(workflow.Arguments)
	errs := workflow.NewErrors()

	for _, out := range n.Outputs() {
		t := out.Type()
		v, ok := outputs[out.Name()]
		if !ok || v == nil {
			if t.Variant() == types.VariantFlow {
				result[out.Name()] = types.FlowToken{}
				continue
			}
			errs.Add(workflow.NewMissingOutputValue(out.Ref()))
			continue
		}
		actual := types.TypeOf(v)
		if !t.CanConvertFrom(actual) {
			errs.Add(workflow.NewWrongType(actual, t, out.Ref()))
			continue
		}
		result[out.Name()] = v
	}
	return result, errs
}

func (x *execution) fail(ns *NodeState, errs *workflow.Errors, logger zerolog.Logger) {
	ns.fail(errs)
	x.e.errors.Merge(errs)
	x.notify(ns)
	logger.Warn().Err(errs.Err()).Msg("Node failed")

	poisoned := errs.List()
	for _, out := range ns.node.Outputs() {
		x.propagate(out, func() InputValue { return InputValue{Errors: poisoned} })
	}
}

// propagate hands a value to every input fed by out and schedules the
// nodes that became ready.
func (x *execution) propagate(out *workflow.OutputConnector, value func() InputValue) {
	for _, in := range out.ConnectedTo() {
		target, ok := x.states[in.Node().ID()]
		if !ok {
			continue
		}
		if target.offer(in.ID(), value()) {
			x.submit(target)
		}
	}
}

func (x *execution) notify(ns *NodeState) {
	x.e.listener.NodeStateChanged(x.run, ns.Snapshot())
}

// outcome returns the final run state once every task completed.
func (x *execution) outcome() State {
	final := StateFinished
	if x.e.stopped.Load() {
		x.e.errors.Add(workflow.NewWorkflowCancelled())
		final = StateFailed
	}
	for _, ns := range x.states {
		if ns.State() != StateFinished {
			final = StateFailed
		}
	}
	return final
}
