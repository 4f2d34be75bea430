package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Event is one notable moment of a workflow run.
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Workflow   string          `json:"workflow,omitempty"`
	NodeID     workflow.NodeID `json:"node_id,omitempty"`
	NodeName   string          `json:"node_name,omitempty"`
	Message    string          `json:"message"`
	Level      string          `json:"level"`
	Data       map[string]any  `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted   = "run.started"
	EventTypeRunFinished  = "run.finished"
	EventTypeRunFailed    = "run.failed"
	EventTypeNodeRunning  = "node.running"
	EventTypeNodeFinished = "node.finished"
	EventTypeNodeCached   = "node.cached"
	EventTypeNodeFailed   = "node.failed"
	EventTypeNodeLog      = "node.log"
	EventTypeLogCleared   = "log.cleared"
)

// Event levels.
const (
	EventLevelDebug   = "debug"
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when an async event cannot be queued.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles events. Subscribers are called in publish order
// from a single goroutine.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, inline or through a
// buffered queue.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish hands an event to every subscriber.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		if ep.ctx.Err() != nil {
			return ErrPublisherStopped
		}
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a filter applied before any subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// processEvents delivers queued events in batches, flushing a partial
// batch every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || tick == nil {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and delivers the queued ones.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelDebug:   0,
		EventLevelInfo:    1,
		EventLevelWarning: 2,
		EventLevelError:   3,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID allows events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// JSONLines returns a subscriber writing each event as one JSON line.
func JSONLines(w io.Writer) EventSubscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(event Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(event)
	}
}

// EventListener publishes executor notifications as events. It implements
// engine.Listener.
type EventListener struct {
	publisher *EventPublisher
}

var _ engine.Listener = (*EventListener)(nil)

// NewEventListener creates a listener publishing to ep.
func NewEventListener(ep *EventPublisher) *EventListener {
	return &EventListener{publisher: ep}
}

func runEvent(run engine.RunInfo, typ, level, msg string) Event {
	return Event{
		Type:       typ,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID.String(),
		Workflow:   run.WorkflowName,
		Message:    msg,
		Level:      level,
	}
}

func (l *EventListener) WorkflowStateChanged(run engine.RunInfo, state engine.State, errs []workflow.Error) {
	var event Event
	switch state {
	case engine.StateRunning:
		event = runEvent(run, EventTypeRunStarted, EventLevelInfo, fmt.Sprintf("Run %s of %s started", run.ID, run.WorkflowName))
	case engine.StateFinished:
		event = runEvent(run, EventTypeRunFinished, EventLevelInfo, fmt.Sprintf("Run %s of %s finished", run.ID, run.WorkflowName))
		event.Data = map[string]any{"duration": time.Since(run.StartedAt).Seconds()}
	case engine.StateFailed:
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		event = runEvent(run, EventTypeRunFailed, EventLevelError,
			fmt.Sprintf("Run %s of %s failed: %s", run.ID, run.WorkflowName, strings.Join(msgs, "; ")))
		event.Data = map[string]any{
			"duration": time.Since(run.StartedAt).Seconds(),
			"errors":   len(errs),
		}
	default:
		return
	}
	_ = l.publisher.Publish(event)
}

func (l *EventListener) NodeStateChanged(run engine.RunInfo, node engine.NodeSnapshot) {
	var event Event
	switch {
	case node.State == engine.StateRunning:
		event = runEvent(run, EventTypeNodeRunning, EventLevelDebug, fmt.Sprintf("Node %s running", node.Name))
	case node.State == engine.StateFinished && node.CacheHit:
		event = runEvent(run, EventTypeNodeCached, EventLevelInfo, fmt.Sprintf("Node %s finished from cache", node.Name))
	case node.State == engine.StateFinished:
		event = runEvent(run, EventTypeNodeFinished, EventLevelInfo, fmt.Sprintf("Node %s finished", node.Name))
		event.Data = map[string]any{"duration": node.Duration().Seconds()}
	case node.State == engine.StateFailed:
		msgs := make([]string, len(node.Errors))
		kinds := make([]string, len(node.Errors))
		for i, err := range node.Errors {
			msgs[i] = err.Error()
			kinds[i] = string(err.Kind)
		}
		event = runEvent(run, EventTypeNodeFailed, EventLevelError,
			fmt.Sprintf("Node %s failed: %s", node.Name, strings.Join(msgs, "; ")))
		event.Data = map[string]any{"kinds": kinds}
	default:
		return
	}
	event.NodeID = node.ID
	event.NodeName = node.Name
	_ = l.publisher.Publish(event)
}

func (l *EventListener) LogLine(run engine.RunInfo, line string) {
	_ = l.publisher.Publish(runEvent(run, EventTypeNodeLog, EventLevelInfo, line))
}

func (l *EventListener) LogCleared(run engine.RunInfo) {
	_ = l.publisher.Publish(runEvent(run, EventTypeLogCleared, EventLevelDebug, "Log cleared"))
}
