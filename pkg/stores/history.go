package stores

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// HistoryRecorder writes runs and their node transitions to a Store. It
// implements engine.Listener.
type HistoryRecorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration

	// logLines also records node log lines as debug events.
	logLines bool
}

// HistoryOption configures a HistoryRecorder.
type HistoryOption func(*HistoryRecorder)

// WithHistoryLogger sets the logger used to report write failures.
func WithHistoryLogger(logger zerolog.Logger) HistoryOption {
	return func(r *HistoryRecorder) { r.logger = logger }
}

// WithLogLines records node log lines as debug events.
func WithLogLines(enabled bool) HistoryOption {
	return func(r *HistoryRecorder) { r.logLines = enabled }
}

// NewHistoryRecorder creates a recorder writing to store.
func NewHistoryRecorder(store Store, opts ...HistoryOption) *HistoryRecorder {
	r := &HistoryRecorder{
		store:   store,
		logger:  zerolog.Nop(),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "history").Logger()
	return r
}

var _ engine.Listener = (*HistoryRecorder)(nil)

func (r *HistoryRecorder) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// WorkflowStateChanged creates the run record when a run starts and
// completes it when the run ends.
func (r *HistoryRecorder) WorkflowStateChanged(run engine.RunInfo, state engine.State, errs []workflow.Error) {
	ctx, cancel := r.context()
	defer cancel()

	if state == engine.StateRunning {
		err := r.store.CreateRun(ctx, &Run{
			ID:           run.ID,
			WorkflowID:   run.WorkflowID.String(),
			WorkflowName: run.WorkflowName,
			Status:       RunStatusRunning,
			StartedAt:    run.StartedAt,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run start")
		}
		return
	}
	if !state.IsTerminal() {
		return
	}

	status := RunStatusFinished
	if state == engine.StateFailed {
		status = RunStatusFailed
	}
	if err := r.store.FinishRun(ctx, run.ID, status, summarize(errs), len(errs)); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run end")
	}
}

// NodeStateChanged appends one event per node transition.
func (r *HistoryRecorder) NodeStateChanged(run engine.RunInfo, node engine.NodeSnapshot) {
	ctx, cancel := r.context()
	defer cancel()

	id := int64(node.ID)
	name := node.Name
	state := string(node.State)
	event := &RunEvent{
		RunID:    run.ID,
		NodeID:   &id,
		NodeName: &name,
		State:    &state,
		Level:    EventLevelInfo,
		Message:  "node " + strings.ToLower(state),
	}
	switch {
	case node.State == engine.StateFailed:
		event.Level = EventLevelError
		if msg := summarize(node.Errors); msg != nil {
			event.Message = *msg
		}
	case node.CacheHit:
		event.Message = "node finished from cache"
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Int64("node", id).Msg("Failed to record node event")
	}
}

// LogLine appends the line as a debug event when log lines are recorded.
func (r *HistoryRecorder) LogLine(run engine.RunInfo, line string) {
	if !r.logLines {
		return
	}
	ctx, cancel := r.context()
	defer cancel()

	if err := r.store.AppendEvent(ctx, &RunEvent{RunID: run.ID, Level: EventLevelDebug, Message: line}); err != nil {
		r.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record log line")
	}
}

// LogCleared implements engine.Listener. Runs keep their own events.
func (r *HistoryRecorder) LogCleared(engine.RunInfo) {}

func summarize(errs []workflow.Error) *string {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	s := strings.Join(msgs, "; ")
	return &s
}
