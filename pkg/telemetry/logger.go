package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Logger wraps zerolog.Logger with workflow-aware field helpers.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
	closer io.Closer
}

type loggerContextKey struct{}

// NewLogger creates a logger with the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writer, closer = file, file
	}
	return newLogger(writer, cfg, closer), nil
}

// NewWriterLogger creates a logger writing to w. The Output field of cfg is
// ignored.
func NewWriterLogger(w io.Writer, cfg LoggingConfig) *Logger {
	return newLogger(w, cfg, nil)
}

func newLogger(writer io.Writer, cfg LoggingConfig, closer io.Closer) *Logger {
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: consoleTimeFormat(cfg.TimeFormat),
		}
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zlog := zerolog.New(writer).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog, config: cfg, closer: closer}
}

// Zerolog returns the underlying logger, for packages taking a
// zerolog.Logger directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) derive(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context. Without one it
// returns a logger writing to stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// WithRun adds the run and workflow identity.
func (l *Logger) WithRun(run engine.RunInfo) *Logger {
	return l.derive(l.zlog.With().
		Str("run_id", run.ID).
		Str("workflow", run.WorkflowName).
		Str("workflow_id", run.WorkflowID.String()).
		Logger())
}

// WithNode adds the node identity.
func (l *Logger) WithNode(id workflow.NodeID, name string) *Logger {
	return l.derive(l.zlog.With().Int("node", int(id)).Str("node_name", name).Logger())
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

// ParseLevel converts a level name to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func consoleTimeFormat(format string) string {
	if format == "unix" {
		return "unix"
	}
	return time.RFC3339
}

// LogListener writes run transitions and node output to a logger. It
// implements engine.Listener.
type LogListener struct {
	logger *Logger
}

var _ engine.Listener = (*LogListener)(nil)

// NewLogListener creates a listener logging through l.
func NewLogListener(l *Logger) *LogListener {
	return &LogListener{logger: l.NewComponentLogger("run")}
}

func (ll *LogListener) WorkflowStateChanged(run engine.RunInfo, state engine.State, errs []workflow.Error) {
	logger := ll.logger.WithRun(run).zlog
	switch {
	case state == engine.StateRunning:
		logger.Info().Msg("Run started")
	case state == engine.StateFailed:
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		logger.Error().Int("errors", len(errs)).Strs("details", msgs).Msg("Run failed")
	case state.IsTerminal():
		logger.Info().Dur("duration", time.Since(run.StartedAt)).Msg("Run finished")
	}
}

func (ll *LogListener) NodeStateChanged(run engine.RunInfo, node engine.NodeSnapshot) {
	logger := ll.logger.WithRun(run).WithNode(node.ID, node.Name).zlog
	switch node.State {
	case engine.StateFailed:
		for _, err := range node.Errors {
			logger.Warn().Str("kind", string(err.Kind)).Msg(err.Error())
		}
	case engine.StateFinished:
		logger.Debug().Bool("cache_hit", node.CacheHit).Dur("duration", node.Duration()).Msg("Node finished")
	}
}

func (ll *LogListener) LogLine(run engine.RunInfo, line string) {
	ll.logger.zlog.Info().Str("run_id", run.ID).Msg(line)
}

func (ll *LogListener) LogCleared(engine.RunInfo) {}
