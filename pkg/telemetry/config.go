package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration of flowgraph.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment" env:"ENVIRONMENT"`

	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" env:"LEVEL"`

	// Format is console or json.
	Format string `yaml:"format" env:"FORMAT"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" env:"OUTPUT"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`

	// TimeFormat is unix, unixms, unixmicro or rfc3339.
	TimeFormat string `yaml:"time_format" env:"TIME_FORMAT"`
}

// TracingConfig configures run and node spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" env:"EXPORTER"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`

	MaxExportBatchSize int           `yaml:"max_export_batch_size" env:"MAX_EXPORT_BATCH_SIZE"`
	ExportTimeout      time.Duration `yaml:"export_timeout" env:"EXPORT_TIMEOUT"`

	// Headers are sent with every OTLP export.
	Headers map[string]string `yaml:"headers" env:"HEADERS"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// ListenAddress is the address of the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path" env:"PATH"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`

	// DefaultHistogramBuckets are the duration buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets" env:"HISTOGRAM_BUCKETS"`
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// BufferSize is the capacity of the async queue.
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`

	// FlushInterval bounds how long an event waits in a partial batch.
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`

	// MaxBatchSize is the maximum number of events delivered in one batch.
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`

	// EnableAsync queues events instead of delivering them inline.
	EnableAsync bool `yaml:"enable_async" env:"ENABLE_ASYNC"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "flowgraph",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stderr",
			EnableCaller: false,
			TimeFormat:   "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "flowgraph",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// ProductionConfig returns a configuration tuned for long-running services.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("trace endpoint is required for the otlp exporter")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	if c.Events.Enabled && c.Events.MaxBatchSize <= 0 {
		return fmt.Errorf("event batch size must be positive, got: %d", c.Events.MaxBatchSize)
	}
	return nil
}
