package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/stores/redisstore"
	"github.com/openfroyo/flowgraph/pkg/telemetry"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FLOWGRAPH_"

// Cache backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds the configuration of the flowgraph command.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`

	Engine    EngineConfig     `yaml:"engine" envPrefix:"ENGINE_"`
	Cache     CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	History   HistoryConfig    `yaml:"history" envPrefix:"HISTORY_"`
	Policy    PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// EngineConfig holds executor settings.
type EngineConfig struct {
	// MaxParallel bounds the number of nodes executing at once.
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL" validate:"min=1"`

	// DefaultTimeout is given to nodes declaring no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT" validate:"gt=0"`

	// FilesRoot is where file nodes resolve relative paths. Definitions
	// override it with files_root.
	FilesRoot string `yaml:"files_root" env:"FILES_ROOT"`
}

// CacheConfig selects and configures the output cache backend.
type CacheConfig struct {
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=memory sqlite redis"`

	// SQLitePath is the database file of the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Backend sqlite"`

	Redis RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR" validate:"required"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB" validate:"min=0"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL" validate:"min=0"`

	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH" validate:"required_if=Enabled true"`

	// LogLines also records node output lines as run events.
	LogLines bool `yaml:"log_lines" env:"LOG_LINES"`
}

// PolicyConfig configures the Rego policies workflows must pass before
// they run.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Paths lists .rego and .json policy files or directories loaded on top
	// of the built-in policies.
	Paths []string `yaml:"paths" env:"PATHS"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	const dataDir = ".flowgraph"

	tel := telemetry.DefaultConfig()
	tel.Metrics.Enabled = false

	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			MaxParallel:    engine.DefaultMaxParallel,
			DefaultTimeout: workflow.DefaultTimeout,
		},
		Cache: CacheConfig{
			Backend:    BackendMemory,
			SQLitePath: filepath.Join(dataDir, "cache.db"),
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				Prefix:      redisstore.DefaultPrefix,
				DialTimeout: 5 * time.Second,
			},
		},
		History: HistoryConfig{
			Path: filepath.Join(dataDir, "history.db"),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: *tel,
	}
}

// LoadOption customizes Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	environ map[string]string
}

// WithEnvironment reads overrides from environ instead of the process
// environment.
func WithEnvironment(environ map[string]string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and FLOWGRAPH_* environment variables, in
// that order, then validates it.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if o.environ != nil {
		envOpts.Environment = o.environ
	}
	if err := env.ParseWithOptions(cfg, envOpts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = describe(fe)
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return c.Telemetry.Validate()
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must be at least %s, got %v", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// WorkflowOptions returns the workflow options implied by the engine
// section.
func (c *Config) WorkflowOptions() []workflow.Option {
	opts := []workflow.Option{workflow.WithDefaultTimeout(c.Engine.DefaultTimeout)}
	if c.Engine.FilesRoot != "" {
		opts = append(opts, workflow.WithFilesRoot(c.Engine.FilesRoot))
	}
	return opts
}
