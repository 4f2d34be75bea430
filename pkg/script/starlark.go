// Package script runs the source of code nodes.
//
// Scripts are written in Starlark and must define a main function taking
// two dicts:
//
//	def main(inputs, outputs):
//	    outputs["result"] = inputs["a"] + inputs["b"]
//
// inputs is frozen and holds the node's received values by connector name.
// outputs starts empty; every value the script stores under a declared
// output name is converted to that output's type. print writes to the node
// log.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Language is the language name code nodes use for Starlark.
const Language = "starlark"

// EntryPoint is the function every script must define.
const EntryPoint = "main"

var (
	// ErrUnsupportedLanguage is returned for scripts in another language.
	ErrUnsupportedLanguage = errors.New("unsupported script language")

	// ErrNoEntryPoint is returned when a script does not define main.
	ErrNoEntryPoint = errors.New("script does not define main(inputs, outputs)")
)

// Starlark implements workflow.ScriptRuntime.
type Starlark struct {
	maxSteps uint64
	logger   zerolog.Logger
}

// Option configures a Starlark runtime.
type Option func(*Starlark)

// WithMaxSteps bounds the number of Starlark computation steps per run.
// Zero means unbounded.
func WithMaxSteps(steps uint64) Option {
	return func(s *Starlark) { s.maxSteps = steps }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Starlark) { s.logger = logger }
}

// New creates a Starlark runtime.
func New(opts ...Option) *Starlark {
	s := &Starlark{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "script").Logger()
	return s
}

var _ workflow.ScriptRuntime = (*Starlark)(nil)

// Run executes script.Source and returns the values it stored in outputs.
// Cancelling ctx interrupts the script.
func (s *Starlark) Run(ctx context.Context, script workflow.Script, log func(line string)) (workflow.Arguments, error) {
	if script.Language != "" && script.Language != Language {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, script.Language)
	}
	if log == nil {
		log = func(string) {}
	}
	startTime := time.Now()

	thread := &starlark.Thread{
		Name: "flowgraph",
		Print: func(_ *starlark.Thread, msg string) {
			log(msg)
		},
	}
	if s.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.maxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, "main.star", script.Source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	main, ok := globals[EntryPoint].(*starlark.Function)
	if !ok || main.NumParams() != 2 {
		return nil, ErrNoEntryPoint
	}

	inputs := starlark.NewDict(len(script.Inputs))
	for name, v := range script.Inputs {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", name, err)
		}
		if err := inputs.SetKey(starlark.String(name), sv); err != nil {
			return nil, err
		}
	}
	inputs.Freeze()
	outputs := starlark.NewDict(len(script.Outputs))

	if _, err := starlark.Call(thread, main, starlark.Tuple{inputs, outputs}, nil); err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	result := make(workflow.Arguments, len(script.Outputs))
	for name, t := range script.Outputs {
		sv, found, err := outputs.Get(starlark.String(name))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		v, err := fromStarlarkAs(t, sv)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		result[name] = v
	}

	s.logger.Debug().
		Uint64("steps", thread.ExecutionSteps()).
		Dur("duration", time.Since(startTime)).
		Msg("Script finished")
	return result, nil
}

// fromStarlarkAs converts v and coerces it to t.
func fromStarlarkAs(t types.Type, v starlark.Value) (types.Value, error) {
	if _, isFile := t.(types.File); isFile {
		if ref, ok := fileFromStruct(v); ok {
			return ref, nil
		}
	}
	native, err := fromStarlark(v)
	if err != nil {
		return nil, err
	}
	return types.Coerce(t, native)
}
