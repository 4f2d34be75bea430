package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Engine evaluates Rego policies against workflows before they run.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(ctx context.Context, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.add(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return e, nil
}

// LoadPolicies compiles the policy files found under paths. A loaded
// policy replaces any policy of the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.addLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

func (e *Engine) add(ctx context.Context, p *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLocked(ctx, p)
}

func (e *Engine) addLocked(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	return nil
}

// Evaluate runs every enabled policy against wf. A policy that fails to
// evaluate is reported as a warning and does not deny the workflow.
func (e *Engine) Evaluate(ctx context.Context, wf *workflow.Workflow) (*Result, error) {
	start := time.Now()
	input := NewInput(wf)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.namesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.blocks() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		return result.Violations[i].Node < result.Violations[j].Node
	})
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("workflow", wf.Name()).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Workflow policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		deny, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range deny {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation reads a deny entry: either a message string or an object
// with message, node and severity fields.
func newViolation(p *Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		switch id := d["node"].(type) {
		case json.Number:
			if n, err := id.Int64(); err == nil {
				v.Node = workflow.NodeID(n)
			}
		case float64:
			v.Node = workflow.NodeID(id)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	return v
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPolicies returns the policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.namesLocked() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
