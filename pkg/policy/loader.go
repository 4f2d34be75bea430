package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		p, err := l.loadFromFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = parseRego(path, data)
	case strings.HasSuffix(path, ".json"):
		if p, err = parseJSON(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	p.Source = path

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

// parseRego names the policy after its file. Leading comments become the
// description.
func parseRego(path string, data []byte) *Policy {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
	}
}

// parseJSON reads a policy object. Policies are enabled unless they say
// otherwise.
func parseJSON(data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &p, nil
}

func leadingComment(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(comment)
	}
	return b.String()
}
