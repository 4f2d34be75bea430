package definition

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/flowgraph/pkg/types"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Problem is one defect found in a document. Position fields are set when
// the document came from a CUE file.
type Problem struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// String formats the problem with its location.
func (p Problem) String() string {
	var b strings.Builder
	if p.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", p.File, p.Line, p.Column)
	}
	if p.Path != "" {
		b.WriteString(p.Path)
		b.WriteString(": ")
	}
	b.WriteString(p.Message)
	return b.String()
}

// ValidationError lists every problem of an invalid document.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid workflow document: " + e.Problems[0].String()
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return fmt.Sprintf("invalid workflow document: %d problems: %s", len(msgs), strings.Join(msgs, "; "))
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	_ = v.RegisterValidation("typename", func(fl validator.FieldLevel) bool {
		_, err := types.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("endpoint", func(fl validator.FieldLevel) bool {
		_, err := ParseEndpoint(fl.Field().String())
		return err == nil
	})
	return v
}

var validate = newValidator()

// Validate checks the document on its own: field constraints, node kinds
// and that connections name declared nodes. It does not check the graph;
// Build and workflow.Validate do that.
func Validate(doc *Document) error {
	verr := &ValidationError{}

	if err := validate.Struct(doc); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate document: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fieldPath(fe.Namespace()), "%s", describe(fe))
		}
	}

	for i, n := range doc.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch workflow.NodeKind(n.Kind) {
		case workflow.NodePrimitive:
			if n.Type == "" {
				verr.add(path+".type", "primitive nodes need a type")
			} else if t, err := types.Parse(n.Type); err == nil {
				if _, ok := t.(types.Primitive); !ok {
					verr.add(path+".type", "%s is not a primitive type", t)
				}
			}
			if len(n.Inputs) > 0 || len(n.Outputs) > 0 {
				verr.add(path, "primitive nodes have fixed connectors")
			}
		case workflow.NodeFile:
			if len(n.Inputs) > 0 || len(n.Outputs) > 0 {
				verr.add(path, "file nodes have fixed connectors")
			}
			if n.Value != nil {
				verr.add(path+".value", "only primitive nodes hold a value")
			}
		case workflow.NodeCode:
			if n.Language != "" && n.Language != workflow.DefaultLanguage {
				verr.add(path+".language", "unsupported language %q", n.Language)
			}
			if n.Value != nil {
				verr.add(path+".value", "only primitive nodes hold a value")
			}
		}
	}

	targets := make(map[string]int, len(doc.Connections))
	for i, c := range doc.Connections {
		if prev, ok := targets[c.To]; ok && c.To != "" {
			verr.add(fmt.Sprintf("connections[%d].to", i), "input %s is already fed by connections[%d]", c.To, prev)
		}
		targets[c.To] = i
		for _, end := range []struct{ field, ref string }{{"from", c.From}, {"to", c.To}} {
			ep, err := ParseEndpoint(end.ref)
			if err != nil {
				continue
			}
			if _, ok := doc.Node(int(ep.Node)); !ok {
				verr.add(fmt.Sprintf("connections[%d].%s", i, end.field), "unknown node %d", ep.Node)
			}
		}
	}

	return verr.err()
}

// fieldPath drops the leading "Document." of a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "unique":
		return fmt.Sprintf("must have unique %s values", strings.ToLower(fe.Param()))
	case "uuid":
		return fmt.Sprintf("%q is not a UUID", fe.Value())
	case "duration":
		return fmt.Sprintf("%q is not a positive duration", fe.Value())
	case "typename":
		return fmt.Sprintf("%q is not a type", fe.Value())
	case "endpoint":
		return fmt.Sprintf("%q is not a node.connector reference", fe.Value())
	}
	return fmt.Sprintf("failed on %s", fe.Tag())
}

func convertCUEErrors(err error) *ValidationError {
	verr := &ValidationError{}
	for _, e := range cueerrors.Errors(err) {
		p := Problem{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			p.File = pos[0].Filename()
			p.Line = pos[0].Line()
			p.Column = pos[0].Column()
		}
		p.Message = strings.TrimSpace(p.Message)
		verr.Problems = append(verr.Problems, p)
	}
	if len(verr.Problems) == 0 {
		verr.Problems = append(verr.Problems, Problem{Message: err.Error()})
	}
	return verr
}
