package definition

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a document file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// ErrUnsupportedFormat is returned for files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported document format")

//go:embed schema.cue
var schemaSource string

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
}

// Load reads and validates a document file.
func Load(path string) (*Document, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow document: %w", err)
	}
	return Parse(data, format, path)
}

// Parse decodes and validates a document. name is used in CUE error
// positions.
func Parse(data []byte, format Format, name string) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML document: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON document: %w", err)
		}
	case FormatCUE:
		if err := decodeCUE(data, name, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// decodeCUE unifies the file with the #Workflow schema and decodes the
// result through its JSON export.
func decodeCUE(data []byte, name string, doc *Document) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile document schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Workflow")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	exported, err := unified.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	if err := json.Unmarshal(exported, doc); err != nil {
		return fmt.Errorf("failed to decode CUE document: %w", err)
	}
	return nil
}

// Encode writes the document in the given format. CUE documents are
// written as JSON, which is valid CUE.
func Encode(doc *Document, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatJSON, FormatCUE:
		return json.MarshalIndent(doc, "", "  ")
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}
