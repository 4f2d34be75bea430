// Package definition reads workflow documents from YAML, JSON or CUE files
// and turns them into workflow graphs.
//
// A document lists nodes by id and connections as "node.connector" pairs
// where connector is the connector name:
//
//	name: greeting
//	nodes:
//	  - id: 1
//	    kind: primitive
//	    type: Integer
//	    value: 5
//	  - id: 2
//	    kind: code
//	    source: |
//	      def main(inputs, outputs):
//	          outputs["text"] = "Hey ! " * inputs["times"]
//	    inputs:
//	      - {name: times, type: Integer}
//	    outputs:
//	      - {name: text, type: String}
//	connections:
//	  - {from: 1.output, to: 2.times}
//
// Host function nodes cannot be declared in a document; they are created
// from Go code.
package definition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Document is the file form of a workflow.
type Document struct {
	Name        string          `json:"name" yaml:"name" validate:"required"`
	UUID        string          `json:"uuid,omitempty" yaml:"uuid,omitempty" validate:"omitempty,uuid"`
	FilesRoot   string          `json:"files_root,omitempty" yaml:"files_root,omitempty"`
	Nodes       []NodeDef       `json:"nodes" yaml:"nodes" validate:"unique=ID,dive"`
	Connections []ConnectionDef `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive"`
}

// NodeDef declares one node.
type NodeDef struct {
	ID            int            `json:"id" yaml:"id" validate:"required,min=1"`
	Kind          string         `json:"kind" yaml:"kind" validate:"required,oneof=primitive code file"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Deterministic *bool          `json:"deterministic,omitempty" yaml:"deterministic,omitempty"`
	Timeout       string         `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	Type          string         `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,typename"`
	Value         any            `json:"value,omitempty" yaml:"value,omitempty"`
	Language      string         `json:"language,omitempty" yaml:"language,omitempty"`
	Source        string         `json:"source,omitempty" yaml:"source,omitempty"`
	Inputs        []ConnectorDef `json:"inputs,omitempty" yaml:"inputs,omitempty" validate:"unique=Name,dive"`
	Outputs       []ConnectorDef `json:"outputs,omitempty" yaml:"outputs,omitempty" validate:"unique=Name,dive"`
}

// ConnectorDef declares a user-defined connector of a code node.
type ConnectorDef struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Type     string `json:"type" yaml:"type" validate:"required,typename"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ConnectionDef links an output to an input, both written "node.connector".
type ConnectionDef struct {
	From string `json:"from" yaml:"from" validate:"required,endpoint"`
	To   string `json:"to" yaml:"to" validate:"required,endpoint"`
}

// Endpoint is a parsed connection end.
type Endpoint struct {
	Node      workflow.NodeID
	Connector string
}

// String formats the endpoint as node.connector.
func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%s", e.Node, e.Connector)
}

// ParseEndpoint parses "node.connector".
func ParseEndpoint(s string) (Endpoint, error) {
	node, name, ok := strings.Cut(s, ".")
	if !ok || name == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: expected node.connector", s)
	}
	id, err := strconv.Atoi(node)
	if err != nil || id <= 0 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad node id", s)
	}
	return Endpoint{Node: workflow.NodeID(id), Connector: name}, nil
}

// Node returns the declaration with the given id.
func (d *Document) Node(id int) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}
