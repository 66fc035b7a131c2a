// Package loader parses flow definitions from YAML or JSON documents.
package loader

import (
	"errors"

	"github.com/tcmartin/convoflow/pkg/flow"
)

// ErrInvalidDocument is returned when a document cannot be decoded into a flow
var ErrInvalidDocument = errors.New("invalid flow document")

// FlowLoader turns a serialized flow document into a typed definition.
type FlowLoader interface {
	// Parse decodes the document without checking the graph
	Parse(content []byte) (*flow.Definition, error)

	// Load decodes the document and validates the resulting graph
	Load(content []byte) (*flow.Definition, error)

	// Validate checks whether the document describes a valid flow
	Validate(content []byte) error
}
