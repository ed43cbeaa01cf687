// Package schema validates exported entity files against embedded JSON
// schemas, one per entity kind.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/tree"
)

//go:embed all:schemas
var schemaFS embed.FS

const schemaRoot = "schemas/v1/"

// SchemaError represents a single schema validation error.
type SchemaError struct {
	Path    string `json:"path"` // JSON pointer into the document
	Message string `json:"message"`
}

func (e SchemaError) String() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Validator validates documents against the embedded schemas.
type Validator struct {
	schemas map[layout.Kind]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()

	// Resource ids are paths relative to schemas/v1/ so that $refs such as
	// "definitions/common.json" resolve.
	err := fs.WalkDir(schemaFS, "schemas", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		data, err := schemaFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded schema %s: %w", path, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("parse embedded schema %s: %w", path, err)
		}

		id := strings.TrimPrefix(path, schemaRoot)
		if err := c.AddResource(id, doc); err != nil {
			return fmt.Errorf("add schema resource %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load embedded schemas: %w", err)
	}

	v := &Validator{schemas: make(map[layout.Kind]*jsonschema.Schema, len(layout.Kinds))}
	for _, kind := range layout.Kinds {
		s, err := c.Compile(string(kind) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = s
	}
	return v, nil
}

// Validate checks doc against the schema for kind.
func (v *Validator) Validate(kind layout.Kind, doc tree.Value) []SchemaError {
	s, ok := v.schemas[kind]
	if !ok {
		return []SchemaError{{Message: fmt.Sprintf("no schema for %q files", kind)}}
	}
	err := s.Validate(doc.ToAny())
	if err == nil {
		return nil
	}

	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return []SchemaError{{Message: err.Error()}}
	}
	return collectErrors(validationErr)
}

// collectErrors recursively collects all leaf validation errors from a ValidationError.
func collectErrors(ve *jsonschema.ValidationError) []SchemaError {
	if len(ve.Causes) == 0 {
		msg := ve.Error()
		if msg == "" {
			return nil
		}
		path := ""
		if len(ve.InstanceLocation) > 0 {
			path = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		return []SchemaError{{Path: path, Message: msg}}
	}

	var out []SchemaError
	for _, cause := range ve.Causes {
		out = append(out, collectErrors(cause)...)
	}
	return out
}
