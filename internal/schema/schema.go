// Package schema validates working entity documents against the embedded JSON schemas.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ntloader/internal/domain"
	"ntloader/internal/store"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid document")

type Validator struct {
	schemas map[domain.Kind]*jsonschema.Schema
}

// New compiles the schema of every working kind.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	for _, k := range domain.Kinds {
		data, err := schemaFS.ReadFile("schemas/" + string(k) + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", k, err)
		}
		if err := c.AddResource(resourceURL(k), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", k, err)
		}
	}
	v := &Validator{schemas: make(map[domain.Kind]*jsonschema.Schema, len(domain.Kinds))}
	for _, k := range domain.Kinds {
		sch, err := c.Compile(resourceURL(k))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", k, err)
		}
		v.schemas[k] = sch
	}
	return v, nil
}

// MustNew is New for package-level initialisation; the schemas are embedded.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks doc against the schema of its kind.
func (v *Validator) Validate(doc store.Document) error {
	kind := domain.Kind(doc.String("kind"))
	sch, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	if err := sch.Validate(map[string]any(doc)); err != nil {
		return fmt.Errorf("%w: %s %v: %v", ErrInvalid, kind, doc["id"], err)
	}
	return nil
}

func resourceURL(k domain.Kind) string {
	return "ntloader://schemas/" + string(k) + ".json"
}
