// Package jsonschema validates JSON response bodies against a JSON Schema.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve))
	for _, err := range ve {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Schema is a compiled schema that can be shared between goroutines.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses and compiles a schema document.
func Compile(doc string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("schema.json", strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	return &Schema{compiled: compiled}, nil
}

// Validate checks body against the schema. A nil error means the body is
// valid; schema violations are returned as ValidationErrors.
func (s *Schema) Validate(body []byte) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return flatten(verr)
	}
	return ValidationErrors{err}
}

// flatten collects the leaf causes of a validation error.
func flatten(err *jsonschema.ValidationError) ValidationErrors {
	if len(err.Causes) == 0 {
		return ValidationErrors{fmt.Errorf("%s: %s", location(err.InstanceLocation), err.Message)}
	}

	var out ValidationErrors
	for _, cause := range err.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

func location(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}
