package handlers

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed detect_request.schema.json
var detectRequestSchemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// SchemaError carries the individual validation failures.
type SchemaError struct {
	Causes []string
}

func (e *SchemaError) Error() string {
	return "request does not match schema: " + strings.Join(e.Causes, "; ")
}

// validateDetectRequest checks body against the request schema.
func validateDetectRequest(body []byte) error {
	value, err := decodeStrictJSON(body)
	if err != nil {
		return &SchemaError{Causes: []string{err.Error()}}
	}
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return &SchemaError{Causes: []string{err.Error()}}
		}
		var causes []string
		for _, e := range verr.BasicOutput().Errors {
			if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
				continue
			}
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			causes = append(causes, loc+": "+e.Error)
		}
		if len(causes) == 0 {
			causes = []string{verr.Error()}
		}
		return &SchemaError{Causes: causes}
	}
	return nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("detect_request.schema.json", strings.NewReader(detectRequestSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("detect_request.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})
	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("body is empty")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("body contains trailing content")
	}
	return value, nil
}
