package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const addBatchSchemaURL = "https://foodtrace.dev/schemas/add-batch.schema.json"

const addBatchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["batch_id", "data"],
  "additionalProperties": false,
  "properties": {
    "batch_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "data": {"type": "string", "minLength": 1}
  }
}`

func compileSchema(url, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// validateBody checks raw JSON against schema and returns a client-facing
// message on failure.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("request body is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("request body does not match schema: %s", leafMessage(ve))
		}
		return err
	}
	return nil
}

// leafMessage returns the most specific cause of a validation error.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
