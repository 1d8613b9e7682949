package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const submissionSchemaURL = "https://gatelog.schemas.local/submission.schema.json"

// submissionSchema checks the shape of a submission body. Presence and the
// movement type enum are left to event.Validate, which reports them per field.
// A timestamp string that does not parse is not an error: the server clock is
// used instead.
const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "vehiclePlate": {"type": "string"},
    "movementType": {"type": "string"},
    "location":     {"type": "string"},
    "timestamp":    {"type": ["string", "null"]}
  }
}`

func compileSubmissionSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(submissionSchemaURL, strings.NewReader(submissionSchema)); err != nil {
		return nil, fmt.Errorf("submission schema load failed: %w", err)
	}
	return c.Compile(submissionSchemaURL)
}

// schemaViolation is a body that is valid JSON but has the wrong shape.
type schemaViolation struct {
	field  string
	reason string
}

func (v *schemaViolation) Error() string { return v.reason }

// checkBody parses raw as JSON and validates it against the schema.
func checkBody(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &schemaViolation{reason: "request body is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return &schemaViolation{reason: err.Error()}
		}
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return &schemaViolation{
			field:  strings.TrimPrefix(leaf.InstanceLocation, "/"),
			reason: leaf.Message,
		}
	}
	return nil
}
