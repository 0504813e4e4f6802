package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "run_id", "created", "grid", "labels"],
  "properties": {
    "version": {"type": "string"},
    "run_id": {"type": "string"},
    "created": {"type": "string"},
    "merged_volume": {"type": "string"},
    "overlap_volume": {"type": "string"},
    "grid": {
      "type": "object",
      "required": ["dimensions", "spacing", "origin", "direction"],
      "properties": {
        "dimensions": {"type": "array", "items": {"type": "integer", "minimum": 1}, "minItems": 3, "maxItems": 3},
        "spacing": {"type": "array", "items": {"type": "number"}, "minItems": 3, "maxItems": 3},
        "origin": {"type": "array", "items": {"type": "number"}, "minItems": 3, "maxItems": 3},
        "direction": {"type": "array", "items": {"type": "number"}, "minItems": 9, "maxItems": 9}
      }
    },
    "labels": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["original_label", "priority", "relabeled_value"],
        "additionalProperties": false,
        "properties": {
          "original_label": {"type": ["string", "integer"]},
          "priority": {"type": "integer", "minimum": 1},
          "relabeled_value": {"type": "integer", "minimum": 1}
        }
      }
    },
    "details": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "source_voxels", "retained_voxels"],
        "properties": {
          "label": {"type": ["string", "integer"]},
          "name": {"type": "string"},
          "source": {"type": "string"},
          "source_voxels": {"type": "integer", "minimum": 0},
          "retained_voxels": {"type": "integer", "minimum": 0}
        }
      }
    },
    "dropped_priorities": {"type": "array", "items": {"type": ["string", "integer"]}},
    "overlap_voxels": {"type": "integer", "minimum": 0}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("record.schema.json", documentSchema)
	})
	return schema, schemaErr
}

func validateJSON(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("error compiling record schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("error parsing record: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("record does not match schema: %w", err)
	}
	return nil
}
