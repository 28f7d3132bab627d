package tuning

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const placementSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "scan_step": {"type": "integer", "minimum": 1, "maximum": 16},
    "accept_score": {"type": "number", "minimum": 0, "maximum": 100},
    "search_radius": {"type": "integer", "minimum": 0, "maximum": 4},
    "chunk_margin": {"type": "integer", "minimum": 0, "maximum": 4},
    "validate_chunks_before_paste": {"type": "boolean"},
    "queue": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_pending": {"type": "integer", "minimum": 0},
        "timeout_seconds": {"type": "integer", "minimum": 1},
        "sweep_interval_ms": {"type": "integer", "minimum": 1},
        "late_check_ms": {"type": "integer", "minimum": 1}
      }
    },
    "underground": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "min_span": {"type": "integer", "minimum": 1},
        "tolerance": {"type": "integer", "minimum": 0},
        "wide_span": {"type": "integer", "minimum": 1}
      }
    },
    "worlds": {
      "type": "object",
      "propertyNames": {"enum": ["normal", "custom", "overworld", "nether", "end"]},
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "lowest_y": {"type": "integer"},
          "highest_y": {"type": "integer"},
          "min_score": {"type": "number", "minimum": 0, "maximum": 100},
          "air_min_altitude": {"type": "integer"},
          "air_max_altitude": {"type": "integer"},
          "shallow_min_y": {"type": "integer"},
          "shallow_max_y": {"type": "integer"},
          "deep_min_y": {"type": "integer"},
          "deep_max_y": {"type": "integer"},
          "max_offset": {"type": "integer", "minimum": 0, "maximum": 32},
          "default_pedestal": {"type": "string"}
        }
      }
    },
    "trigger": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "chance_permille": {"type": "integer", "minimum": 0, "maximum": 1000},
        "seed": {"type": "integer"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("placement.schema.json", placementSchema)

// validateDocument checks the raw YAML against the placement schema. The YAML
// tree is round-tripped through JSON so the validator sees plain JSON values.
func validateDocument(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
