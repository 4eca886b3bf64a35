// ABOUTME: JSON Schema for the traversal file format, compiled once at init.
// ABOUTME: ValidateSchema gates every load so hand-edited files fail loudly.

package traversal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const traversalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["test_case", "browser_config", "brain_states", "actions"],
  "properties": {
    "test_case": {"type": "string", "minLength": 1},
    "extra_instructions": {"type": "array", "items": {"type": "string"}},
    "status": {"type": "string", "enum": ["running", "success", "failed", "cancelled"]},
    "browser_config": {
      "type": "object",
      "properties": {
        "viewport_width": {"type": "integer"},
        "viewport_height": {"type": "integer"},
        "user_agent": {"type": "string"},
        "headless": {"type": "boolean"},
        "allowed_domains": {"type": "array", "items": {"type": "string"}}
      }
    },
    "secrets": {"type": "object", "additionalProperties": {"type": "string"}},
    "brain_states": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["evaluation_previous_goal", "memory", "next_goal"],
        "properties": {
          "evaluation_previous_goal": {"type": "string"},
          "memory": {"type": "string"},
          "next_goal": {"type": "string"}
        }
      }
    },
    "actions": {
      "type": "object",
      "propertyNames": {"pattern": "^action_[1-9][0-9]*$"},
      "additionalProperties": {
        "type": "object",
        "required": ["brain_state_id", "action"],
        "properties": {
          "brain_state_id": {"type": "string", "minLength": 1},
          "action": {
            "type": "object",
            "minProperties": 1,
            "maxProperties": 1,
            "additionalProperties": {"type": "object"}
          },
          "dom_element_data": {
            "type": ["object", "null"],
            "required": ["tag_name", "xpath"],
            "properties": {
              "tag_name": {"type": "string"},
              "attributes": {"type": "object", "additionalProperties": {"type": "string"}},
              "xpath": {"type": "string"},
              "alternative_relative_xpaths": {"type": ["array", "null"], "items": {"type": "string"}}
            }
          },
          "screenshot_filename": {"type": "string"}
        }
      }
    },
    "extracted_data": {"type": "object", "additionalProperties": {"type": "string"}},
    "io_schema": {
      "type": "object",
      "properties": {
        "input_schema": {"type": "object", "additionalProperties": {"type": "string"}},
        "output_schema": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("traversal.json", strings.NewReader(traversalSchema)); err != nil {
		panic(fmt.Sprintf("adding traversal schema: %v", err))
	}
	sch, err := compiler.Compile("traversal.json")
	if err != nil {
		panic(fmt.Sprintf("compiling traversal schema: %v", err))
	}
	return sch
}

// ValidateSchema checks raw traversal JSON against the file-format schema.
func ValidateSchema(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
