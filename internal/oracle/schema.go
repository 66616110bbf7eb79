package oracle

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DecisionSchema is the JSON Schema the supervisor is asked to follow.
const DecisionSchema = `{
  "type": "object",
  "required": ["decision", "reason"],
  "properties": {
    "decision": {"enum": ["completed", "retry", "failed", "review"]},
    "reason": {"type": "string"},
    "edits": {
      "type": "object",
      "properties": {
        "noDeliver": {"type": "boolean"},
        "enabled": {"type": "boolean"}
      }
    },
    "narration": {"type": "array", "items": {"type": "string"}, "maxItems": 30}
  }
}`

// Validator checks supervisor replies against DecisionSchema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(DecisionSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal decision schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("add decision schema: %w", err)
	}
	schema, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns nil when raw matches the schema.
func (v *Validator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
