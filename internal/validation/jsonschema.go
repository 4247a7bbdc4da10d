package validation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://drip.dev/schemas/"

const durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`

// definitionSchemaJSON describes the outer shape of a workflow document.
// Node params are checked separately against the kind's schema so that a
// params violation is reported as malformed_params on the right node.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "nodes"],
  "properties": {
    "id": { "type": "string", "pattern": "^[A-Za-z0-9_.-]+$" },
    "name": { "type": "string" },
    "version": { "type": "integer", "minimum": 1 },
    "active": { "type": "boolean" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "kind"],
        "properties": {
          "name": { "type": "string", "pattern": "^[A-Za-z0-9_-]+$" },
          "kind": { "type": "string" },
          "params": { "type": ["object", "null"] }
        },
        "additionalProperties": false
      }
    },
    "connections": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": { "type": "string", "minLength": 1 },
          "port": { "type": "string" },
          "to": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": false
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "persist_progress": { "type": "boolean" },
        "retry": ` + retrySchemaJSON + `
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const retrySchemaJSON = `{
  "type": "object",
  "properties": {
    "max_attempts": { "type": "integer", "minimum": 1 },
    "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
    "delay": { "type": "string", "pattern": "` + durationPattern + `" },
    "max_delay": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "additionalProperties": false
}`

var paramsSchemaJSON = map[schema.NodeKind]string{
	schema.KindTrigger: `{
  "type": "object",
  "properties": {
    "path": { "type": "string", "pattern": "^[A-Za-z0-9_/-]*$" },
    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH"] },
    "schedule": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.KindTransform: `{
  "type": "object",
  "required": ["assignments"],
  "properties": {
    "assignments": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["key"],
        "properties": {
          "key": { "type": "string", "pattern": "^[A-Za-z0-9_]+$" },
          "value": {},
          "expression": { "type": "string", "minLength": 1 },
          "engine": { "type": "string", "enum": ["expr", "jq"] }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`,
	schema.KindConditional: `{
  "type": "object",
  "properties": {
    "value": { "type": "string" },
    "operator": { "type": "string", "enum": ["eq", "ne", "gt", "gte", "lt", "lte", "contains", "not_contains", "starts_with", "ends_with", "exists", "not_exists"] },
    "operand": {},
    "expression": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.KindDelay: `{
  "type": "object",
  "required": ["amount", "unit"],
  "properties": {
    "amount": { "type": "number", "exclusiveMinimum": 0 },
    "unit": { "type": "string", "enum": ["seconds", "minutes", "hours", "days"] }
  },
  "additionalProperties": false
}`,
	schema.KindAction: `{
  "type": "object",
  "required": ["channel", "recipient", "body"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 },
    "recipient": { "type": "string", "minLength": 1 },
    "body": { "type": "string", "minLength": 1 },
    "credentials": { "type": "object", "additionalProperties": { "type": "string" } },
    "retry": ` + retrySchemaJSON + `
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator checks workflow documents and node params against
// JSON Schema draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definition *jsonschema.Schema
	params     map[schema.NodeKind]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition and per-kind params schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	def, err := compileSchema(c, "workflow.json", definitionSchemaJSON)
	if err != nil {
		return nil, err
	}

	params := make(map[schema.NodeKind]*jsonschema.Schema, len(paramsSchemaJSON))
	for kind, doc := range paramsSchemaJSON {
		s, err := compileSchema(c, "params/"+string(kind)+".json", doc)
		if err != nil {
			return nil, err
		}
		params[kind] = s
	}

	return &JSONSchemaValidator{definition: def, params: params}, nil
}

func compileSchema(c *jsonschema.Compiler, name, doc string) (*jsonschema.Schema, error) {
	url := schemaBaseURL + name
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// ValidateDocument checks raw workflow JSON against the definition schema.
// Violations are reported as malformed_definition.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		result.AddErrorf("/", schema.ReasonMalformedDefinition, "invalid JSON: %s", err.Error())
		return result
	}
	addViolations(result, "", schema.ReasonMalformedDefinition, v.definition.Validate(doc))
	return result
}

// ValidateDefinition marshals def and checks it against the definition schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	data, err := xjson.Marshal(def)
	if err != nil {
		result := &schema.ValidationResult{}
		result.AddErrorf("/", schema.ReasonMalformedDefinition, "serialize workflow definition: %s", err.Error())
		return result
	}
	return v.ValidateDocument(data)
}

// ValidateParams checks a node's params against its kind schema. path is the
// node's location and prefixes every violation. Unknown kinds yield no issues.
func (v *JSONSchemaValidator) ValidateParams(kind schema.NodeKind, raw xjson.RawMessage, path string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	s, ok := v.params[kind]
	if !ok {
		return result
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = xjson.RawMessage("{}")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddErrorf(path+".params", schema.ReasonMalformedParams, "invalid JSON: %s", err.Error())
		return result
	}
	addViolations(result, path+".params", schema.ReasonMalformedParams, s.Validate(doc))
	return result
}

func addViolations(result *schema.ValidationResult, prefix, reason string, err error) {
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError(orRoot(prefix), reason, err.Error())
		return
	}
	for _, leaf := range leaves(verr) {
		path := prefix
		if len(leaf.InstanceLocation) > 0 {
			path = prefix + "/" + strings.Join(leaf.InstanceLocation, "/")
		}
		result.AddError(orRoot(path), reason, leafMessage(leaf))
	}
}

// leaves walks a ValidationError tree and returns its leaf errors.
func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		out = append(out, leaves(cause)...)
	}
	return out
}

// leafMessage keeps the last line of the library's message, which carries
// the actual violation.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := strings.TrimSpace(verr.Error())
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = strings.TrimSpace(msg[i+1:])
	}
	return strings.TrimPrefix(msg, "- ")
}

func orRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
