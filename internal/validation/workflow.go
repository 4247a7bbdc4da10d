package validation

import (
	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
//  1. Structural (JSON Schema of the document)
//  2. Semantic (kinds, names, trigger, connections, per-kind params, expressions)
//  3. Graph (delay-free cycles, reachability)
//
// Every stage reports all of its issues, so a rejected workflow lists every
// problem found.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	engines    *expressions.Engines
}

// NewWorkflowValidator creates a WorkflowValidator. engines may be nil to skip
// expression compile checks.
func NewWorkflowValidator(engines *expressions.Engines) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, engines: engines}, nil
}

// Validate checks an already decoded definition.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ReasonMalformedDefinition, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	return wv.validateDecoded(def, result)
}

// ValidateBytes validates a raw JSON document and decodes it. Unknown fields
// are caught by the structural stage. The definition is nil when the
// document cannot be decoded.
func (wv *WorkflowValidator) ValidateBytes(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := wv.jsonSchema.ValidateDocument(data)
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := xjson.Unmarshal(data, &def); err != nil {
		result.AddErrorf("/", schema.ReasonMalformedDefinition, "decode workflow: %s", err.Error())
		return nil, result
	}
	return &def, wv.validateDecoded(&def, result)
}

func (wv *WorkflowValidator) validateDecoded(def *schema.WorkflowDefinition, result *schema.ValidationResult) *schema.ValidationResult {
	result.Merge(validateSemantic(def, wv.jsonSchema, wv.engines))

	// The graph stage needs resolvable endpoints.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}
