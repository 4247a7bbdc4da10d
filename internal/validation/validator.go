package validation

import "github.com/rendis/drip/pkg/schema"

// Validator checks workflow definitions before they become dispatchable.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateBytes(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult)
}

var _ Validator = (*WorkflowValidator)(nil)
