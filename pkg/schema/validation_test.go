package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[0].name", ReasonDuplicateNode, "duplicate node name \"Webhook\"")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "nodes[0].name", r.Errors[0].Path)
	assert.Equal(t, ReasonDuplicateNode, r.Errors[0].Reason)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.True(t, r.HasReason(ReasonDuplicateNode))
	assert.False(t, r.HasReason(ReasonMissingTrigger))
}

func TestValidationResult_WarningsAreValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[3]", "unreachable", "node is unreachable from the trigger")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ReasonMalformedDefinition, "err1")
	r1.AddWarning("/", "unreachable", "warn1")

	r2 := &ValidationResult{}
	r2.AddErrorf("connections[0]", ReasonDanglingConnection, "unknown target %q", "Nowhere")
	r2.AddWarning("nodes[1]", "unreachable", "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
	assert.Equal(t, "unknown target \"Nowhere\"", r1.Errors[1].Message)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes", ReasonMissingTrigger, "workflow has no trigger node")
	r.AddError("connections[2]", ReasonDanglingConnection, "unknown source")

	err := r.ToError()
	require.Error(t, err)

	de := AsError(err)
	require.NotNil(t, de)
	assert.Equal(t, ErrCodeInvalidWorkflow, de.Code)
	assert.Equal(t, ReasonMissingTrigger, de.Reason)
	assert.Contains(t, de.Message, "2 errors")
	assert.Equal(t, 2, de.Details["error_count"])
}

func TestDripError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeUnresolvedReference, "node %q not found", "Lookup").WithNode("Send")
	assert.Equal(t, `[UNRESOLVED_REFERENCE] node Send: node "Lookup" not found`, err.Error())

	invalid := NewError(ErrCodeInvalidWorkflow, "cycle").WithReason(ReasonUnconditionedCycle)
	assert.Equal(t, "[INVALID_WORKFLOW/unconditioned_cycle] cycle", invalid.Error())
}

func TestDripError_UnwrapAndHasCode(t *testing.T) {
	cause := errors.New("disk full")
	err := PersistenceError("put run", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, ErrCodePersistence))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.False(t, HasCode(cause, ErrCodePersistence))
}

func TestDripError_IsRetryable(t *testing.T) {
	assert.True(t, RetriableError("rate limited").IsRetryable())
	assert.False(t, FatalError("invalid recipient").IsRetryable())
	assert.False(t, NewError(ErrCodeUnresolvedReference, "x").IsRetryable())
}
