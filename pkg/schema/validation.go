package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Reason   string             `json:"reason"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, reason, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Reason: reason, Message: message, Severity: SeverityError,
	})
}

// AddErrorf appends an error-severity issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, reason, format string, args ...any) {
	r.AddError(path, reason, fmt.Sprintf(format, args...))
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, reason, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Reason: reason, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasReason reports whether any error carries the given reason.
func (r *ValidationResult) HasReason(reason string) bool {
	for _, e := range r.Errors {
		if e.Reason == reason {
			return true
		}
	}
	return false
}

// ToError converts the result to an INVALID_WORKFLOW error if invalid, nil if valid.
// The error reason is taken from the first error; every issue is listed in details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if first.Path != "" && first.Path != "/" {
		msg = first.Path + ": " + msg
	}
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("workflow rejected with %d errors; first: %s", len(r.Errors), msg)
	}

	return NewError(ErrCodeInvalidWorkflow, msg).
		WithReason(first.Reason).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
