package repositories

import "fmt"

// AutomationErrorCode enumerates repository error causes for order automation records.
type AutomationErrorCode string

const (
	// AutomationErrorUnknown represents an unspecified failure.
	AutomationErrorUnknown AutomationErrorCode = "automation_unknown"
	// AutomationErrorOrderNotFound indicates the order document is missing.
	AutomationErrorOrderNotFound AutomationErrorCode = "automation_order_not_found"
	// AutomationErrorJobNotFound indicates the order has no automation record.
	AutomationErrorJobNotFound AutomationErrorCode = "automation_job_not_found"
	// AutomationErrorStateConflict indicates the stored state failed the write guard.
	AutomationErrorStateConflict AutomationErrorCode = "automation_state_conflict"
)

// AutomationError wraps automation record failures with machine readable codes.
type AutomationError struct {
	Op      string
	Code    AutomationErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AutomationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *AutomationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAutomationError constructs a typed automation error.
func NewAutomationError(code AutomationErrorCode, message string, err error) *AutomationError {
	if message == "" {
		message = string(code)
	}
	return &AutomationError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
