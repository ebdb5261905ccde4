package queue

import (
	"errors"
	"fmt"
)

// TransportError marks failures where the queue service may or may not have
// received the request: timeouts, connection resets, 5xx responses. Callers
// treat these as retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("queue %s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RejectionError marks definitive refusals from the queue service. The
// request was understood and denied; a retry with the same payload fails the
// same way.
type RejectionError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("queue %s: rejected (%d %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("queue %s: rejected (%d): %s", e.Op, e.StatusCode, e.Message)
}

// IsTransport reports whether the error chain contains a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether the error chain contains a definitive refusal.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// IsNotFound reports whether the queue denied the request because the handle
// is unknown.
func IsNotFound(err error) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.StatusCode == 404
}
