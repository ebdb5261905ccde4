package services

import "errors"

var (
	// ErrAutomationInvalidInput signals the caller provided invalid arguments.
	ErrAutomationInvalidInput = errors.New("automation: invalid input")
	// ErrOrderNotFound indicates the referenced order does not exist.
	ErrOrderNotFound = errors.New("automation: order not found")
	// ErrNotEligible indicates no line item qualifies for automation.
	ErrNotEligible = errors.New("automation: order not eligible")
	// ErrMissingIdentifier indicates no player identifier could be extracted.
	ErrMissingIdentifier = errors.New("automation: player identifier not found")
	// ErrNoStock indicates no unused code or complete group is available.
	// Expected under normal operation; callers surface it as a diagnostic,
	// not a defect.
	ErrNoStock = errors.New("automation: no license stock")
	// ErrRemoteTransport indicates the queue service could not be reached.
	// The claim was released and the order is triggerable again.
	ErrRemoteTransport = errors.New("automation: queue transport failure")
	// ErrRemoteRejected indicates the queue service refused the submission.
	ErrRemoteRejected = errors.New("automation: queue rejected submission")
	// ErrInvalidTransition indicates the requested action does not apply to
	// the record's current state.
	ErrInvalidTransition = errors.New("automation: invalid state transition")
	// ErrReconcileUnknown indicates a status update referenced no known
	// order or handle. Logged and dropped by callers.
	ErrReconcileUnknown = errors.New("reconcile: no matching automation record")
)
