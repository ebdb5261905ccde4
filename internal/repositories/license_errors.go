package repositories

import "fmt"

// LicenseErrorCode enumerates repository error causes for license operations.
type LicenseErrorCode string

const (
	// LicenseErrorUnknown represents an unspecified failure.
	LicenseErrorUnknown LicenseErrorCode = "license_unknown"
	// LicenseErrorNoStock indicates no unused code matches the requested product.
	LicenseErrorNoStock LicenseErrorCode = "license_no_stock"
	// LicenseErrorNotFound indicates the license document is missing.
	LicenseErrorNotFound LicenseErrorCode = "license_not_found"
	// LicenseErrorInvalidState indicates the code's status forbids the operation.
	LicenseErrorInvalidState LicenseErrorCode = "license_invalid_state"
	// LicenseErrorCipher indicates the stored code could not be decrypted.
	LicenseErrorCipher LicenseErrorCode = "license_cipher"
)

// LicenseError wraps license-specific failures with machine readable codes.
type LicenseError struct {
	Op      string
	Code    LicenseErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LicenseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LicenseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLicenseError constructs a typed license error.
func NewLicenseError(code LicenseErrorCode, message string, err error) *LicenseError {
	if message == "" {
		message = string(code)
	}
	return &LicenseError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
