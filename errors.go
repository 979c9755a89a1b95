package flagd

import "fmt"

// ErrorCode is the closed set of failure kinds a resolution can surface.
// Callers branch on the code rather than on error text.
type ErrorCode string

const (
	// ErrCodeFlagNotFound means the service reports the key does not exist.
	ErrCodeFlagNotFound ErrorCode = "flag_not_found"
	// ErrCodeProviderNotReady means the transport has no usable connection:
	// either Init failed or was never called.
	ErrCodeProviderNotReady ErrorCode = "provider_not_ready"
	// ErrCodeUnexpected covers every other failure: network faults,
	// malformed payloads, encoding failures, unrecognised remote codes.
	ErrCodeUnexpected ErrorCode = "unexpected_error"
)

// Error is the tagged failure type returned by every provider operation.
// No raw transport or runtime failure escapes a resolve call; each is
// reclassified into one of these at the transport boundary.
type Error struct {
	Code ErrorCode
	// FlagKey is set for flag_not_found errors.
	FlagKey string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Code == ErrCodeFlagNotFound && e.cause == nil:
		return fmt.Sprintf("flagd: %s: flag %q not found", e.Code, e.FlagKey)
	case e.cause != nil:
		return fmt.Sprintf("flagd: %s: %v", e.Code, e.cause)
	default:
		return fmt.Sprintf("flagd: %s", e.Code)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// NotFoundError reports that the service does not know the given flag key.
// cause may be nil (HTTP surfaces a structured code instead of an error).
func NotFoundError(key string, cause error) *Error {
	return &Error{Code: ErrCodeFlagNotFound, FlagKey: key, cause: cause}
}

// NotReadyError reports that the transport has no usable connection.
func NotReadyError(cause error) *Error {
	return &Error{Code: ErrCodeProviderNotReady, cause: cause}
}

// UnexpectedError wraps any failure outside the structured taxonomy.
func UnexpectedError(cause error) *Error {
	return &Error{Code: ErrCodeUnexpected, cause: cause}
}
