package driven

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfigMissing is returned when no usable credential is available.
	// It is fatal to the current operation only.
	ErrConfigMissing = errors.New("no usable backend credential configured")

	// ErrNotFound is returned when a lookup yields zero records.
	ErrNotFound = errors.New("not found")

	// ErrTokenInvalid is returned for a malformed or unparsable magic-link token.
	ErrTokenInvalid = errors.New("magic-link token is invalid")

	// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
	// CIVISCAN_SECRET_KEY has not been configured.
	ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set CIVISCAN_SECRET_KEY")

	// ErrEventClosed is returned for writes against an event past its grace period.
	ErrEventClosed = errors.New("event is closed for check-in")

	// ErrInvalidTransition is returned when a scan operation is not allowed
	// from the processor's current state.
	ErrInvalidTransition = errors.New("operation not allowed in current state")
)

// BackendError reports that the backend explicitly rejected a request.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error: HTTP %d %s", e.Status, http.StatusText(e.Status))
	}
	if e.Status == 0 {
		return "backend error: " + e.Message
	}
	return fmt.Sprintf("backend error: HTTP %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a BackendError with status 401.
func IsUnauthorized(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Status == http.StatusUnauthorized
}

// NetworkError reports a transport-level failure where no response arrived.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
