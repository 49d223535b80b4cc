package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anietieakpan/waqitiapp-sub002/internal/event"
)

// ValidationError marks an event whose required fields are missing or
// invalid. Non-retryable: the same bytes will fail the same way.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Reason)
}

// TransientError marks a downstream collaborator failure (timeout,
// unavailable). Retryable with bounded attempts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// retryable classifies an error for the failure handler. I/O and timeout
// failures are transient; decode/validation failures and anything
// unclassified (programming errors) go straight to the dead letter.
func retryable(err error) bool {
	var decodeErr *event.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
