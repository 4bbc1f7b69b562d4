package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hrygo/companion/store"
)

// ErrorClass represents the category of a failure.
type ErrorClass int

const (
	// ErrorClassTransient indicates a temporary error, the same call may succeed later.
	// Examples: network timeout, temporary service unavailability
	ErrorClassTransient ErrorClass = iota

	// ErrorClassPermanent indicates the same call will keep failing.
	// Examples: validation failures, missing records, unknown tools
	ErrorClassPermanent

	// ErrorClassConflict indicates the call clashes with existing data.
	// Examples: cancelling an already cancelled appointment
	ErrorClassConflict
)

// String returns the string representation of ErrorClass.
func (e ErrorClass) String() string {
	switch e {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassPermanent:
		return "permanent"
	case ErrorClassConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its class and a hint for the generator.
type ClassifiedError struct {
	Class    ErrorClass
	Original error
	// ActionHint names the tool that usually resolves the failure.
	ActionHint string
}

func (c *ClassifiedError) Error() string {
	if c.Original == nil {
		return "classified error: class=" + c.Class.String()
	}
	return fmt.Sprintf("%s: %v", c.Class, c.Original)
}

func (c *ClassifiedError) Unwrap() error {
	return c.Original
}

// IsTransient reports whether an identical call may succeed later.
func (c *ClassifiedError) IsTransient() bool {
	return c.Class == ErrorClassTransient
}

// ClassifyError maps a tool failure to its class. Unknown errors are permanent.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	classified := &ClassifiedError{Class: ErrorClassPermanent, Original: err}

	switch {
	case errors.Is(err, ErrConflict):
		classified.Class = ErrorClassConflict
		classified.ActionHint = "get_next_appointment"
	case errors.Is(err, ErrNoPatient):
		classified.ActionHint = "create_patient"
	case errors.Is(err, ErrToolNotFound),
		errors.Is(err, ErrInvalidArguments),
		errors.Is(err, ErrDependencyFailed),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, context.Canceled):
	case errors.Is(err, context.DeadlineExceeded), isTransientError(err):
		classified.Class = ErrorClassTransient
	}
	return classified
}

// transientPatterns match driver and network messages that do not wrap a typed error.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"dial tcp",
	"timeout",
	"timed out",
	"database is locked",
	"sqlite_busy",
	"too many connections",
}

func isTransientError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
