// Package kernelerr is the typed error taxonomy the executor uses to
// classify tool-call errors for its retry loop and step results.
package kernelerr

import (
	"errors"
	"fmt"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

// Error is a classified kernel error. Callers branch on Class with
// errors.As, never on Message text.
type Error struct {
	Class   domain.ErrorClass
	Message string
	Cause   error
}

func New(class domain.ErrorClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

func Wrap(class domain.ErrorClass, cause error) *Error {
	return &Error{Class: class, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ClassOf extracts the error class of err, defaulting to internal when err
// is not a *Error.
func ClassOf(err error) domain.ErrorClass {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Class
	}
	return domain.ErrInternal
}

// Retryable reports whether the Executor's retry loop should attempt err
// again, per domain.NonRetryable.
func Retryable(err error) bool {
	return !domain.NonRetryable[ClassOf(err)]
}
