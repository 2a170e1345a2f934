package faults

import (
	"errors"
	"fmt"
)

// Class tags an error with the retry policy its callers should apply.
type Class int

const (
	// ClassTransient errors are expected during normal operation (node
	// unavailability, fee competition) and are safe to retry with backoff.
	ClassTransient Class = iota
	// ClassRejected marks a precondition that was not met, such as a duplicate
	// event or an unauthorized request. Logged and ignored, never retried.
	ClassRejected
	// ClassFatal errors must surface to an operator. Blind retry risks a
	// duplicate mint or a double submission.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error wraps an underlying error with its class.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return e.Class.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// Rejected wraps err as an ignorable precondition failure.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRejected, Err: err}
}

// Fatal wraps err as requiring operator attention.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassFatal, Err: err}
}

// ClassOf reports the class of err. Untagged errors default to transient so
// that plain network failures from collaborators keep their retry semantics.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassTransient
}

// IsRejected reports whether err carries ClassRejected.
func IsRejected(err error) bool {
	return err != nil && ClassOf(err) == ClassRejected
}

// IsFatal reports whether err carries ClassFatal.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}
