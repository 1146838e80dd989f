package fetch

import (
	"errors"
	"fmt"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection, DNS and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassAuth represents 401/403 responses; the session must be renewed.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassDecode represents malformed or unexpectedly shaped responses.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassUnknown is used for errors that carry no classification.
	ErrorClassUnknown ErrorClass = "unknown"
)

// TransientError is a failure worth retrying: the same request may succeed later.
type TransientError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient %s error: %v", e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError is a failure that will not go away by retrying the same request.
type FatalError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal %s error: %v", e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError of the given class.
func Transient(class ErrorClass, err error) error {
	return &TransientError{Class: class, Err: err}
}

// Fatal wraps err as a FatalError of the given class.
func Fatal(class ErrorClass, err error) error {
	return &FatalError{Class: class, Err: err}
}

// Fatalf builds a FatalError from a format string.
func Fatalf(class ErrorClass, format string, args ...any) error {
	return &FatalError{Class: class, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ClassOf returns the classification carried by err.
// Unclassified errors are reported as ErrorClassUnknown and treated as transient.
func ClassOf(err error) ErrorClass {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Class
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Class
	}
	return ErrorClassUnknown
}

// NeedsAuth reports whether err asks for the session to be renewed before retrying.
func NeedsAuth(err error) bool {
	return ClassOf(err) == ErrorClassAuth
}
