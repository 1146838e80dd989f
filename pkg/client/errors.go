package client

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoToken is returned when the login page did not set an XSRF-TOKEN cookie.
	ErrNoToken = errors.New("login did not return an XSRF-TOKEN cookie")

	// ErrResponseTooLarge is returned when a response body exceeds the size limit.
	ErrResponseTooLarge = errors.New("response too large")
)

// PortalError is one failed exchange with the portal.
type PortalError struct {
	StatusCode int
	ErrorClass fetch.ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *PortalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("portal %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PortalError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error class is retried within one request.
func shouldRetry(errorClass fetch.ErrorClass) bool {
	switch errorClass {
	case fetch.ErrorClassServer, fetch.ErrorClassRateLimit, fetch.ErrorClassNetwork:
		return true
	default:
		// client and decode errors never heal; auth needs a new session first
		return false
	}
}

// classOf returns the class of a PortalError in err's chain.
func classOf(err error) fetch.ErrorClass {
	var pe *PortalError
	if errors.As(err, &pe) {
		return pe.ErrorClass
	}
	return fetch.ErrorClassUnknown
}

// toFetchError maps the final error of a request onto the scheduler's
// taxonomy: client and decode failures are fatal, everything else transient.
func toFetchError(err error) error {
	var pe *PortalError
	if !errors.As(err, &pe) {
		if fetch.IsFatal(err) {
			return err
		}
		return &fetch.TransientError{Class: fetch.ErrorClassUnknown, Err: err}
	}
	switch pe.ErrorClass {
	case fetch.ErrorClassClient, fetch.ErrorClassDecode:
		return &fetch.FatalError{Class: pe.ErrorClass, StatusCode: pe.StatusCode, Err: err}
	default:
		return &fetch.TransientError{Class: pe.ErrorClass, StatusCode: pe.StatusCode, Err: err}
	}
}
