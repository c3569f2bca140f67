package scrambridge

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors used across module boundaries.
var (
	// ErrReconcileRunning is returned when a cycle is requested while
	// another one holds the running flag.
	ErrReconcileRunning = errors.New("scrambridge: reconciliation already running")
	// ErrQueueFull is returned when the webhook queue is at capacity.
	ErrQueueFull = errors.New("scrambridge: webhook queue full")
	// ErrInvalidSignature is returned when the webhook HMAC does not match.
	ErrInvalidSignature = errors.New("scrambridge: invalid webhook signature")
	// ErrPayloadInvalid is returned for parsed-but-unusable webhook
	// payloads. Such events are dropped, never retried.
	ErrPayloadInvalid = errors.New("scrambridge: invalid webhook payload")
	// ErrCircuitOpen is returned while a downstream circuit breaker
	// rejects calls.
	ErrCircuitOpen = errors.New("scrambridge: circuit breaker open")
)

// ErrorClass buckets downstream failures by how they should be handled.
type ErrorClass uint8

const (
	ClassUnknown ErrorClass = iota
	// ClassTransient covers timeouts, resets and 5xx responses. Retried
	// by the pipeline and the clients per policy.
	ClassTransient
	// ClassAuthentication covers rejected credentials. Never retried
	// automatically; surfaced on the readiness endpoint.
	ClassAuthentication
	// ClassNotFound covers missing users or principals.
	ClassNotFound
	// ClassProtocol covers malformed responses and unsupported versions.
	// Treated as a fatal configuration problem by the caller.
	ClassProtocol
)

var classToString = map[ErrorClass]string{
	ClassUnknown:        "UNKNOWN",
	ClassTransient:      "TRANSIENT",
	ClassAuthentication: "AUTHENTICATION",
	ClassNotFound:       "NOT_FOUND",
	ClassProtocol:       "PROTOCOL",
}

// String returns the wire representation of the class.
func (c ErrorClass) String() string { return classToString[c] }

// ClassifiedError attaches a handling class to a downstream error.
type ClassifiedError struct {
	Err   error
	Class ErrorClass
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class. A nil err yields nil.
func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the handling class of err, defaulting to ClassUnknown.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// Retriable reports whether the pipeline may retry after err.
// Context cancellation terminates retries regardless of class.
func Retriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrReconcileRunning) {
		return true
	}
	switch ClassOf(err) {
	case ClassTransient, ClassUnknown:
		return true
	default:
		return false
	}
}

// ErrorCode maps err to the short code recorded on audit rows.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	default:
		return ClassOf(err).String()
	}
}
