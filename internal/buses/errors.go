package buses

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoProvider is the typed "unavailable" failure returned when no
// eligible provider remains for a call. Callers must not block waiting
// for one to appear.
var ErrNoProvider = errors.New("no eligible service provider")

// ErrValidation marks inputs that violate the kind's schema. Validation
// failures never trigger fallback and never touch a circuit breaker.
var ErrValidation = errors.New("validation failed")

// ErrorClass decides whether a failed call may be retried on another
// provider.
type ErrorClass int

const (
	// ClassTransient covers timeouts, connection errors, and
	// 5xx-equivalents. The breaker records a failure and the next
	// eligible provider is tried.
	ClassTransient ErrorClass = iota

	// ClassPermanent covers 4xx-equivalents including auth denial. No
	// other provider can succeed with the same inputs, so there is no
	// fallback.
	ClassPermanent

	// ClassUnavailable means no provider matched the lookup at all.
	ClassUnavailable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// CallError wraps a failed bus call with its classification and the
// provider that produced it.
type CallError struct {
	Kind     string
	Provider string
	Class    ErrorClass
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call via %s failed (%s): %v", e.Kind, e.Provider, e.Class, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// PermanentError marks err as non-retryable when returned by a provider.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the bus will not fall back to another provider.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classify maps a provider error to its class. Context cancellation and
// deadline expiry are transient: the provider may be healthy next time.
func Classify(err error) ErrorClass {
	var perm *PermanentError
	if errors.As(err, &perm) || errors.Is(err, ErrValidation) {
		return ClassPermanent
	}
	if errors.Is(err, ErrNoProvider) {
		return ClassUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}
