package engine

import (
	"fmt"
)

// ErrorKind classifies load failures. Only Exhausted is meant to surface to
// the user as a persistent error; the other kinds are absorbed into state
// transitions.
type ErrorKind int

const (
	// KindTransient marks a backend or network failure that may be retried
	// for sessions still initializing.
	KindTransient ErrorKind = iota
	// KindNotFound marks a session archived or deleted mid-flight.
	KindNotFound
	// KindCancelled marks a load superseded by a session switch.
	KindCancelled
	// KindExhausted marks a failure after the retry budget is spent, or an
	// immediate failure for a session that gets no retries.
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindExhausted:
		return "exhausted"
	}
	return "unknown"
}

// LoadError wraps a fetch failure with its classification.
type LoadError struct {
	Kind      ErrorKind
	SessionID string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.SessionID, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
