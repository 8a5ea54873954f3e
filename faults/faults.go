// Package faults defines the closed failure taxonomy for dependency calls.
//
// Every error crossing a dependency boundary (graph store, extraction service)
// is classified exactly once, at that boundary, into one of four classes:
//
//   - Transient: retryable (timeout, connection reset, 5xx-equivalent)
//   - Permanent: never retried (malformed input, 4xx-equivalent, validation)
//   - Resource: pool/memory exhaustion, handled via backpressure and recovery
//   - Systemic: dependency circuit open, fails fast in degraded mode
//
// Code above the boundary dispatches on Class via switch, never on error
// message text.
package faults

import (
	"context"
	"net"

	"github.com/graphloom/loom/errors"
)

// Class is the closed classification of a dependency failure.
type Class string

const (
	Transient Class = "transient"
	Permanent Class = "permanent"
	Resource  Class = "resource"
	Systemic  Class = "systemic"
)

// Fault wraps an error with its class and the dependency it came from.
type Fault struct {
	Classification Class
	Dependency     string
	Err            error
}

func (f *Fault) Error() string {
	if f.Dependency != "" {
		return f.Dependency + ": " + f.Err.Error()
	}
	return f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

// Mark wraps err with a classification. The dependency name is carried for
// logging and circuit-breaker bookkeeping.
func Mark(class Class, dep string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Classification: class, Dependency: dep, Err: err}
}

// Markf creates a new classified error.
func Markf(class Class, dep string, format string, args ...interface{}) error {
	return &Fault{Classification: class, Dependency: dep, Err: errors.Newf(format, args...)}
}

// ClassOf returns the classification of err. Unclassified errors report
// Permanent: an error that escaped boundary classification must not be
// retried blindly.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Classification
	}
	return Permanent
}

// DependencyOf returns the dependency name recorded at classification time,
// or "" for unclassified errors.
func DependencyOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Dependency
	}
	return ""
}

// IsTransient reports whether err retries locally within the retry layer.
func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }

// IsPermanent reports whether err routes the job directly to the dead letter
// store.
func IsPermanent(err error) bool { return err != nil && ClassOf(err) == Permanent }

// IsResource reports whether err indicates pool or memory exhaustion.
func IsResource(err error) bool { return err != nil && ClassOf(err) == Resource }

// IsSystemic reports whether err came from an open circuit.
func IsSystemic(err error) bool { return err != nil && ClassOf(err) == Systemic }

// ClassifyNetwork classifies a raw transport-level error for a dependency.
// Timeouts and connection failures are Transient; context cancellation
// propagates unwrapped so callers can distinguish shutdown from failure.
func ClassifyNetwork(dep string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Mark(Transient, dep, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Mark(Transient, dep, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Connection refused, reset, broken pipe: the dependency is
		// reachable-but-unhealthy or briefly unreachable.
		return Mark(Transient, dep, err)
	}
	return Mark(Permanent, dep, err)
}
