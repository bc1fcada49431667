// Package driverrors classifies errors surfaced by the hypervisor driver so
// callers can decide whether to retry, surface to the orchestrator as a
// permanent failure, or treat it as an operator-facing bug.
package driverrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch by callers higher up the stack.
type Kind int

const (
	// Unknown means the error carries no classification.
	Unknown Kind = iota
	// NotFound means the referenced instance, domain, or filter does not exist.
	NotFound
	// Invalid means the caller supplied malformed input (bad CIDR, bad flavor, etc).
	Invalid
	// NotAuthorized means the operation was rejected by the hypervisor's own
	// permission model, independent of the orchestrator's account model.
	NotAuthorized
	// Unsupported means the hypervisor or configured backend cannot perform
	// the requested operation (e.g. live migration on a type that doesn't support it).
	Unsupported
	// Timeout means a poll or wait exceeded its deadline without observing
	// the target state.
	Timeout
	// External means a collaborator (InstanceStore, ImageService, NetworkInfo),
	// a subprocess such as qemu-img or iptables, or a hypervisor call returned
	// an error that the driver could not interpret further.
	External
	// Fatal means the driver's own invariants were violated and it cannot
	// safely continue the operation.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	case NotAuthorized:
		return "not_authorized"
	case Unsupported:
		return "unsupported"
	case Timeout:
		return "timeout"
	case External:
		return "external"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// driverError wraps an underlying error with a Kind.
type driverError struct {
	kind Kind
	op   string
	err  error
}

func (e *driverError) Error() string {
	if e.op == "" {
		return fmt.Sprintf("%s: %v", e.kind, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.op, e.err)
}

func (e *driverError) Unwrap() error { return e.err }

// New wraps err with the given Kind and an operation label used in the
// error string (e.g. "spawn", "materialize").
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &driverError{kind: kind, op: op, err: err}
}

// ClassOf returns the Kind attached to err, or Unknown if err (or any error
// in its chain) was never classified.
func ClassOf(err error) Kind {
	var de *driverError
	if errors.As(err, &de) {
		return de.kind
	}
	return Unknown
}

// Is reports whether err is classified with the given Kind.
func Is(err error, kind Kind) bool {
	return ClassOf(err) == kind
}
