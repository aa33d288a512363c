// Package orcherr defines the core's error taxonomy.
//
// Every component returns one of these kinds (wrapped with context via
// fmt.Errorf("...: %w", err)) instead of panicking or swallowing failures.
// Callers use errors.As to recover the kind and decide whether to retry,
// surface to an operator, or treat the failure as fatal.
package orcherr

import "fmt"

// Kind identifies the category of a core error.
type Kind string

const (
	KindStore           Kind = "store_error"
	KindInvariant       Kind = "invariant_violation"
	KindQueueFull       Kind = "queue_full"
	KindBufferFull      Kind = "buffer_full"
	KindValidation      Kind = "validation_error"
	KindAgentUnresponsive Kind = "agent_unresponsive"
	KindGateBlocked     Kind = "gate_blocked"
	KindTimeout         Kind = "timeout"
)

// Error is the concrete error type carried through the system. Component is
// the subsystem that raised it (e.g. "taskqueue", "store"), Detail is a
// human-readable message, and Cause is an optional wrapped error.
type Error struct {
	Kind      Kind
	Component string
	Detail    string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Component, e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Component, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, orcherr.Timeout) style sentinel comparisons by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, component, detail string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Detail: detail, Cause: cause}
}

func Store(component, detail string, cause error) error {
	return New(KindStore, component, detail, cause)
}

func Invariant(component, detail string) error {
	return New(KindInvariant, component, detail, nil)
}

func QueueFull(component, detail string) error {
	return New(KindQueueFull, component, detail, nil)
}

func BufferFull(component, detail string) error {
	return New(KindBufferFull, component, detail, nil)
}

func Validation(component, detail string) error {
	return New(KindValidation, component, detail, nil)
}

func AgentUnresponsive(component, detail string) error {
	return New(KindAgentUnresponsive, component, detail, nil)
}

func GateBlocked(component, detail string) error {
	return New(KindGateBlocked, component, detail, nil)
}

func Timeout(component, detail string) error {
	return New(KindTimeout, component, detail, nil)
}

// Is* helpers spare callers a type assertion at every call site.

func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func IsQueueFull(err error) bool  { return IsKind(err, KindQueueFull) }
func IsBufferFull(err error) bool { return IsKind(err, KindBufferFull) }
func IsGateBlocked(err error) bool { return IsKind(err, KindGateBlocked) }
func IsInvariant(err error) bool  { return IsKind(err, KindInvariant) }
