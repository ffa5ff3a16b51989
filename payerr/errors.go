package payerr

import (
	"errors"
	"fmt"
)

// Kind classifies a payment failure. The orchestrator surfaces exactly one
// kind per failed request.
type Kind uint8

const (
	// KindUnknown is the zero value and is never used by a constructor.
	KindUnknown Kind = iota

	// KindValidation is a malformed input (address, amount, invoice,
	// memo). It is rejected before any I/O.
	KindValidation

	// KindNotFound is a directory lookup miss.
	KindNotFound

	// KindPolicy is a well-formed request that the system refuses:
	// self-payment, limits, dust, unsupported currency pairing, inactive
	// account. Rejected before the lock is taken.
	KindPolicy

	// KindInsufficientFunds means the wallet cannot cover principal plus
	// fees.
	KindInsufficientFunds

	// KindContention covers lock acquisition timeouts and lease expiry.
	// Callers may retry these.
	KindContention

	// KindDependency is a failure of an external collaborator: price
	// oracle, settlement backend, directory or ledger I/O.
	KindDependency

	// KindInvariant means internal state is corrupt, e.g. a journal that
	// does not balance. Never shown verbatim to callers.
	KindInvariant

	// KindNotImplemented is returned for flows that are recognised but
	// unsupported, such as a USD wallet paying on-chain.
	KindNotImplemented
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPolicy:
		return "policy"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindContention:
		return "contention"
	case KindDependency:
		return "dependency"
	case KindInvariant:
		return "invariant"
	case KindNotImplemented:
		return "not_implemented"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller can safely retry a request that failed
// with this kind.
func (k Kind) Retryable() bool {
	return k == KindContention || k == KindDependency
}

// Error is the typed error returned by every payment stage.
type Error struct {
	// Kind is the classification of the failure.
	Kind Kind

	// Msg is the message that may be shown to the caller.
	Msg string

	// Err is the internal cause, if any. It is logged but not echoed.
	Err error
}

// Error returns the message and, if present, the wrapped cause.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}

	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

// Unwrap returns the internal cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and message. This lets
// package level sentinels be compared with errors.Is even after wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind && t.Msg == e.Msg
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and a caller facing message to an internal cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation creates a KindValidation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// Policy creates a KindPolicy error.
func Policy(format string, args ...any) *Error {
	return Newf(KindPolicy, format, args...)
}

// InsufficientFunds creates a KindInsufficientFunds error.
func InsufficientFunds(format string, args ...any) *Error {
	return Newf(KindInsufficientFunds, format, args...)
}

// Dependency wraps the failure of an external collaborator.
func Dependency(what string, err error) *Error {
	return Wrap(KindDependency, what+" unavailable", err)
}

// Invariant wraps an internal consistency failure.
func Invariant(format string, args ...any) *Error {
	return Newf(KindInvariant, format, args...)
}

// NotImplemented creates a KindNotImplemented error.
func NotImplemented(what string) *Error {
	return Newf(KindNotImplemented, "not implemented: %s", what)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
