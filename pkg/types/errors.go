package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch without string matching.
type Kind string

const (
	// KindValidation marks bad input; never retried.
	KindValidation Kind = "validation"

	// KindPolicyViolation marks a governance rejection with structured violations.
	KindPolicyViolation Kind = "policy_violation"

	// KindNotFound marks a missing record.
	KindNotFound Kind = "not_found"

	// KindExpired marks a credential or approval past its deadline.
	KindExpired Kind = "expired"

	// KindUnauthorized marks a caller or actor lacking privilege.
	KindUnauthorized Kind = "unauthorized"

	// KindTransient marks network, timeout, or deadline failures; retried with backoff.
	KindTransient Kind = "transient"

	// KindIntegrity marks audit append failures, checksum mismatches, or
	// authentication-tag mismatches; always fatal for the enclosing action.
	KindIntegrity Kind = "integrity"

	// KindIndeterminate marks a side effect whose status is unknown after
	// cancellation or timeout. Treated as potentially-succeeded; idempotency
	// keys prevent double-commit on retry.
	KindIndeterminate Kind = "indeterminate"
)

// Error is the tagged error type used across the core.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// E constructs a tagged error.
func E(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapE wraps an underlying error with a kind and operation.
func WrapE(kind Kind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, string(e.Kind))
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, walking the wrap chain. Unclassified
// errors report KindTransient so the orchestrator errs on the side of retry.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the orchestrator may retry after err.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
