// Package errkind classifies recoverable failures so callers can decide
// how to surface them (re-prompt, deny message, silent audit log).
package errkind

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks malformed interactive input. Recoverable:
	// re-prompt, no state change.
	KindValidation
	// KindPolicyDenied marks content/extension/admin-command rejection.
	KindPolicyDenied
	// KindRateLimited marks a send denied by velocity caps.
	KindRateLimited
	// KindNotFound marks an absent task on delete/execute. Treated as
	// already resolved, not as a failure.
	KindNotFound
	// KindDelivery marks an external delivery failure. Recorded, surfaced
	// only on interactive paths.
	KindDelivery
	// KindPersistence marks a store write failure. The mutating operation
	// must abort with prior state intact.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicyDenied:
		return "policy_denied"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindDelivery:
		return "delivery"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e kindError) Error() string { return e.err.Error() }
func (e kindError) Unwrap() error { return e.err }

// Wrap tags err with a kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

// New builds a tagged error from a format string.
func New(kind Kind, format string, args ...any) error {
	return kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Of reports the kind of err, or KindUnknown when untagged.
func Of(err error) Kind {
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return Of(err) == kind }
