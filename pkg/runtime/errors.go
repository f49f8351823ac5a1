package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/docker/docker/errdefs"
)

// ErrKind classifies container-engine failures so callers can decide
// between retry, abort and cleanup.
type ErrKind string

const (
	ErrKindTransient     ErrKind = "transient"
	ErrKindNotFound      ErrKind = "not_found"
	ErrKindInvalidConfig ErrKind = "invalid_config"
	ErrKindDenied        ErrKind = "denied"
)

// Error wraps an engine error with its classification
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an engine error onto the runtime error taxonomy
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	kind := ErrKindTransient
	switch {
	case errdefs.IsNotFound(err):
		kind = ErrKindNotFound
	case errdefs.IsInvalidParameter(err) || errdefs.IsConflict(err):
		kind = ErrKindInvalidConfig
	case errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err):
		kind = ErrKindDenied
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		kind = ErrKindTransient
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			kind = ErrKindTransient
		}
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of an error, or empty when it does
// not originate from the runtime adapter.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether the error is a not_found runtime error
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTransient reports whether the error is worth retrying
func IsTransient(err error) bool {
	return KindOf(err) == ErrKindTransient
}
