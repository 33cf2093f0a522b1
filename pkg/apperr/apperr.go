package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the error class. A Kind is itself an error so callers can write
// errors.Is(err, apperr.ErrNotFound).
type Kind string

const (
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindNotFound            Kind = "not_found"
	KindPersistence         Kind = "persistence"
	KindPartialBatchFailure Kind = "partial_batch_failure"
	KindInternal            Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

var (
	ErrValidation          error = KindValidation
	ErrConflict            error = KindConflict
	ErrNotFound            error = KindNotFound
	ErrPersistence         error = KindPersistence
	ErrPartialBatchFailure error = KindPartialBatchFailure
)

// Error is an application error with a kind, a machine-readable code and the
// operation that produced it.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

// New returns a sentinel error of the given kind. Domain packages declare these
// at package level.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.Err != nil {
		if msg := e.Err.Error(); msg != e.Code {
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		return string(e.Kind)
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// Wrap annotates err with op, keeping the kind and code of any *Error inside it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Code: ae.Code, Op: op, Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// Persistence classifies a storage failure. Errors that already carry a kind
// are returned unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindPersistence, Code: "persistence_failure", Op: op, Err: err}
}

// Validationf builds an ad hoc validation error.
func Validationf(code, format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: code, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err for logs and metrics.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of err, or the kind when no code is set.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Code != "" {
			return ae.Code
		}
		return string(ae.Kind)
	}
	return string(KindOf(err))
}
