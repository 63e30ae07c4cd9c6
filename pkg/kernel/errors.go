package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorKind classifies kernel errors.
type ErrorKind string

const (
	// KindValidation indicates a field with the wrong shape or type.
	KindValidation ErrorKind = "validation"

	// KindDuplicateKey indicates a context key, tag or pipeline registration collision.
	KindDuplicateKey ErrorKind = "duplicate_key"

	// KindMissingDependency indicates an unresolved tag or unit.
	KindMissingDependency ErrorKind = "missing_dependency"

	// KindReentrancy indicates a unit was re-entered while it was being installed.
	// A dependency cycle surfaces as this kind.
	KindReentrancy ErrorKind = "reentrancy"

	// KindState indicates a public call made in the wrong lifecycle state.
	KindState ErrorKind = "state"

	// KindImport wraps failures of the external resolver or importer.
	KindImport ErrorKind = "import"

	// KindPolicy indicates a unit was denied by the admission policy.
	KindPolicy ErrorKind = "policy"
)

// Error is a classified kernel error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Unit is the unit being processed when the error occurred.
	Unit string `json:"unit,omitempty"`

	// Key names the offending field, context key, tag or pipeline.
	Key string `json:"key,omitempty"`

	// Locator is the resolved locator of the unit, if known.
	Locator string `json:"locator,omitempty"`

	// Owner is the existing owner in duplicate tag errors.
	Owner string `json:"owner,omitempty"`

	// Path is the install stack for reentrancy errors, ending in the re-entered unit.
	Path []string `json:"path,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var attrs []string
	if e.Unit != "" {
		attrs = append(attrs, "unit="+e.Unit)
	}
	if e.Key != "" {
		attrs = append(attrs, "key="+e.Key)
	}
	if e.Owner != "" {
		attrs = append(attrs, "owner="+e.Owner)
	}
	if e.Locator != "" {
		attrs = append(attrs, "locator="+e.Locator)
	}
	if len(e.Path) > 0 {
		attrs = append(attrs, "path="+strings.Join(e.Path, " -> "))
	}
	if len(attrs) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(attrs, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. A target with a
// message only matches errors carrying the same message, which is how the
// state sentinels are compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// WithUnit sets the unit if none was recorded yet.
func (e *Error) WithUnit(unit string) *Error {
	if e.Unit == "" {
		e.Unit = unit
	}
	return e
}

// WithKey sets the offending key.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithLocator sets the resolved locator.
func (e *Error) WithLocator(locator string) *Error {
	e.Locator = locator
	return e
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// State sentinels. Compare with errors.Is.
var (
	ErrBusy       = &Error{Kind: KindState, Message: "kernel is busy"}
	ErrNotStarted = &Error{Kind: KindState, Message: "kernel is not started"}
	ErrStopped    = &Error{Kind: KindState, Message: "kernel is stopped"}
)

// ErrUnknownUnit is wrapped by resolvers that do not know a unit name, so
// callers can tell "no such unit" apart from a failing resolver.
var ErrUnknownUnit = errors.New("unknown unit")

func stateError(sentinel *Error, current State) *Error {
	return &Error{Kind: KindState, Message: sentinel.Message, Key: string(current)}
}

// validationError converts validator output into a KindValidation error
// naming the first offending field.
func validationError(err error, unit, message string) *Error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return newError(KindValidation, message, err).
			WithUnit(unit).
			WithKey(fe.Namespace())
	}
	return newError(KindValidation, message, err).WithUnit(unit)
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

// IsDuplicateKey returns true if the error is a duplicate key, tag or pipeline error.
func IsDuplicateKey(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindDuplicateKey
}

// IsMissingDependency returns true if the error reports an unresolved tag or unit.
func IsMissingDependency(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindMissingDependency
}

// IsReentrancy returns true if the error reports a re-entered install.
func IsReentrancy(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindReentrancy
}

// IsState returns true if the error reports a call in the wrong lifecycle state.
func IsState(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindState
}

// IsImport returns true if the error wraps a resolver or importer failure.
func IsImport(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindImport
}

// IsPolicy returns true if the error is an admission denial.
func IsPolicy(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindPolicy
}
