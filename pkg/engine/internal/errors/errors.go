// Package errors defines the error taxonomy of the execution core.
//
// Every error produced by the core is an [*Error] carrying a [Kind] and an
// ordered list of context strings, outermost first. Callers assert on the kind
// with [KindOf] or [errors.Is] against the sentinel values instead of parsing
// messages.
package errors

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an [Error].
type Kind int

// Recognized values of [Kind].
const (
	KindInvalid Kind = iota

	KindMissingField         // A required structural field is absent.
	KindInvalidArgument      // A present field holds a disallowed value.
	KindUnsupportedOperation // A recognized but unimplemented or disabled code path.
	KindUnderlyingFailure    // An opaque failure from an evaluator, encoder, or scan.
)

var kindStrings = map[Kind]string{
	KindInvalid: "invalid",

	KindMissingField:         "missing field",
	KindInvalidArgument:      "invalid argument",
	KindUnsupportedOperation: "unsupported operation",
	KindUnderlyingFailure:    "underlying failure",
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Sentinels usable with [errors.Is]. An [*Error] matches the sentinel of its
// kind.
var (
	ErrMissingField         = errors.New("missing field")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnderlyingFailure    = errors.New("underlying failure")
)

var kindSentinels = map[Kind]error{
	KindMissingField:         ErrMissingField,
	KindInvalidArgument:      ErrInvalidArgument,
	KindUnsupportedOperation: ErrUnsupportedOperation,
	KindUnderlyingFailure:    ErrUnderlyingFailure,
}

// Error is a structured error with a terminal kind and a causal chain of
// context descriptions.
type Error struct {
	Kind    Kind
	Context []string // Outermost description first.
	Msg     string   // Leaf message; may be empty for wrapped foreign errors.

	cause error
}

// Error returns the context chain followed by the leaf message and cause.
func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Context)+2)
	parts = append(parts, e.Context...)
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the foreign cause, if any.
func (e *Error) Unwrap() error {
	if e.cause == nil {
		return nil
	}
	return pkgerrors.Cause(e.cause)
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Format supports %+v, which prints the stack recorded for foreign causes.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.cause != nil {
		head := append([]string(nil), e.Context...)
		if e.Msg != "" {
			head = append(head, e.Msg)
		}
		fmt.Fprintf(s, "%s: %+v", strings.Join(head, ": "), e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// MissingField returns an error of kind [KindMissingField].
func MissingField(format string, args ...any) error {
	return newError(KindMissingField, format, args...)
}

// InvalidArgument returns an error of kind [KindInvalidArgument].
func InvalidArgument(format string, args ...any) error {
	return newError(KindInvalidArgument, format, args...)
}

// Unsupported returns an error of kind [KindUnsupportedOperation].
func Unsupported(format string, args ...any) error {
	return newError(KindUnsupportedOperation, format, args...)
}

// Underlying wraps a foreign error as [KindUnderlyingFailure] without adding
// context.
func Underlying(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindUnderlyingFailure, cause: pkgerrors.WithStack(err)}
}

// Wrap prepends description to the context chain of err. Foreign errors are
// converted to [KindUnderlyingFailure]. Wrap returns nil if err is nil.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Kind:    KindUnderlyingFailure,
			Context: []string{description},
			cause:   pkgerrors.WithStack(err),
		}
	}

	wrapped := *e
	wrapped.Context = make([]string, 0, len(e.Context)+1)
	wrapped.Context = append(wrapped.Context, description)
	wrapped.Context = append(wrapped.Context, e.Context...)
	return &wrapped
}

// Wrapf is like [Wrap] with a formatted description.
func Wrapf(err error, format string, args ...any) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err, or [KindInvalid] if err is not an [*Error].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvalid
}

// ContextOf returns the context chain of err, outermost first.
func ContextOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}
