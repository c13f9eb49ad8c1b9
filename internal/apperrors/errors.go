// Package apperrors defines the error-kind taxonomy shared by every
// coordination-plane component and the HTTP edge that renders them.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a failure, independent of its message.
// Control API handlers map a Kind to an HTTP status code; nothing else
// should switch on error strings.
type Kind string

const (
	KindValidation            Kind = "Validation"
	KindAuthRequired          Kind = "AuthRequired"
	KindAuthInvalid           Kind = "AuthInvalid"
	KindNotFound              Kind = "NotFound"
	KindConflict              Kind = "Conflict"
	KindIllegalTransition     Kind = "IllegalTransition"
	KindDependencyUnavailable Kind = "DependencyUnavailable"
	KindRateLimited           Kind = "RateLimited"
	KindInternal              Kind = "Internal"
)

// Conflict sub-reasons, carried in Error.Reason when Kind == KindConflict.
const (
	ReasonSlotOccupied          = "SlotOccupied"
	ReasonDuplicateClaim        = "DuplicateClaim"
	ReasonConcurrentModification = "ConcurrentModification"
	ReasonReviewAlreadyClaimed  = "ReviewAlreadyClaimed"
)

// Error is the single error type produced by every component in this
// module. Handlers and tests should compare Kind/Reason, never the
// message text.
type Error struct {
	Kind    Kind
	Reason  string // populated for Conflict and IllegalTransition
	Message string
	Details map[string]any
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Conflict builds a Conflict error carrying one of the Reason* constants.
func Conflict(reason, message string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: message}
}

// IllegalTransition builds the IllegalTransition error shape required by
// the state machine: it must carry the attempted from/to pair.
func IllegalTransition(from, to string) *Error {
	return &Error{
		Kind:    KindIllegalTransition,
		Message: fmt.Sprintf("cannot transition from %q to %q", from, to),
		Details: map[string]any{"from": from, "to": to},
	}
}

func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for any
// error that isn't one of ours.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
