// Package failures defines the error taxonomy shared by stages, pipelines, the router
// and the delivery layer.
package failures

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure.
type Kind string

const (
	KindSchemaViolation    Kind = "schema_violation"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindContentBlocked     Kind = "content_blocked"
	KindAmbiguousRequest   Kind = "ambiguous_request"
	KindToolCallEmpty      Kind = "tool_call_empty"
	KindDeliveryFailure    Kind = "delivery_failure"
	KindCancelled          Kind = "cancelled"
	KindInternal           Kind = "internal"
)

// Sentinels for errors.Is matching against any *Error of the same kind.
var (
	ErrSchemaViolation    = &Error{Kind: KindSchemaViolation}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrContentBlocked     = &Error{Kind: KindContentBlocked}
	ErrAmbiguousRequest   = &Error{Kind: KindAmbiguousRequest}
	ErrToolCallEmpty      = &Error{Kind: KindToolCallEmpty}
	ErrDeliveryFailure    = &Error{Kind: KindDeliveryFailure}
)

// Apology is the user-facing text for a run that ended in Failed.
const Apology = "Sorry, something went wrong while preparing your answer. Please try again in a little while."

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so that wrapped errors compare equal to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error with a formatted message and no cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a backend error, recording whether a retry may succeed.
func Unavailable(op string, err error, transient bool) *Error {
	return &Error{Kind: KindBackendUnavailable, Op: op, Err: err, Transient: transient}
}

// Ambiguous returns an AmbiguousRequest error whose message is the clarifying question.
func Ambiguous(question string) *Error {
	return &Error{Kind: KindAmbiguousRequest, Message: question}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var fe *Error
		if errors.As(err, &fe) {
			return fe.Kind
		}
		return KindCancelled
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Transient {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// TransientStatus reports whether an HTTP-like status code is worth retrying.
func TransientStatus(code int) bool {
	return code == 408 || code == 429 || (code >= 500 && code <= 599)
}

// ClarifyingQuestion extracts the question carried by an AmbiguousRequest error.
func ClarifyingQuestion(err error) (string, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindAmbiguousRequest {
		return fe.Message, true
	}
	return "", false
}
