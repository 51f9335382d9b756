package amqp10

import (
	"errors"
	"fmt"
)

// AMQP error conditions used by the engine.
const (
	CondInternalError         = "amqp:internal-error"
	CondNotAllowed            = "amqp:not-allowed"
	CondResourceLimitExceeded = "amqp:resource-limit-exceeded"

	CondConnectionForced = "amqp:connection:forced"
	CondFramingError     = "amqp:connection:framing-error"

	CondWindowViolation  = "amqp:session:window-violation"
	CondErrantLink       = "amqp:session:errant-link"
	CondHandleInUse      = "amqp:session:handle-in-use"
	CondUnattachedHandle = "amqp:session:unattached-handle"
	CondInvalidField     = "amqp:invalid-field"

	CondDetachForced          = "amqp:link:detach-forced"
	CondTransferLimitExceeded = "amqp:link:transfer-limit-exceeded"
)

// Error is an AMQP error: a condition symbol plus a human-readable
// description. It is carried in Detach/End/Close frames and surfaced to
// the application on every terminal state transition.
type Error struct {
	Condition   string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Condition
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) marshal(b *buffer) {
	b.writeDescriptor(descError)
	var l listWriter
	l.field().writeSymbol(symbol(e.Condition))
	if e.Description != "" {
		l.field().writeString(e.Description)
	} else {
		l.field().writeNull()
	}
	l.writeTo(b)
}

// errorf builds an *Error with a formatted description.
func errorf(condition, format string, args ...any) *Error {
	return &Error{Condition: condition, Description: fmt.Sprintf(format, args...)}
}

// Application errors returned synchronously from engine operations. These
// are not protocol faults.
var (
	// ErrConnClosed is returned from operations on a closed connection
	// and resolves every operation suspended under it.
	ErrConnClosed = errors.New("amqp10: connection closed")
	// ErrSessionEnded resolves operations suspended under an ended session.
	ErrSessionEnded = errors.New("amqp10: session ended")
	// ErrLinkDetached resolves sends pending on a detached link.
	ErrLinkDetached = errors.New("amqp10: link detached")
	// ErrInsufficientCredit is returned by TrySend when the link has no
	// credit or the session window is exhausted.
	ErrInsufficientCredit = errors.New("amqp10: insufficient link credit")
	// ErrDeliverySettled is returned when settling an already-settled
	// delivery; the tracker state is unchanged.
	ErrDeliverySettled = errors.New("amqp10: delivery already settled")

	errDecodeShort = errors.New("amqp10: truncated value")
)

// DetachError wraps the error condition carried by a peer Detach (or a
// synthetic detach cascaded from a session/connection failure).
type DetachError struct {
	RemoteErr *Error
}

func (e *DetachError) Error() string {
	if e.RemoteErr == nil {
		return "amqp10: link detached by peer"
	}
	return fmt.Sprintf("amqp10: link detached by peer: %s", e.RemoteErr.Error())
}

func (e *DetachError) Unwrap() error { return ErrLinkDetached }

// SessionError wraps the error condition carried by a peer End.
type SessionError struct {
	RemoteErr *Error
}

func (e *SessionError) Error() string {
	if e.RemoteErr == nil {
		return "amqp10: session ended by peer"
	}
	return fmt.Sprintf("amqp10: session ended by peer: %s", e.RemoteErr.Error())
}

func (e *SessionError) Unwrap() error { return ErrSessionEnded }

// ConnError wraps the error that terminated the connection: the peer's
// Close condition, a local protocol violation, or a transport failure.
type ConnError struct {
	RemoteErr *Error
	inner     error
}

func (e *ConnError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp10: connection closed: %s", e.RemoteErr.Error())
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp10: connection closed: %s", e.inner.Error())
	}
	return "amqp10: connection closed"
}

func (e *ConnError) Unwrap() error {
	if e.inner != nil {
		return e.inner
	}
	return ErrConnClosed
}

func (e *ConnError) Is(target error) bool { return target == ErrConnClosed }
