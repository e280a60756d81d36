package failure

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a per-connection failure
type Kind int

const (
	Unknown Kind = iota
	MalformedRequest
	IncompleteRequest
	UnresolvedHost
	UnsupportedVersion
	HandshakeFailure
	DialFailure
	RelayInterrupted
	Cancelled
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case MalformedRequest:
		return "malformed_request"
	case IncompleteRequest:
		return "incomplete_request"
	case UnresolvedHost:
		return "unresolved_host"
	case UnsupportedVersion:
		return "unsupported_version"
	case HandshakeFailure:
		return "handshake_failure"
	case DialFailure:
		return "dial_failure"
	case RelayInterrupted:
		return "relay_interrupted"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RespondsBadRequest reports whether the client should get a 400 before close
func (k Kind) RespondsBadRequest() bool {
	return k == MalformedRequest || k == UnresolvedHost || k == UnsupportedVersion
}

// Expected reports whether the kind is a normal way for a connection to end
func (k Kind) Expected() bool {
	return k == IncompleteRequest || k == RelayInterrupted || k == Cancelled
}

// Error is a classified failure with the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error. A nil cause gets a stack-carrying placeholder.
func New(kind Kind, op string, cause error) error {
	if cause == nil {
		cause = errors.New(kind.String())
	} else {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf creates a classified error from a format string
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf extracts the kind of err. Context cancellation anywhere in the chain
// wins over the outer classification.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
