// Package fault classifies engine failures and carries the error slot callers
// read to present unrecoverable failures.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindTransport is a network or HTTP-layer failure.
	KindTransport Kind = iota
	// KindProtocol is a payload the engine did not expect, such as a wrong
	// discovery kind or a malformed watch line.
	KindProtocol
	// KindProgramming is a caller-side ordering bug. It is raised as a panic.
	KindProgramming
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindProgramming:
		return "programming"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrUpdatesStopped marks the end of a watch session. Callers test for it with
// errors.Is to tell a stopped live view apart from a one-shot fetch failure.
var ErrUpdatesStopped = errors.New("updates stopped; reload to resume")

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport wraps err as a transport failure. A nil err returns nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Protocol wraps err as a protocol violation. A nil err returns nil.
func Protocol(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// Protocolf formats a protocol violation.
func Protocolf(op, format string, args ...any) error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// Programming panics with a programming error. It never returns.
func Programming(op, format string, args ...any) {
	panic(&Error{Kind: KindProgramming, Op: op, Err: fmt.Errorf(format, args...)})
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsTransport reports whether err is classified as a transport failure.
func IsTransport(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransport
}

// IsProtocol reports whether err is classified as a protocol violation.
func IsProtocol(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindProtocol
}
