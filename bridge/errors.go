package bridge

import (
	"errors"

	"github.com/dominikbayerl/go-nspirelink/nspire"
)

// Kind is a coarse error category. It is advisory: callers should only
// branch on success versus failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindOpen
	KindProtocol
	KindTransport
	KindArgument
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindArgument:
		return "argument"
	case KindSession:
		return "session"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned by operations on a released session.
var ErrSessionClosed = errors.New("session closed")

// ErrShimNotInstalled is returned by Open before shim.Install has run.
var ErrShimNotInstalled = errors.New("environment shim not installed")

const fallbackMessage = "unknown device failure"

// Error is the single failure type handed across the boundary.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// Normalize turns any collaborator failure into an *Error. A nil err yields
// nil and an *Error is returned unchanged.
func Normalize(op string, err error) (out error) {
	if err == nil {
		return nil
	}
	defer func() {
		if recover() != nil {
			out = &Error{Kind: KindUnknown, Op: op, Message: fallbackMessage, err: err}
		}
	}()
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Kind:    classify(err),
		Op:      op,
		Message: describe(err),
		err:     err,
	}
}

func normalizeAs(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: describe(err), err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return KindSession
	case errors.Is(err, nspire.ErrInvalidArgument):
		return KindArgument
	case nspire.IsOpen(err):
		return KindOpen
	case nspire.IsTransport(err):
		return KindTransport
	default:
		return KindProtocol
	}
}

// describe renders err. A panicking or empty Error method falls back to a
// fixed text so the result is never empty.
func describe(err error) (msg string) {
	defer func() {
		if recover() != nil || msg == "" {
			msg = fallbackMessage
		}
	}()
	return err.Error()
}
