package protocol

import (
	"errors"
	"fmt"

	"github.com/christopherjohns/gamelobby/internal/lobby"
	"github.com/christopherjohns/gamelobby/internal/session"
)

// Kind classifies a request failure.
type Kind string

const (
	// KindProtocol covers malformed envelopes, unknown types and invalid
	// payloads.
	KindProtocol Kind = "protocol"
	// KindPrecondition covers requests that were well formed but not allowed
	// in the current state. No state changes when one is reported.
	KindPrecondition Kind = "precondition"
)

// ErrNotAuthenticated is returned for requests that need a bound session.
var ErrNotAuthenticated = errors.New("user not authenticated")

// Error is a request failure reported back to the client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func protocolErrorf(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...), Err: cause}
}

// preconditions are reported with their own text rather than the wrapped
// chain, which carries internal detail.
var preconditions = []error{
	ErrNotAuthenticated,
	lobby.ErrRoomNotFound,
	lobby.ErrRoomFull,
	lobby.ErrAlreadyMember,
	lobby.ErrNotMember,
	lobby.ErrUnknownUser,
	lobby.ErrNotCreator,
	lobby.ErrInvalidStatus,
	session.ErrAlreadyBound,
	session.ErrUserConnected,
}

// classify maps any handler error onto an Error.
func classify(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	for _, target := range preconditions {
		if errors.Is(err, target) {
			return &Error{Kind: KindPrecondition, Message: target.Error(), Err: err}
		}
	}
	return &Error{Kind: KindProtocol, Message: err.Error(), Err: err}
}
