package domain

import "errors"

var (
	ErrAuthentication = errors.New("authentication error")
	ErrAuthorization  = errors.New("not authorized")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrProtocol       = errors.New("protocol error")
	ErrInvalidState   = errors.New("invalid state")
	ErrInternal       = errors.New("server error")

	// ErrStale reports a lost optimistic-concurrency race. The state machine
	// reloads and re-evaluates; it never reaches a client.
	ErrStale = errors.New("stale record")
)

// Wire codes shared by the WebSocket and REST adapters.
const (
	CodeAuthentication = "authentication_error"
	CodeAuthorization  = "authorization_error"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeProtocol       = "protocol_error"
	CodeInvalidState   = "invalid_state"
	CodeServer         = "server_error"
)

// Code maps an error chain to its wire code. Anything outside the
// taxonomy is a server error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrAuthorization):
		return CodeAuthorization
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	default:
		return CodeServer
	}
}

// PublicMessage is the human-readable reason sent to the originating caller.
// Server errors never leak their cause.
func PublicMessage(err error) string {
	if Code(err) == CodeServer {
		return "server error, please retry"
	}
	return err.Error()
}
