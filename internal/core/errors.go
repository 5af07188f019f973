package core

import "errors"

// Sentinel errors surfaced by registry and room operations. Callers branch on
// these to pick transport behavior (close vs. error event) and HTTP status.
var (
	ErrInvalidPath     = errors.New("invalid room path")
	ErrRoomNotFound    = errors.New("room not found")
	ErrClientNotFound  = errors.New("client not found")
	ErrBanned          = errors.New("ip is banned")
	ErrNotJoined       = errors.New("session is not joined to this room")
	ErrIndexOutOfRange = errors.New("message index out of range")
	ErrNotOwner        = errors.New("message belongs to another user")
	ErrMessageTooLong  = errors.New("message exceeds character limit")
	ErrInvalidLimit    = errors.New("character limit must be non-negative")
)
