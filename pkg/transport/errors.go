package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined     = errors.New("not joined to a room")
	ErrAlreadyJoined = errors.New("already joined to a room")
	ErrNoIdentity    = errors.New("store returned no participant id")
)

// JoinError is returned when the store rejects the room or returns no identity.
type JoinError struct {
	RoomID string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("failed to join room %q: %v", e.RoomID, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// SendError is returned when an envelope could not be pushed to the store.
type SendError struct {
	Type string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send %s: %v", e.Type, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// PollError describes a failed poll tick. It is only logged, the next tick retries.
type PollError struct {
	Since int64
	Err   error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("failed to poll signals since %d: %v", e.Since, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}
