package startup

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSequencerClosed   = errors.New("sequencer is closed")
	ErrAlreadyStarted    = errors.New("sequencer already started")
	ErrWrongPhase        = errors.New("the sequence is not in this phase")
	ErrNotSkippable      = errors.New("phase can't be skipped")
	ErrNothingToRetry    = errors.New("the phase is not waiting for a retry")
	ErrSignedOut         = errors.New("signed out")
	ErrNoConnectionSetup = errors.New("connection setup was skipped")
)

// AcquisitionError means the identity or the local media could not be acquired. The phase
// can be retried or skipped.
type AcquisitionError struct {
	Phase Phase
	Err   error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s acquisition failed: %v", e.Phase, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// ChannelTimeoutError means the chat channel never opened. The call goes on without chat.
type ChannelTimeoutError struct {
	ParticipantID string
	Timeout       time.Duration
}

func (e *ChannelTimeoutError) Error() string {
	return fmt.Sprintf("chat channel with %s did not open within %s", e.ParticipantID, e.Timeout)
}

// PhaseTimeoutError means the phase did not finish in time. `Master` is set if the whole
// sequence ran out of time rather than the phase itself.
type PhaseTimeoutError struct {
	Phase   Phase
	Timeout time.Duration
	Master  bool
}

func (e *PhaseTimeoutError) Error() string {
	if e.Master {
		return fmt.Sprintf("startup did not complete within %s, stuck in %s", e.Timeout, e.Phase)
	}

	return fmt.Sprintf("%s phase timed out after %s", e.Phase, e.Timeout)
}
