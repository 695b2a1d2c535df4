package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
)

// Leaves the current phase and enters the given one.
func (s *Sequencer) enter(phase Phase) {
	s.leavePhase()

	s.phase = phase
	s.awaiting = nil
	s.logger.WithField("phase", phase).Info("entering phase")

	switch phase {
	case PhaseComplete:
		s.finish()
		s.logger.WithFields(logrus.Fields{
			"room_id":        s.roomID,
			"participant_id": s.participantID,
		}).Info("call is ready")
	case PhaseChat:
		s.phaseSpan = s.telemetry.CreateChild(phase.String())
		s.startAttempt()
		if s.chat != nil && s.chat.opened {
			s.enter(PhaseComplete)
			return
		}
	default:
		s.phaseSpan = s.telemetry.CreateChild(phase.String())
		s.startAttempt()
	}

	s.publish()
}

// Starts a new attempt of the current phase: arms the phase timeout and runs its step.
// Whatever the previous attempts report afterwards is ignored.
func (s *Sequencer) startAttempt() {
	s.stopAttempt()
	s.attempt++

	ctx, cancel := context.WithCancel(s.ctx)
	s.attemptCancel = cancel

	phase, attempt := s.phase, s.attempt
	if timeout := s.config.Timeouts.Of(phase); timeout > 0 {
		s.phaseTimer = time.AfterFunc(timeout, func() {
			s.inbox.post(phaseTimeout{phase: phase, attempt: attempt})
		})
	}

	switch phase {
	case PhaseAuth:
		s.runStep(ctx, func(ctx context.Context) (any, error) {
			return s.deps.Identity.SignIn(ctx)
		})
	case PhaseMedia:
		if !s.config.Constraints.Audio && !s.config.Constraints.Video && !s.config.Constraints.Screen {
			s.logger.Info("no media requested")
			s.inbox.post(phaseResult{phase: phase, attempt: attempt, value: (*media.LocalStream)(nil)})
			return
		}

		constraints := s.config.Constraints
		s.runStep(ctx, func(ctx context.Context) (any, error) {
			return s.deps.Media.Acquire(ctx, constraints)
		})
	case PhaseConnecting:
		// The pool outlives the attempt.
		poolCtx := s.ctx
		s.runStep(ctx, func(context.Context) (any, error) {
			return s.deps.NewPool(poolCtx, s.onPoolEvent)
		})
	case PhaseSignaling:
		roomID := s.config.RoomID
		s.runStep(ctx, func(ctx context.Context) (any, error) {
			if roomID == "" {
				return s.deps.Transport.Create(ctx)
			}

			participantID, err := s.deps.Transport.Join(ctx, roomID)
			return store.Room{RoomID: roomID, ParticipantID: participantID}, err
		})
	case PhaseChat:
		// Chat is bound by the signaling handlers as soon as there's a session to bind it to.
	}
}

func (s *Sequencer) runStep(ctx context.Context, step func(context.Context) (any, error)) {
	phase, attempt := s.phase, s.attempt

	go func() {
		value, err := step(ctx)
		s.inbox.post(phaseResult{phase: phase, attempt: attempt, value: value, err: err})
	}()
}

func (s *Sequencer) stopAttempt() {
	if s.phaseTimer != nil {
		s.phaseTimer.Stop()
		s.phaseTimer = nil
	}

	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
}

func (s *Sequencer) leavePhase() {
	s.stopAttempt()

	if s.phaseSpan != nil {
		if s.awaiting != nil {
			s.phaseSpan.AddError(s.awaiting)
		}
		s.phaseSpan.End()
		s.phaseSpan = nil
	}
}

func (s *Sequencer) handlePhaseResult(result phaseResult) {
	if result.phase != s.phase || result.attempt != s.attempt || s.awaiting != nil {
		s.discard(result)
		return
	}

	logger := s.logger.WithField("phase", result.phase)

	switch result.phase {
	case PhaseAuth:
		if result.err != nil {
			s.await(&AcquisitionError{Phase: PhaseAuth, Err: result.err})
			return
		}

		identity, _ := result.value.(store.Identity)
		s.identity = &identity
		logger.WithField("user_id", identity.UserID).Info("signed in")
		s.enter(PhaseMedia)
	case PhaseMedia:
		if result.err != nil {
			s.await(&AcquisitionError{Phase: PhaseMedia, Err: result.err})
			return
		}

		stream, _ := result.value.(*media.LocalStream)
		if stream == nil {
			s.mediaSkipped = true
		} else {
			logger.WithField("tracks", len(stream.Tracks)).Info("local media acquired")
		}
		s.stream = stream
		s.enter(PhaseConnecting)
	case PhaseConnecting:
		if result.err != nil {
			s.await(fmt.Errorf("failed to set up the session pool: %w", result.err))
			return
		}

		s.sessions, _ = result.value.(SessionPool)
		if s.stream != nil {
			s.sessions.SetLocalStream(s.stream)
		}
		s.enter(PhaseSignaling)
	case PhaseSignaling:
		if result.err != nil {
			s.halt(result.err)
			return
		}

		room, _ := result.value.(store.Room)
		s.joined = true
		s.roomID = room.RoomID
		s.participantID = room.ParticipantID
		s.telemetry.AddEvent("joined the room")
		logger.WithFields(logrus.Fields{
			"room_id":        room.RoomID,
			"participant_id": room.ParticipantID,
		}).Info("joined the room")

		if s.mediaSkipped {
			s.enter(PhaseComplete)
		} else {
			s.enter(PhaseChat)
		}

		early := s.early
		s.early = nil
		for _, envelope := range early {
			s.handleEnvelope(envelope)
		}
	}
}

// Releases what a stale attempt acquired.
func (s *Sequencer) discard(result phaseResult) {
	s.logger.WithFields(logrus.Fields{
		"phase":   result.phase,
		"attempt": result.attempt,
	}).Debug("ignoring the result of a stale attempt")

	if result.err != nil {
		return
	}

	switch value := result.value.(type) {
	case *media.LocalStream:
		if value != nil {
			s.deps.Media.Release(value)
		}
	case SessionPool:
		value.Close()
	case store.Room:
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		s.deps.Transport.Leave(ctx)
	}
}

func (s *Sequencer) handlePhaseTimeout(timeout phaseTimeout) {
	// A timeout that fires after the phase was left is a no-op.
	if timeout.phase != s.phase || timeout.attempt != s.attempt || s.awaiting != nil {
		s.logger.WithField("phase", timeout.phase).Debug("ignoring stale phase timeout")
		return
	}

	err := &PhaseTimeoutError{Phase: s.phase, Timeout: s.config.Timeouts.Of(s.phase)}
	logger := s.logger.WithError(err).WithField("phase", s.phase)

	switch s.phase {
	case PhaseAuth:
		logger.Warn("continuing without identity")
		s.phaseSpan.AddError(err)
		s.enter(PhaseMedia)
	case PhaseMedia, PhaseConnecting:
		s.await(err)
	case PhaseSignaling:
		s.halt(err)
	case PhaseChat:
		logger.Warn("continuing without chat")
		s.phaseSpan.AddError(err)
		s.enter(PhaseComplete)
	}
}

func (s *Sequencer) handleMasterTimeout() {
	if s.phase.Terminal() {
		return
	}

	s.halt(&PhaseTimeoutError{Phase: s.phase, Timeout: s.config.Timeouts.Master, Master: true})
}

// Stops the current attempt and waits for the user to skip or retry the phase.
func (s *Sequencer) await(err error) {
	s.stopAttempt()
	s.awaiting = err
	s.logger.WithError(err).WithField("phase", s.phase).Warn("waiting for skip or retry")
	s.publish()
}

func (s *Sequencer) handleDecision(decision userDecision) error {
	if decision.phase != s.phase {
		return ErrWrongPhase
	}

	logger := s.logger.WithField("phase", s.phase)

	if !decision.skip {
		if s.awaiting == nil {
			return ErrNothingToRetry
		}

		logger.Info("retrying phase")
		s.awaiting = nil
		s.startAttempt()
		s.publish()
		return nil
	}

	if !s.phase.Skippable() {
		return ErrNotSkippable
	}

	logger.Info("skipping phase")

	switch s.phase {
	case PhaseAuth:
		s.enter(PhaseMedia)
	case PhaseMedia:
		s.mediaSkipped = true
		s.stream = nil
		s.enter(PhaseConnecting)
	case PhaseConnecting:
		s.enter(PhaseSignaling)
	case PhaseChat:
		s.enter(PhaseComplete)
	}

	return nil
}

// Halts the sequence with a fatal error.
func (s *Sequencer) halt(err error) {
	s.leavePhase()
	s.phase = PhaseFailed
	s.awaiting = nil
	s.err = err
	s.telemetry.Fail(err)
	s.logger.WithError(err).Error("startup sequence halted")
	s.finish()
	s.publish()
}

func (s *Sequencer) finish() {
	if s.masterTimer != nil {
		s.masterTimer.Stop()
	}

	if !s.finishedClosed {
		s.finishedClosed = true
		close(s.finished)
	}
}
