package startup

import (
	"context"
	"time"

	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/store"
)

type closeRequest struct{}

// The result of the asynchronous step of a phase attempt.
type phaseResult struct {
	phase   Phase
	attempt uint64
	value   any
	err     error
}

type phaseTimeout struct {
	phase   Phase
	attempt uint64
}

type masterTimeout struct{}

type userDecision struct {
	phase Phase
	skip  bool
	reply chan<- error
}

type call struct {
	fn   func()
	done chan<- struct{}
}

type inboundEnvelope struct {
	envelope store.Envelope
}

type poolEvent struct {
	event pool.Event
}

type identityChanged struct {
	identity *store.Identity
}

// The main loop of the sequencer. If this function returns, the call is over.
func (s *Sequencer) run() {
	defer close(s.stopped)

	s.subscribe()
	s.masterTimer = time.AfterFunc(s.config.Timeouts.Master, func() {
		s.inbox.post(masterTimeout{})
	})
	s.enter(PhaseAuth)

	for {
		select {
		case <-s.inbox.ready():
			for _, cmd := range s.inbox.take() {
				if _, closing := cmd.(closeRequest); closing {
					s.teardown(ErrSequencerClosed)
					return
				}

				s.handle(cmd)
			}
		case <-s.ctx.Done():
			s.teardown(s.ctx.Err())
			return
		}
	}
}

func (s *Sequencer) subscribe() {
	for _, envelopeType := range []string{
		store.TypeOffer,
		store.TypeAnswer,
		store.TypeICECandidate,
		store.TypeUserJoined,
		store.TypeUserLeft,
	} {
		unsubscribe := s.deps.Transport.On(envelopeType, func(envelope store.Envelope) {
			s.inbox.post(inboundEnvelope{envelope: envelope})
		})
		s.unsubscribers = append(s.unsubscribers, unsubscribe)
	}

	unsubscribe := s.deps.Identity.OnIdentityChange(func(identity *store.Identity) {
		s.inbox.post(identityChanged{identity: identity})
	})
	s.unsubscribers = append(s.unsubscribers, unsubscribe)
}

func (s *Sequencer) handle(cmd command) {
	// Since Go does not support ADTs, we have to use a switch statement to
	// determine the actual type of the command.
	switch cmd := cmd.(type) {
	case phaseResult:
		s.handlePhaseResult(cmd)
	case phaseTimeout:
		s.handlePhaseTimeout(cmd)
	case masterTimeout:
		s.handleMasterTimeout()
	case userDecision:
		cmd.reply <- s.handleDecision(cmd)
	case call:
		cmd.fn()
		close(cmd.done)
	case inboundEnvelope:
		s.handleEnvelope(cmd.envelope)
	case poolEvent:
		s.handlePoolEvent(cmd.event)
	case chatResult:
		s.handleChatResult(cmd)
	case identityChanged:
		s.handleIdentityChanged(cmd.identity)
	default:
		s.logger.Errorf("Unknown command type: %T", cmd)
	}
}

func (s *Sequencer) onPoolEvent(event pool.Event) {
	s.inbox.post(poolEvent{event: event})
}

func (s *Sequencer) handleIdentityChanged(identity *store.Identity) {
	if identity != nil || s.identity == nil {
		return
	}

	s.logger.WithField("user_id", s.identity.UserID).Warn("signed out, leaving the call")
	s.identity = nil
	s.hangUp()
	s.halt(ErrSignedOut)
}

// Releases the call resources: the chat, the room membership and the sessions.
func (s *Sequencer) hangUp() {
	if s.chat != nil {
		s.chat.wrapper.Close()
		s.chat = nil
	}

	// Flush what's queued before announcing that we're gone.
	s.signals.stop()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	s.deps.Transport.Leave(ctx)
	cancel()
	s.joined = false

	if s.sessions != nil {
		s.sessions.Close()
		s.sessions = nil
	}

	s.remotes = make(map[string]*remoteParticipant)
	s.reoffers = make(map[string]int)
	s.early = nil
}

func (s *Sequencer) teardown(reason error) {
	for _, unsubscribe := range s.unsubscribers {
		unsubscribe()
	}
	s.unsubscribers = nil

	s.hangUp()

	if !s.phase.Terminal() {
		s.halt(reason)
	} else {
		s.publish()
	}

	s.cancel()
	s.telemetry.End()
	s.logger.Info("sequencer stopped")
}
