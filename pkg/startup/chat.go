package startup

import (
	"github.com/matrix-org/meshcall/pkg/chat"
	"github.com/sirupsen/logrus"
)

// The chat of the call is bound to a single session.
type chatBinding struct {
	wrapper       *chat.Wrapper
	participantID string
	opened        bool
}

type chatResult struct {
	wrapper *chat.Wrapper
	opened  bool
}

// Binds the chat to the session with the given participant. The side that sent the initial
// offer creates the channel, the other one waits for it.
func (s *Sequencer) bindChat(participantID string, asInitiator bool) {
	logger := s.logger.WithFields(logrus.Fields{
		"participant_id": participantID,
		"initiator":      asInitiator,
	})

	source, err := s.sessions.ChannelSource(participantID)
	if err != nil {
		logger.WithError(err).Warn("can't bind chat")
		return
	}

	if remote := s.remotes[participantID]; asInitiator && remote != nil && remote.prepared != nil {
		source = preparedSource{ChannelSource: source, channel: remote.prepared}
		remote.prepared = nil
	}

	wrapper := chat.NewWrapper(source, s.participantID, s.config.Timeouts.ChannelOpen, logger)
	s.chat = &chatBinding{wrapper: wrapper, participantID: participantID}
	s.publish()

	logger.Info("binding chat")

	ctx := s.ctx
	go func() {
		opened := wrapper.Initialize(ctx, asInitiator)
		s.inbox.post(chatResult{wrapper: wrapper, opened: opened})
	}()
}

func (s *Sequencer) handleChatResult(result chatResult) {
	if s.chat == nil || s.chat.wrapper != result.wrapper {
		return
	}

	if result.opened {
		s.chat.opened = true
		s.telemetry.AddEvent("chat ready")
		if s.phase == PhaseChat {
			s.enter(PhaseComplete)
		}
		return
	}

	err := &ChannelTimeoutError{ParticipantID: s.chat.participantID, Timeout: s.config.Timeouts.ChannelOpen}
	s.logger.WithError(err).Warn("chat unavailable, will retry once a session connects")
	s.unbindChat()

	if s.phase == PhaseChat {
		s.phaseSpan.AddError(err)
		s.enter(PhaseComplete)
	}
}

func (s *Sequencer) unbindChat() {
	if s.chat == nil {
		return
	}

	s.chat.wrapper.Close()
	s.chat = nil
	s.publish()
}
