package startup

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/matrix-org/meshcall/pkg/chat"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/matrix-org/meshcall/pkg/transport"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// How often a lost session is offered again before the participant is given up on.
const maxReoffers = 3

func (s *Sequencer) handleEnvelope(envelope store.Envelope) {
	logger := s.logger.WithFields(logrus.Fields{
		"type":           envelope.Type,
		"participant_id": envelope.Sender,
	})

	if s.sessions == nil {
		logger.WithError(ErrNoConnectionSetup).Warn("ignoring signaling message")
		return
	}

	// The transport delivers as soon as it polls, which may be before we saw the join result.
	if !s.joined {
		s.early = append(s.early, envelope)
		return
	}

	switch envelope.Type {
	case store.TypeUserJoined:
		s.onUserJoined(envelope.Sender, logger)
	case store.TypeUserLeft:
		s.onUserLeft(envelope.Sender, logger)
	case store.TypeOffer:
		s.onOffer(envelope, logger)
	case store.TypeAnswer:
		s.onAnswer(envelope, logger)
	case store.TypeICECandidate:
		s.onICECandidate(envelope, logger)
	default:
		logger.Errorf("Unexpected envelope type: %s", envelope.Type)
	}
}

func (s *Sequencer) remote(participantID string) *remoteParticipant {
	remote, found := s.remotes[participantID]
	if !found {
		remote = &remoteParticipant{}
		s.remotes[participantID] = remote
	}

	return remote
}

// Older peers don't send connection ids. An offer without one starts a round of its own,
// answers and candidates are matched to the round in progress.
func (s *Sequencer) connectionIDOf(envelope store.Envelope, logger *logrus.Entry) string {
	if envelope.ConnectionID != "" {
		return envelope.ConnectionID
	}

	connectionID, found := "", false
	if envelope.Type != store.TypeOffer {
		connectionID, found = s.sessions.ConnectionID(envelope.Sender)
	}
	if !found || connectionID == "" {
		connectionID = uuid.NewString()
	}

	logger.WithField("connection_id", connectionID).Warn("message without connection id")
	return connectionID
}

// Someone joined after us, we offer them a connection.
func (s *Sequencer) onUserJoined(participantID string, logger *logrus.Entry) {
	remote := s.remote(participantID)
	if remote.offered {
		logger.Debug("already offered, ignoring duplicate announcement")
		return
	}

	// They offered first, e.g. we saw their announcement from before we joined.
	if _, connected := s.sessions.ConnectionID(participantID); connected {
		logger.Debug("session already exists, not offering")
		return
	}

	source, err := s.sessions.ChannelSource(participantID)
	if err != nil {
		logger.WithError(err).Error("failed to create session")
		return
	}

	// The offer covers the chat channel, so that the remote side can bind its chat to us.
	if remote.prepared == nil {
		if channel, err := source.CreateDataChannel(chat.Label); err != nil {
			logger.WithError(err).Warn("failed to create chat channel")
		} else {
			remote.prepared = channel
		}
	}

	offer, connectionID, err := s.sessions.CreateOffer(participantID)
	if err != nil {
		logger.WithError(err).Error("failed to create offer")
		return
	}

	remote.offered = true
	logger.WithField("connection_id", connectionID).Info("offering connection")
	s.sendSignal(transport.Message{
		Type:         store.TypeOffer,
		Payload:      offer,
		Receiver:     participantID,
		ConnectionID: connectionID,
	})

	if s.chat == nil {
		s.bindChat(participantID, true)
	}
}

func (s *Sequencer) onUserLeft(participantID string, logger *logrus.Entry) {
	logger.Info("participant left")
	delete(s.remotes, participantID)
	delete(s.reoffers, participantID)
	s.sessions.RemoveSession(participantID)
}

func (s *Sequencer) onOffer(envelope store.Envelope, logger *logrus.Entry) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(envelope.Data, &offer); err != nil {
		logger.WithError(err).Warn("dropping malformed offer")
		return
	}

	participantID := envelope.Sender
	connectionID := s.connectionIDOf(envelope, logger)

	answer, err := s.sessions.ProcessOffer(participantID, offer, connectionID)
	if errors.Is(err, peer.ErrOfferCollision) {
		// Both sides offered at once. The participant with the greater id keeps its offer,
		// the other one drops its session and answers on a fresh one.
		if s.participantID > participantID {
			logger.Info("offer collision, keeping our offer")
			return
		}

		logger.Info("offer collision, answering theirs")
		s.dropSession(participantID)
		answer, err = s.sessions.ProcessOffer(participantID, offer, connectionID)
	}
	if err != nil {
		logger.WithError(err).Error("failed to process offer")
		return
	}

	s.remote(participantID)
	s.sendSignal(transport.Message{
		Type:         store.TypeAnswer,
		Payload:      answer,
		Receiver:     participantID,
		ConnectionID: connectionID,
	})

	if s.chat == nil {
		s.bindChat(participantID, false)
	}

	s.resumeRenegotiation(participantID, logger)
}

func (s *Sequencer) onAnswer(envelope store.Envelope, logger *logrus.Entry) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(envelope.Data, &answer); err != nil {
		logger.WithError(err).Warn("dropping malformed answer")
		return
	}

	connectionID := s.connectionIDOf(envelope, logger)
	if err := s.sessions.ProcessAnswer(envelope.Sender, answer, connectionID); err != nil {
		logger.WithError(err).Warn("failed to process answer")
		return
	}

	s.resumeRenegotiation(envelope.Sender, logger)
}

func (s *Sequencer) onICECandidate(envelope store.Envelope, logger *logrus.Entry) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(envelope.Data, &candidate); err != nil {
		logger.WithError(err).Warn("dropping malformed ICE candidate")
		return
	}

	connectionID := s.connectionIDOf(envelope, logger)
	if err := s.sessions.AddICECandidate(envelope.Sender, candidate, connectionID); err != nil {
		logger.WithError(err).Warn("failed to add ICE candidate")
	}
}

func (s *Sequencer) handlePoolEvent(event pool.Event) {
	logger := s.logger.WithField("participant_id", event.ParticipantID)

	switch content := event.Content.(type) {
	case peer.NewICECandidate:
		s.sendSignal(transport.Message{
			Type:         store.TypeICECandidate,
			Payload:      content.Candidate,
			Receiver:     event.ParticipantID,
			ConnectionID: content.ConnectionID,
		})
	case peer.RenegotiationRequired:
		s.renegotiate(event.ParticipantID, logger)
	case peer.ConnectionStateChanged:
		logger.WithField("state", content.State).Info("session state changed")
		if content.State == peer.ConnectionStateConnected {
			s.onSessionConnected(event.ParticipantID)
		}
	case peer.RemoteTrackAdded:
		logger.WithField("track_id", content.Track.ID()).Info("remote track added")
	case pool.SessionRemoved:
		s.onSessionRemoved(event.ParticipantID, content.Reason, logger)
	}

	if s.deps.OnEvent != nil {
		s.deps.OnEvent(event)
	}
}

// Forgets everything about the session with the participant and closes it.
func (s *Sequencer) dropSession(participantID string) {
	delete(s.remotes, participantID)
	if s.chat != nil && s.chat.participantID == participantID {
		s.unbindChat()
	}
	s.sessions.RemoveSession(participantID)
}

// A session that went away while the participant is still around is offered again, so that
// a failed negotiation or a lost connection does not leave the pair apart for good.
func (s *Sequencer) onSessionRemoved(participantID, reason string, logger *logrus.Entry) {
	if s.sessions == nil {
		return
	}

	// Removals are reported asynchronously, a newer session may already be in place.
	if _, replaced := s.sessions.ConnectionID(participantID); replaced {
		logger.WithField("reason", reason).Debug("removal of a replaced session")
		return
	}

	_, known := s.remotes[participantID]
	delete(s.remotes, participantID)
	if s.chat != nil && s.chat.participantID == participantID {
		logger.Info("chat session removed")
		s.unbindChat()
	}

	if !known || reason == pool.ReasonRemoved || !s.joined {
		return
	}

	if s.reoffers[participantID] >= maxReoffers {
		logger.WithField("reason", reason).Warn("session lost, giving up on the participant")
		return
	}
	s.reoffers[participantID]++

	logger.WithField("reason", reason).Info("session lost, offering again")
	s.onUserJoined(participantID, logger)
}

// Sends a fresh offer for the participant's current connection id.
func (s *Sequencer) renegotiate(participantID string, logger *logrus.Entry) {
	if s.sessions == nil {
		return
	}

	offer, connectionID, err := s.sessions.HandleRenegotiation(participantID)
	switch {
	case errors.Is(err, peer.ErrNotStable):
		logger.Debug("negotiation in progress, renegotiating once it is done")
		s.remote(participantID).renegotiationPending = true
		return
	case err != nil:
		logger.WithError(err).Error("failed to renegotiate")
		return
	}

	logger.WithField("connection_id", connectionID).Info("renegotiating")
	s.sendSignal(transport.Message{
		Type:         store.TypeOffer,
		Payload:      offer,
		Receiver:     participantID,
		ConnectionID: connectionID,
	})
}

func (s *Sequencer) resumeRenegotiation(participantID string, logger *logrus.Entry) {
	remote, found := s.remotes[participantID]
	if !found || !remote.renegotiationPending {
		return
	}

	remote.renegotiationPending = false
	s.renegotiate(participantID, logger)
}

// Retries the chat binding if it failed before.
func (s *Sequencer) onSessionConnected(participantID string) {
	delete(s.reoffers, participantID)

	if s.chat != nil || !s.joined {
		return
	}

	remote, found := s.remotes[participantID]
	s.bindChat(participantID, found && remote.offered)
}

func (s *Sequencer) sendSignal(message transport.Message) {
	s.signals.send(message)
}
