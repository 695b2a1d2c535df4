package pool

import (
	"time"

	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/sirupsen/logrus"
)

// Drains the messages of all sessions until the pool is closed.
func (p *Pool) processMessages() {
	defer close(p.stopped)

	for {
		select {
		case <-p.done:
			return
		case message := <-p.messages:
			p.handlePeerMessage(message)
		}
	}
}

func (p *Pool) handlePeerMessage(message channel.Message[SessionKey, peer.MessageContent]) {
	key := message.Sender
	logger := p.logger.WithField("participant_id", key.ParticipantID)

	p.mutex.Lock()
	s, found := p.sessions[key.ParticipantID]
	if !found || s.generation != key.Generation {
		p.mutex.Unlock()
		logger.Debug("ignoring message from a stale session")
		return
	}

	if content, ok := message.Content.(peer.ConnectionStateChanged); ok {
		s.state = content.State
		p.updateGraceTimer(key, s)
	}
	p.mutex.Unlock()

	switch content := message.Content.(type) {
	case peer.ConnectionStateChanged:
		if content.State.Terminal() {
			p.evict(key, string(content.State))
		}
	case peer.KeyFrameRequestReceived:
		logger.WithField("track_id", content.TrackID).Debug("key frame requested")
	case peer.ICEGatheringComplete:
		logger.Debug("ICE gathering complete")
		return
	}

	p.onEvent(Event{ParticipantID: key.ParticipantID, Content: message.Content})
}

// Starts the grace timer on disconnect and stops it once we're connected again.
// Must be called with the mutex held.
func (p *Pool) updateGraceTimer(key SessionKey, s *session) {
	switch s.state {
	case peer.ConnectionStateDisconnected:
		if s.graceTimer == nil {
			s.graceTimer = time.AfterFunc(p.config.DisconnectGrace, func() {
				p.onGraceExpired(key)
			})
		}
	default:
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
	}
}

func (p *Pool) onGraceExpired(key SessionKey) {
	p.mutex.Lock()
	s, found := p.sessions[key.ParticipantID]
	if !found || s.generation != key.Generation || s.state == peer.ConnectionStateConnected {
		p.mutex.Unlock()
		return
	}
	s.graceTimer = nil
	p.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"participant_id": key.ParticipantID,
		"grace":          p.config.DisconnectGrace,
	}).Warn("session did not recover in time")

	p.evict(key, ReasonDisconnected)
}
