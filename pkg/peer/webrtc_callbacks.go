package peer

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// A callback that is called once we receive first RTP packets from a track, i.e.
// we call this function each time a new track is received.
func (p *Peer[ID]) onRtpTrackReceived(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.logger.WithFields(logrus.Fields{
		"track_id":  remoteTrack.ID(),
		"kind":      remoteTrack.Kind(),
		"stream_id": remoteTrack.StreamID(),
	}).Info("remote track received")

	p.sink.Send(RemoteTrackAdded{Track: remoteTrack, Receiver: receiver})
}

// A callback that is called once we receive an ICE candidate for this peer connection.
// While a renegotiation is in flight the candidate is buffered instead of being emitted.
func (p *Peer[ID]) onICECandidateGathered(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		p.logger.Debug("ICE candidate gathering finished")
		p.sink.Send(ICEGatheringComplete{})
		return
	}

	p.emitMutex.Lock()
	defer p.emitMutex.Unlock()

	p.mutex.Lock()
	if p.renegotiating {
		p.pendingCandidates = append(p.pendingCandidates, candidate.ToJSON())
		p.mutex.Unlock()
		p.logger.WithField("candidate", candidate).Debug("ICE candidate buffered during renegotiation")
		return
	}
	connectionID := p.connectionID
	p.mutex.Unlock()

	p.logger.WithField("candidate", candidate).Debug("ICE candidate gathered")
	p.sink.Send(NewICECandidate{Candidate: candidate.ToJSON(), ConnectionID: connectionID})
}

// A callback that is called once the set of local tracks changed and a new offer is needed.
// The initial exchange covers whatever was attached before, so we only care afterwards.
func (p *Peer[ID]) onNegotiationNeeded() {
	p.mutex.Lock()
	negotiated, closed := p.negotiated, p.state == ConnectionStateClosed
	p.mutex.Unlock()

	if !negotiated || closed {
		p.logger.Debug("negotiation needed before the initial exchange, ignoring")
		return
	}

	p.logger.Debug("negotiation needed")
	p.sink.Send(RenegotiationRequired{})
}

func (p *Peer[ID]) onICEConnectionStateChanged(state webrtc.ICEConnectionState) {
	p.logger.WithField("state", state).Debug("ICE connection state changed")
}

func (p *Peer[ID]) onICEGatheringStateChanged(state webrtc.ICEGathererState) {
	p.logger.WithField("state", state).Debug("ICE gathering state changed")
}

func (p *Peer[ID]) onSignalingStateChanged(state webrtc.SignalingState) {
	p.logger.WithField("state", state).Debug("signaling state changed")
}

func (p *Peer[ID]) onConnectionStateChanged(webrtcState webrtc.PeerConnectionState) {
	state, ok := connectionStateFromWebRTC(webrtcState)
	if !ok {
		return
	}

	p.mutex.Lock()
	previous := p.state
	if !validTransition(previous, state) {
		p.mutex.Unlock()
		return
	}
	p.state = state
	p.mutex.Unlock()

	p.logger.WithField("state", state).Info("connection state changed")
	p.telemetry.AddEvent("connection state changed", attribute.String("state", string(state)))

	p.sink.Send(ConnectionStateChanged{State: state})
}
