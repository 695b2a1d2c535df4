package peer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// A local track attached to the peer connection.
type localTrack struct {
	track    webrtc.TrackLocal
	sender   *webrtc.RTPSender
	kind     media.Kind
	streamID string
	enabled  bool
}

// A wrapped representation of the peer connection to a single remote participant.
// The peer gets information about the things happening outside via public methods
// and informs the outside world about the things happening inside the peer by posting
// the messages to the sink.
type Peer[ID comparable] struct {
	logger         *logrus.Entry
	peerConnection *webrtc.PeerConnection
	sink           *channel.SinkWithSender[ID, MessageContent]
	telemetry      *telemetry.Telemetry

	// Serializes the emission of local ICE candidates, so that flushed candidates are never
	// overtaken by the ones gathered later.
	emitMutex sync.Mutex

	mutex             sync.Mutex
	connectionID      string
	state             ConnectionState
	negotiated        bool
	renegotiating     bool
	pendingCandidates []webrtc.ICECandidateInit
	remoteCandidates  []webrtc.ICECandidateInit
	localTracks       map[string]*localTrack
	round             *telemetry.Telemetry

	dataChannels dataChannels
}

// Creates a new peer with a fresh peer connection. The peer does not negotiate anything until
// `CreateOffer` or `ProcessOffer` is called.
func NewPeer[ID comparable](
	ctx context.Context,
	factory *webrtc_ext.PeerConnectionFactory,
	sink *channel.SinkWithSender[ID, MessageContent],
	logger *logrus.Entry,
) (*Peer[ID], error) {
	peerConnection, err := factory.CreatePeerConnection()
	if err != nil {
		logger.WithError(err).Error("failed to create peer connection")
		return nil, ErrCantCreatePeerConnection
	}

	peer := &Peer[ID]{
		logger:         logger,
		peerConnection: peerConnection,
		sink:           sink,
		telemetry:      telemetry.NewTelemetry(ctx, "peer"),
		state:          ConnectionStateNew,
		localTracks:    make(map[string]*localTrack),
	}
	peer.dataChannels.init()

	peerConnection.OnTrack(peer.onRtpTrackReceived)
	peerConnection.OnDataChannel(peer.onDataChannelReceived)
	peerConnection.OnICECandidate(peer.onICECandidateGathered)
	peerConnection.OnNegotiationNeeded(peer.onNegotiationNeeded)
	peerConnection.OnICEConnectionStateChange(peer.onICEConnectionStateChanged)
	peerConnection.OnICEGatheringStateChange(peer.onICEGatheringStateChanged)
	peerConnection.OnConnectionStateChange(peer.onConnectionStateChanged)
	peerConnection.OnSignalingStateChange(peer.onSignalingStateChanged)

	return peer, nil
}

// Closes peer connection. From this moment on, no new messages will be sent from the peer.
func (p *Peer[ID]) Terminate() {
	p.mutex.Lock()
	if p.state == ConnectionStateClosed {
		p.mutex.Unlock()
		return
	}
	p.state = ConnectionStateClosed
	round := p.round
	p.round = nil
	p.mutex.Unlock()

	// We want to seal the channel since the sender is not interested in us anymore.
	p.sink.Seal()

	if err := p.peerConnection.Close(); err != nil {
		p.logger.WithError(err).Error("failed to close peer connection")
	}

	if round != nil {
		round.End()
	}
	p.telemetry.End()
}

// ConnectionID returns the correlation id of the current negotiation round.
func (p *Peer[ID]) ConnectionID() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.connectionID
}

func (p *Peer[ID]) ConnectionState() ConnectionState {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// IsRenegotiating returns true between `HandleRenegotiation` and the matching answer.
func (p *Peer[ID]) IsRenegotiating() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.renegotiating
}

// Mints a fresh connection id, generates and applies a local offer. Fails with `ErrNotStable`
// and leaves the session as it was if a negotiation is already in flight.
func (p *Peer[ID]) CreateOffer() (webrtc.SessionDescription, string, error) {
	p.mutex.Lock()
	if p.state == ConnectionStateClosed {
		p.mutex.Unlock()
		return webrtc.SessionDescription{}, "", ErrPeerClosed
	}
	p.mutex.Unlock()

	if p.peerConnection.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, "", ErrNotStable
	}

	connectionID := uuid.NewString()

	// Candidates are gathered as soon as the offer is applied and must carry the new id.
	p.mutex.Lock()
	previous := p.connectionID
	p.connectionID = connectionID
	p.startRound("offer", connectionID)
	p.mutex.Unlock()

	offer, err := p.createAndSetOffer(connectionID)
	if err != nil {
		p.mutex.Lock()
		if p.connectionID == connectionID {
			p.connectionID = previous
		}
		p.mutex.Unlock()
		return webrtc.SessionDescription{}, "", err
	}

	return offer, connectionID, nil
}

// Sets the renegotiation flag and generates a fresh offer for the current connection id.
// Until the answer is processed all locally gathered candidates are buffered.
func (p *Peer[ID]) HandleRenegotiation() (webrtc.SessionDescription, string, error) {
	if p.peerConnection.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, "", ErrNotStable
	}

	p.mutex.Lock()
	if p.state == ConnectionStateClosed {
		p.mutex.Unlock()
		return webrtc.SessionDescription{}, "", ErrPeerClosed
	}

	if p.connectionID == "" {
		p.connectionID = uuid.NewString()
	}
	connectionID := p.connectionID
	p.renegotiating = true
	p.pendingCandidates = nil
	p.startRound("renegotiation", connectionID)
	p.mutex.Unlock()

	offer, err := p.createAndSetOffer(connectionID)
	if err != nil {
		p.mutex.Lock()
		p.renegotiating = false
		p.mutex.Unlock()
		return webrtc.SessionDescription{}, "", err
	}

	p.logger.WithField("connection_id", connectionID).Info("renegotiating")
	return offer, connectionID, nil
}

func (p *Peer[ID]) createAndSetOffer(connectionID string) (webrtc.SessionDescription, error) {
	offer, err := p.peerConnection.CreateOffer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create offer")
		return webrtc.SessionDescription{}, p.negotiationFailed("create offer", connectionID, ErrCantCreateOffer)
	}

	if err := p.peerConnection.SetLocalDescription(offer); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return webrtc.SessionDescription{}, p.negotiationFailed("set local offer", connectionID, ErrCantSetLocalDescription)
	}

	p.roundEvent("local offer applied")
	return offer, nil
}

// Adopts the given connection id, applies the remote offer and generates the answer. An offer
// that arrives while our own is pending fails with `ErrOfferCollision` and changes nothing.
func (p *Peer[ID]) ProcessOffer(offer webrtc.SessionDescription, connectionID string) (webrtc.SessionDescription, error) {
	p.mutex.Lock()
	if p.state == ConnectionStateClosed {
		p.mutex.Unlock()
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	p.mutex.Unlock()

	if p.peerConnection.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, ErrOfferCollision
	}

	p.mutex.Lock()
	p.connectionID = connectionID
	p.startRound("answer", connectionID)
	p.mutex.Unlock()

	if err := p.peerConnection.SetRemoteDescription(offer); err != nil {
		p.logger.WithError(err).Error("failed to set remote description")
		return webrtc.SessionDescription{}, p.negotiationFailed("set remote offer", connectionID, ErrCantSetRemoteDescription)
	}

	p.applyRemoteCandidates()

	answer, err := p.peerConnection.CreateAnswer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create answer")
		return webrtc.SessionDescription{}, p.negotiationFailed("create answer", connectionID, ErrCantCreateAnswer)
	}

	if err := p.peerConnection.SetLocalDescription(answer); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return webrtc.SessionDescription{}, p.negotiationFailed("set local answer", connectionID, ErrCantSetLocalDescription)
	}

	sdpAnswer := p.peerConnection.LocalDescription()
	if sdpAnswer == nil {
		p.logger.Error("could not generate a local description")
		return webrtc.SessionDescription{}, p.negotiationFailed("local answer", connectionID, ErrCantCreateLocalDescription)
	}

	p.mutex.Lock()
	p.negotiated = true
	round := p.round
	p.round = nil
	p.mutex.Unlock()

	if round != nil {
		round.AddEvent("local answer applied")
		round.End()
	}

	p.checkUnnegotiatedTracks()

	return *sdpAnswer, nil
}

// Applies the remote answer. If we were renegotiating, the candidates buffered in the meantime
// are emitted in the order they were gathered.
func (p *Peer[ID]) ProcessAnswer(answer webrtc.SessionDescription, connectionID string) error {
	p.mutex.Lock()
	current := p.connectionID
	p.mutex.Unlock()

	if connectionID != current {
		p.logger.WithFields(logrus.Fields{
			"connection_id": current,
			"received_id":   connectionID,
		}).Warn("answer for a different connection id, applying anyway")
	}

	if err := p.peerConnection.SetRemoteDescription(answer); err != nil {
		p.logger.WithError(err).Error("failed to set remote description")
		return p.negotiationFailed("set remote answer", current, ErrCantSetRemoteDescription)
	}

	p.applyRemoteCandidates()

	p.emitMutex.Lock()
	p.mutex.Lock()
	wasRenegotiating := p.renegotiating
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.renegotiating = false
	p.negotiated = true
	round := p.round
	p.round = nil
	p.mutex.Unlock()

	if wasRenegotiating {
		p.logger.WithField("candidates", len(pending)).Debug("renegotiation complete, flushing candidates")
		for _, candidate := range pending {
			if err := p.sink.Send(NewICECandidate{Candidate: candidate, ConnectionID: current}); err != nil {
				break
			}
		}
	}
	p.emitMutex.Unlock()

	if round != nil {
		round.AddEvent("remote answer applied", attribute.Int("flushed_candidates", len(pending)))
		round.End()
	}

	return nil
}

// Applies a remote candidate. A mismatching connection id is tolerated since older peers don't
// send it. Candidates that arrive before the remote description are applied once it is set.
func (p *Peer[ID]) AddICECandidate(candidate webrtc.ICECandidateInit, connectionID string) error {
	hasRemoteDescription := p.peerConnection.RemoteDescription() != nil

	p.mutex.Lock()
	current := p.connectionID
	if !hasRemoteDescription {
		p.remoteCandidates = append(p.remoteCandidates, candidate)
		p.mutex.Unlock()
		p.logger.Debug("buffering remote candidate until the remote description is set")
		return nil
	}
	p.mutex.Unlock()

	if connectionID != current {
		p.logger.WithFields(logrus.Fields{
			"connection_id": current,
			"received_id":   connectionID,
		}).Warn("candidate for a different connection id, applying anyway")
	}

	if err := p.peerConnection.AddICECandidate(candidate); err != nil {
		p.logger.WithError(err).Error("failed to add ICE candidate")
		return p.negotiationFailed("add candidate", current, ErrCantAddICECandidate)
	}

	return nil
}

func (p *Peer[ID]) applyRemoteCandidates() {
	p.mutex.Lock()
	candidates := p.remoteCandidates
	p.remoteCandidates = nil
	p.mutex.Unlock()

	for _, candidate := range candidates {
		if err := p.peerConnection.AddICECandidate(candidate); err != nil {
			p.logger.WithError(err).Warn("failed to add buffered ICE candidate")
		}
	}
}

// Must be called with the mutex held.
func (p *Peer[ID]) startRound(kind, connectionID string) {
	if p.round != nil {
		p.round.End()
	}

	p.round = p.telemetry.CreateChild("negotiation",
		attribute.String("kind", kind),
		attribute.String("connection_id", connectionID),
	)
}

func (p *Peer[ID]) roundEvent(text string) {
	p.mutex.Lock()
	round := p.round
	p.mutex.Unlock()

	if round != nil {
		round.AddEvent(text)
	}
}

func (p *Peer[ID]) negotiationFailed(op, connectionID string, err error) error {
	negotiationErr := &NegotiationError{Op: op, ConnectionID: connectionID, Err: err}

	p.mutex.Lock()
	round := p.round
	p.round = nil
	p.mutex.Unlock()

	if round != nil {
		round.Finish(negotiationErr)
	}

	return negotiationErr
}

// The answer may not cover all our tracks (e.g. the offer had no m-line of that kind). The
// connection won't tell us since it was stable before we were done, so we check ourselves.
func (p *Peer[ID]) checkUnnegotiatedTracks() {
	p.mutex.Lock()
	senders := make(map[*webrtc.RTPSender]struct{}, len(p.localTracks))
	for _, track := range p.localTracks {
		senders[track.sender] = struct{}{}
	}
	p.mutex.Unlock()

	for _, transceiver := range p.peerConnection.GetTransceivers() {
		sender := transceiver.Sender()
		if sender == nil {
			continue
		}

		if _, ours := senders[sender]; ours && transceiver.Mid() == "" {
			p.logger.Debug("local track not covered by the answer")
			_ = p.sink.Send(RenegotiationRequired{})
			return
		}
	}
}
