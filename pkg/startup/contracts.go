package startup

import (
	"context"

	"github.com/matrix-org/meshcall/pkg/chat"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/matrix-org/meshcall/pkg/transport"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// SessionPool is the part of the session pool the sequencer drives.
type SessionPool interface {
	SetLocalStream(stream *media.LocalStream) bool
	ToggleTrackOnAll(kind media.Kind, enabled bool) bool
	CreateOffer(participantID string) (webrtc.SessionDescription, string, error)
	ProcessOffer(
		participantID string,
		offer webrtc.SessionDescription,
		connectionID string,
	) (webrtc.SessionDescription, error)
	ProcessAnswer(participantID string, answer webrtc.SessionDescription, connectionID string) error
	AddICECandidate(participantID string, candidate webrtc.ICECandidateInit, connectionID string) error
	HandleRenegotiation(participantID string) (webrtc.SessionDescription, string, error)
	RemoveSession(participantID string)
	// Returns the id of the negotiation round in progress with the participant.
	ConnectionID(participantID string) (string, bool)
	// Returns the data channels of the participant's session, the session is created if needed.
	ChannelSource(participantID string) (chat.ChannelSource, error)
	Close()
}

// SignalingTransport is the part of the message transport the sequencer drives.
type SignalingTransport interface {
	Join(ctx context.Context, roomID string) (string, error)
	Create(ctx context.Context) (store.Room, error)
	Send(ctx context.Context, message transport.Message) error
	On(envelopeType string, handler transport.Handler) (unsubscribe func())
	Leave(ctx context.Context)
}

// PoolFactory creates the session pool during the connection setup. `onEvent` must be
// passed to the pool as its event callback.
type PoolFactory func(ctx context.Context, onEvent func(pool.Event)) (SessionPool, error)

// NewPoolFactory returns a factory that creates real session pools with the given ICE servers.
func NewPoolFactory(ice webrtc_ext.Config, config pool.Config, logger *logrus.Entry) PoolFactory {
	return func(ctx context.Context, onEvent func(pool.Event)) (SessionPool, error) {
		factory, err := webrtc_ext.NewPeerConnectionFactory(ice)
		if err != nil {
			return nil, err
		}

		return sessionPool{pool.NewPool(ctx, factory, config, onEvent, logger)}, nil
	}
}

type sessionPool struct {
	*pool.Pool
}

func (p sessionPool) ChannelSource(participantID string) (chat.ChannelSource, error) {
	session, err := p.GetOrCreateSession(participantID)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// Hands out a data channel that was created before the offer, so that the offer covers it.
type preparedSource struct {
	chat.ChannelSource
	channel webrtc_ext.DataChannel
}

func (s preparedSource) CreateDataChannel(string) (webrtc_ext.DataChannel, error) {
	return s.channel, nil
}
