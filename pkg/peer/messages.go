package peer

import (
	"github.com/pion/webrtc/v3"
)

// Due to the limitation of Go, we're using the `interface{}` to be able to use switch the actual
// type of the message on runtime. The underlying types do not necessary need to be structures.
type MessageContent = interface{}

// A local ICE candidate that is ready to be sent to the remote peer.
type NewICECandidate struct {
	Candidate    webrtc.ICECandidateInit
	ConnectionID string
}

type ICEGatheringComplete struct{}

// The set of local tracks changed after the initial negotiation, `HandleRenegotiation` should
// be called and the resulting offer sent.
type RenegotiationRequired struct{}

type ConnectionStateChanged struct {
	State ConnectionState
}

type RemoteTrackAdded struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// The remote peer asked for a key frame on one of our tracks.
type KeyFrameRequestReceived struct {
	TrackID string
}
