package peer

import "github.com/pion/webrtc/v3"

// ConnectionState of a peer session.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Terminal states are absorbing, a session in them is never revived.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed
}

func connectionStateFromWebRTC(state webrtc.PeerConnectionState) (ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed, true
	default:
		return "", false
	}
}

// Returns true if the session may move from `from` to `to`.
func validTransition(from, to ConnectionState) bool {
	if from == to || from.Terminal() {
		return false
	}

	// Only a transient network loss may bring us back to connected.
	if to == ConnectionStateNew {
		return false
	}

	if to == ConnectionStateConnecting {
		return from == ConnectionStateNew
	}

	return true
}
