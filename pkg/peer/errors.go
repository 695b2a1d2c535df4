package peer

import (
	"errors"
	"fmt"
)

var (
	ErrCantCreatePeerConnection   = errors.New("can't create peer connection")
	ErrCantSetRemoteDescription   = errors.New("can't set remote description")
	ErrCantCreateOffer            = errors.New("can't create offer")
	ErrCantCreateAnswer           = errors.New("can't create answer")
	ErrCantSetLocalDescription    = errors.New("can't set local description")
	ErrCantCreateLocalDescription = errors.New("can't create local description")
	ErrCantAddICECandidate        = errors.New("can't add ICE candidate")
	ErrCantAddTrack               = errors.New("can't add track")
	ErrCantRemoveTrack            = errors.New("can't remove track")
	ErrCantReplaceTrack           = errors.New("can't replace track")
	ErrCantCreateDataChannel      = errors.New("can't create data channel")
	ErrTrackNotFound              = errors.New("track not found")
	ErrTrackAlreadyAdded          = errors.New("track already added")
	ErrNotStable                  = errors.New("another negotiation is in progress")
	ErrOfferCollision             = errors.New("remote offer collides with our pending offer")
	ErrPeerClosed                 = errors.New("peer is closed")
)

// NegotiationError is returned when a description or a candidate could not be applied.
// The session that returned it should be evicted, the remote side will offer again.
type NegotiationError struct {
	Op           string
	ConnectionID string
	Err          error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed (%s, connection %s): %v", e.Op, e.ConnectionID, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
