package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotMember      = errors.New("participant is not a member of the room")
	ErrNotSignedIn    = errors.New("not signed in")
	ErrInvalidRequest = errors.New("invalid request")
)

// Envelope types that the engine itself produces or reacts to.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
)

// Envelope is a signaling message as it is stored in the room. It is immutable once sent.
type Envelope struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	RoomID   string `json:"roomId"`
	// Milliseconds since the Unix epoch, monotonic per sender.
	Timestamp    int64           `json:"timestamp"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Broadcast returns true if the envelope is addressed to the whole room.
func (e Envelope) Broadcast() bool {
	return e.Receiver == ""
}

type Membership struct {
	ParticipantID string
	JoinedAt      time.Time
}

type Room struct {
	RoomID        string
	ParticipantID string
	CreatedAt     time.Time
}

// Store is the room backing store: membership and a per-room log of envelopes.
type Store interface {
	CreateRoom(ctx context.Context) (Room, error)
	JoinRoom(ctx context.Context, roomID string) (Membership, error)
	LeaveRoom(ctx context.Context, roomID, participantID string) error
	SendSignal(ctx context.Context, roomID string, envelope Envelope) error
	// Returns the envelopes with `timestamp > since` in no particular order.
	GetSignals(ctx context.Context, roomID string, since int64) ([]Envelope, error)
}

type Identity struct {
	UserID      string
	DisplayName string
}

// IdentityProvider is the authentication side of the backing store.
type IdentityProvider interface {
	SignIn(ctx context.Context) (Identity, error)
	SignOut(ctx context.Context) error
	// Returns nil if not signed in.
	CurrentIdentity() *Identity
	// The listener is called with nil on sign out.
	OnIdentityChange(listener func(*Identity)) (unsubscribe func())
}

// FilterSince drops the envelopes that are not newer than `since`. Stores that can't filter
// on their side use it, the transport applies it again regardless.
func FilterSince(envelopes []Envelope, since int64) []Envelope {
	filtered := make([]Envelope, 0, len(envelopes))
	for _, envelope := range envelopes {
		if envelope.Timestamp > since {
			filtered = append(filtered, envelope)
		}
	}

	return filtered
}
