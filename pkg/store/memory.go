package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process backing store. Several transports sharing one MemoryStore
// behave like participants of the same rooms.
type MemoryStore struct {
	mutex sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	members   map[string]time.Time
	envelopes []Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

func (s *MemoryStore) CreateRoom(ctx context.Context) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	room := Room{RoomID: uuid.NewString(), ParticipantID: uuid.NewString(), CreatedAt: now}
	s.rooms[room.RoomID] = &memoryRoom{members: map[string]time.Time{room.ParticipantID: now}}

	return room, nil
}

func (s *MemoryStore) JoinRoom(ctx context.Context, roomID string) (Membership, error) {
	if err := ctx.Err(); err != nil {
		return Membership{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return Membership{}, ErrRoomNotFound
	}

	membership := Membership{ParticipantID: uuid.NewString(), JoinedAt: time.Now()}
	room.members[membership.ParticipantID] = membership.JoinedAt

	return membership, nil
}

func (s *MemoryStore) LeaveRoom(ctx context.Context, roomID, participantID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	delete(room.members, participantID)
	return nil
}

func (s *MemoryStore) SendSignal(ctx context.Context, roomID string, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	if _, member := room.members[envelope.Sender]; !member {
		return ErrNotMember
	}

	room.envelopes = append(room.envelopes, envelope)
	return nil
}

func (s *MemoryStore) GetSignals(ctx context.Context, roomID string, since int64) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	return FilterSince(room.envelopes, since), nil
}

// Members returns the current members of a room, used by tests and the room server.
func (s *MemoryStore) Members(roomID string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}

	members := make([]string, 0, len(room.members))
	for member := range room.members {
		members = append(members, member)
	}

	return members
}
