package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// How long an idle room is kept around, in seconds.
	RoomTTL int `yaml:"roomTtl"`
}

// RedisStore keeps rooms in Redis. Every room is three keys: the room record, the set of
// members and a sorted set of envelopes scored by their timestamp.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := time.Duration(config.RoomTTL) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func roomKey(roomID string) string    { return "room:" + roomID }
func membersKey(roomID string) string { return "room:" + roomID + ":members" }
func signalsKey(roomID string) string { return "room:" + roomID + ":signals" }

func (s *RedisStore) CreateRoom(ctx context.Context) (Room, error) {
	room := Room{RoomID: uuid.NewString(), ParticipantID: uuid.NewString(), CreatedAt: time.Now()}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.RoomID), room.CreatedAt.UnixMilli(), s.ttl)
		pipe.SAdd(ctx, membersKey(room.RoomID), room.ParticipantID)
		pipe.Expire(ctx, membersKey(room.RoomID), s.ttl)
		return nil
	})
	if err != nil {
		return Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	return room, nil
}

func (s *RedisStore) JoinRoom(ctx context.Context, roomID string) (Membership, error) {
	if err := s.ensureRoom(ctx, roomID); err != nil {
		return Membership{}, err
	}

	membership := Membership{ParticipantID: uuid.NewString(), JoinedAt: time.Now()}
	if err := s.client.SAdd(ctx, membersKey(roomID), membership.ParticipantID).Err(); err != nil {
		return Membership{}, fmt.Errorf("failed to join room: %w", err)
	}

	return membership, nil
}

func (s *RedisStore) LeaveRoom(ctx context.Context, roomID, participantID string) error {
	if err := s.client.SRem(ctx, membersKey(roomID), participantID).Err(); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}

	return nil
}

func (s *RedisStore) SendSignal(ctx context.Context, roomID string, envelope Envelope) error {
	member, err := s.client.SIsMember(ctx, membersKey(roomID), envelope.Sender).Result()
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}

	if !member {
		return ErrNotMember
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, signalsKey(roomID), redis.Z{Score: float64(envelope.Timestamp), Member: string(data)})
		pipe.Expire(ctx, signalsKey(roomID), s.ttl)
		pipe.Expire(ctx, roomKey(roomID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store signal: %w", err)
	}

	return nil
}

func (s *RedisStore) GetSignals(ctx context.Context, roomID string, since int64) ([]Envelope, error) {
	if err := s.ensureRoom(ctx, roomID); err != nil {
		return nil, err
	}

	members, err := s.client.ZRangeByScore(ctx, signalsKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read signals: %w", err)
	}

	envelopes := make([]Envelope, 0, len(members))
	for _, member := range members {
		var envelope Envelope
		if err := json.Unmarshal([]byte(member), &envelope); err != nil {
			continue
		}

		envelopes = append(envelopes, envelope)
	}

	return envelopes, nil
}

func (s *RedisStore) ensureRoom(ctx context.Context, roomID string) error {
	exists, err := s.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("failed to look up room: %w", err)
	}

	if exists == 0 {
		return ErrRoomNotFound
	}

	return nil
}
