/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Signaling envelopes are stored as timeline events of this type.
var SignalEventType = event.Type{Type: "org.matrix.meshcall.signal", Class: event.MessageEventType}

const defaultPollLimit = 100

var ErrWrongUser = errors.New("access token is for the wrong user")

var (
	_ store.Store            = (*MatrixStore)(nil)
	_ store.IdentityProvider = (*MatrixStore)(nil)
)

// MatrixStore uses a Matrix homeserver as the backing store: rooms are Matrix rooms and
// every envelope is a timeline event in that room.
type MatrixStore struct {
	client     *mautrix.Client
	config     Config
	logger     *logrus.Entry
	identities store.Listeners
}

func NewMatrixStore(config Config, logger *logrus.Entry) (*MatrixStore, error) {
	client, err := mautrix.NewClient(config.HomeserverURL, config.UserID, config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if config.PollLimit <= 0 {
		config.PollLimit = defaultPollLimit
	}

	return &MatrixStore{
		client: client,
		config: config,
		logger: logger.WithField("user_id", config.UserID),
	}, nil
}

// SignIn checks that the access token belongs to the configured user.
func (m *MatrixStore) SignIn(ctx context.Context) (store.Identity, error) {
	if err := ctx.Err(); err != nil {
		return store.Identity{}, err
	}

	whoami, err := m.client.Whoami()
	if err != nil {
		return store.Identity{}, fmt.Errorf("failed to identify user: %w", err)
	}

	if m.config.UserID != whoami.UserID {
		return store.Identity{}, ErrWrongUser
	}

	m.logger.WithField("device_id", whoami.DeviceID).Info("identified as device")
	m.client.DeviceID = whoami.DeviceID

	identity := store.Identity{UserID: whoami.UserID.String(), DisplayName: whoami.UserID.String()}
	m.identities.Set(&identity)
	return identity, nil
}

// SignOut forgets the identity. The access token stays valid, it is owned by the configuration.
func (m *MatrixStore) SignOut(context.Context) error {
	m.identities.Set(nil)
	return nil
}

func (m *MatrixStore) CurrentIdentity() *store.Identity {
	return m.identities.Current()
}

func (m *MatrixStore) OnIdentityChange(listener func(*store.Identity)) func() {
	return m.identities.Subscribe(listener)
}

func (m *MatrixStore) CreateRoom(ctx context.Context) (store.Room, error) {
	if err := m.signedIn(ctx); err != nil {
		return store.Room{}, err
	}

	response, err := m.client.CreateRoom(&mautrix.ReqCreateRoom{
		Preset: "private_chat",
		Name:   "meshcall",
	})
	if err != nil {
		return store.Room{}, fmt.Errorf("failed to create room: %w", err)
	}

	m.logger.WithField("room_id", response.RoomID).Info("created room")

	return store.Room{
		RoomID:        response.RoomID.String(),
		ParticipantID: m.participantID(),
		CreatedAt:     time.Now(),
	}, nil
}

func (m *MatrixStore) JoinRoom(ctx context.Context, roomID string) (store.Membership, error) {
	if err := m.signedIn(ctx); err != nil {
		return store.Membership{}, err
	}

	if _, err := m.client.JoinRoomByID(id.RoomID(roomID)); err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return store.Membership{}, fmt.Errorf("%w: %v", store.ErrRoomNotFound, err)
		}
		return store.Membership{}, fmt.Errorf("failed to join room: %w", err)
	}

	return store.Membership{ParticipantID: m.participantID(), JoinedAt: time.Now()}, nil
}

// LeaveRoom leaves the Matrix room. The participant id is not needed since the user is the
// participant on the homeserver side.
func (m *MatrixStore) LeaveRoom(ctx context.Context, roomID, _ string) error {
	if _, err := m.client.LeaveRoom(id.RoomID(roomID)); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}

	return nil
}

func (m *MatrixStore) SendSignal(ctx context.Context, roomID string, envelope store.Envelope) error {
	if err := m.signedIn(ctx); err != nil {
		return err
	}

	if _, err := m.client.SendMessageEvent(id.RoomID(roomID), SignalEventType, envelope); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("%w: %v", store.ErrNotMember, err)
		}
		return fmt.Errorf("failed to send signal: %w", err)
	}

	return nil
}

// GetSignals reads the latest page of the room timeline and keeps the envelopes newer than
// `since`. Envelopes older than the page are not recovered.
func (m *MatrixStore) GetSignals(ctx context.Context, roomID string, since int64) ([]store.Envelope, error) {
	if err := m.signedIn(ctx); err != nil {
		return nil, err
	}

	response, err := m.client.Messages(id.RoomID(roomID), "", "", 'b', nil, m.config.PollLimit)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return nil, fmt.Errorf("%w: %v", store.ErrRoomNotFound, err)
		}
		return nil, fmt.Errorf("failed to read room timeline: %w", err)
	}

	envelopes := make([]store.Envelope, 0, len(response.Chunk))
	for _, evt := range response.Chunk {
		if evt.Type.Type != SignalEventType.Type {
			continue
		}

		var envelope store.Envelope
		if err := json.Unmarshal(evt.Content.VeryRaw, &envelope); err != nil {
			m.logger.WithError(err).WithField("event_id", evt.ID).Warn("ignoring malformed signal event")
			continue
		}

		envelopes = append(envelopes, envelope)
	}

	return store.FilterSince(envelopes, since), nil
}

func (m *MatrixStore) signedIn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.identities.Current() == nil {
		return store.ErrNotSignedIn
	}

	return nil
}

// A user may take part in a call from several devices, so the participant id is scoped to the
// device and made unique per join.
func (m *MatrixStore) participantID() string {
	return fmt.Sprintf("%s|%s|%s", m.config.UserID, m.client.DeviceID, uuid.NewString()[:8])
}
