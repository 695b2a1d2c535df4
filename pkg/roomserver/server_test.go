package roomserver_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matrix-org/meshcall/pkg/roomserver"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	server := roomserver.NewServer(
		store.NewMemoryStore(),
		store.NewTokenIssuer("secret", time.Hour),
		logrus.NewEntry(logger),
	)

	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)
	return httpServer
}

func newClient(t *testing.T, url, username string) *store.HTTPStore {
	t.Helper()

	client := store.NewHTTPStore(store.HTTPConfig{URL: url, Username: username}, nil)
	identity, err := client.SignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, username, identity.UserID)
	return client
}

func TestRoomServerSignalExchange(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)

	alice := newClient(t, server.URL, "alice")
	bob := newClient(t, server.URL, "bob")

	room, err := alice.CreateRoom(ctx)
	require.NoError(t, err)

	membership, err := bob.JoinRoom(ctx, room.RoomID)
	require.NoError(t, err)

	require.NoError(t, alice.SendSignal(ctx, room.RoomID, store.Envelope{
		Type:      store.TypeOffer,
		Sender:    room.ParticipantID,
		Receiver:  membership.ParticipantID,
		Timestamp: 100,
		Data:      []byte(`{"type":"offer","sdp":"v=0"}`),
	}))

	signals, err := bob.GetSignals(ctx, room.RoomID, 0)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, store.TypeOffer, signals[0].Type)
	assert.Equal(t, room.RoomID, signals[0].RoomID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(signals[0].Data))

	signals, err = bob.GetSignals(ctx, room.RoomID, 100)
	require.NoError(t, err)
	assert.Empty(t, signals)

	require.NoError(t, bob.LeaveRoom(ctx, room.RoomID, membership.ParticipantID))
}

func TestRoomServerMapsErrors(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	client := newClient(t, server.URL, "alice")

	_, err := client.JoinRoom(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrRoomNotFound)

	room, err := client.CreateRoom(ctx)
	require.NoError(t, err)

	err = client.SendSignal(ctx, room.RoomID, store.Envelope{Type: "chat", Sender: "stranger", Timestamp: 1})
	assert.ErrorIs(t, err, store.ErrNotMember)
}

func TestRoomServerRequiresSignIn(t *testing.T) {
	server := newTestServer(t)
	client := store.NewHTTPStore(store.HTTPConfig{URL: server.URL}, nil)

	_, err := client.CreateRoom(context.Background())
	assert.ErrorIs(t, err, store.ErrNotSignedIn)
	assert.Nil(t, client.CurrentIdentity())
}
