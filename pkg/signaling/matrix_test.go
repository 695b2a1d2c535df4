package signaling_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

// fakeHomeserver implements just enough of the client-server API for the store.
type fakeHomeserver struct {
	mutex  sync.Mutex
	userID string
	events []json.RawMessage
}

func (h *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		json.NewEncoder(w).Encode(map[string]string{"user_id": h.userID, "device_id": "DEVICE"})
	case strings.HasSuffix(path, "/createRoom"):
		json.NewEncoder(w).Encode(map[string]string{"room_id": "!room:example.org"})
	case strings.Contains(path, "/join"):
		json.NewEncoder(w).Encode(map[string]string{"room_id": "!room:example.org"})
	case strings.Contains(path, "/send/"):
		body, _ := io.ReadAll(r.Body)
		h.events = append(h.events, body)
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$event"})
	case strings.HasSuffix(path, "/messages"):
		chunk := make([]map[string]any, 0, len(h.events)+1)
		// Newest first, like a backwards pagination.
		for i := len(h.events) - 1; i >= 0; i-- {
			chunk = append(chunk, map[string]any{
				"type":             signaling.SignalEventType.Type,
				"event_id":         "$event",
				"sender":           h.userID,
				"room_id":          "!room:example.org",
				"origin_server_ts": 1,
				"content":          h.events[i],
			})
		}
		chunk = append(chunk, map[string]any{
			"type":             "m.room.message",
			"event_id":         "$text",
			"sender":           h.userID,
			"room_id":          "!room:example.org",
			"origin_server_ts": 1,
			"content":          map[string]string{"msgtype": "m.text", "body": "hi"},
		})
		json.NewEncoder(w).Encode(map[string]any{"chunk": chunk, "start": "s", "end": "e"})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
	}
}

func newMatrixStore(t *testing.T, userID string) *signaling.MatrixStore {
	t.Helper()

	server := httptest.NewServer(&fakeHomeserver{userID: userID})
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	matrix, err := signaling.NewMatrixStore(signaling.Config{
		UserID:        id.UserID(userID),
		HomeserverURL: server.URL,
		AccessToken:   "token",
	}, logrus.NewEntry(logger))
	require.NoError(t, err)

	return matrix
}

func TestMatrixStoreRequiresSignIn(t *testing.T) {
	matrix := newMatrixStore(t, "@alice:example.org")

	_, err := matrix.CreateRoom(context.Background())
	assert.ErrorIs(t, err, store.ErrNotSignedIn)
}

func TestMatrixStoreSignalRoundTrip(t *testing.T) {
	ctx := context.Background()
	matrix := newMatrixStore(t, "@alice:example.org")

	identity, err := matrix.SignIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", identity.UserID)

	room, err := matrix.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "!room:example.org", room.RoomID)

	for _, timestamp := range []int64{10, 20} {
		require.NoError(t, matrix.SendSignal(ctx, room.RoomID, store.Envelope{
			Type:      store.TypeUserJoined,
			Sender:    room.ParticipantID,
			RoomID:    room.RoomID,
			Timestamp: timestamp,
		}))
	}

	envelopes, err := matrix.GetSignals(ctx, room.RoomID, 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, int64(20), envelopes[0].Timestamp)
	assert.Equal(t, room.ParticipantID, envelopes[0].Sender)
}

func TestMatrixStoreParticipantsAreUniquePerJoin(t *testing.T) {
	ctx := context.Background()
	matrix := newMatrixStore(t, "@alice:example.org")
	_, err := matrix.SignIn(ctx)
	require.NoError(t, err)

	first, err := matrix.JoinRoom(ctx, "!room:example.org")
	require.NoError(t, err)
	second, err := matrix.JoinRoom(ctx, "!room:example.org")
	require.NoError(t, err)

	assert.NotEqual(t, first.ParticipantID, second.ParticipantID)
	assert.True(t, strings.HasPrefix(first.ParticipantID, "@alice:example.org|DEVICE|"))
}
