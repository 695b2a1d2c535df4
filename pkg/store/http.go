package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	_ Store            = (*HTTPStore)(nil)
	_ IdentityProvider = (*HTTPStore)(nil)
)

type HTTPConfig struct {
	// Base URL of the room server, e.g. `http://localhost:8080`.
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPStore talks to a room server. It is both the backing store and the identity provider:
// signing in obtains the bearer token that every other request carries.
type HTTPStore struct {
	config HTTPConfig
	client *http.Client

	tokenMutex sync.Mutex
	token      string
	identities Listeners
}

func NewHTTPStore(config HTTPConfig, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	config.URL = strings.TrimSuffix(config.URL, "/")
	return &HTTPStore{config: config, client: client}
}

func (s *HTTPStore) SignIn(ctx context.Context) (Identity, error) {
	var response LoginResponse
	request := LoginRequest{Username: s.config.Username, Password: s.config.Password}
	if err := s.do(ctx, http.MethodPost, "/api/auth/login", false, request, &response); err != nil {
		return Identity{}, err
	}

	s.tokenMutex.Lock()
	s.token = response.Token
	s.tokenMutex.Unlock()

	identity := Identity{UserID: response.UserID, DisplayName: response.UserID}
	s.identities.Set(&identity)
	return identity, nil
}

func (s *HTTPStore) SignOut(context.Context) error {
	s.tokenMutex.Lock()
	s.token = ""
	s.tokenMutex.Unlock()

	s.identities.Set(nil)
	return nil
}

func (s *HTTPStore) CurrentIdentity() *Identity {
	return s.identities.Current()
}

func (s *HTTPStore) OnIdentityChange(listener func(*Identity)) func() {
	return s.identities.Subscribe(listener)
}

func (s *HTTPStore) CreateRoom(ctx context.Context) (Room, error) {
	var response CreateRoomResponse
	if err := s.do(ctx, http.MethodPost, "/api/rooms", true, nil, &response); err != nil {
		return Room{}, err
	}

	return Room{
		RoomID:        response.RoomID,
		ParticipantID: response.ParticipantID,
		CreatedAt:     time.UnixMilli(response.CreatedAt),
	}, nil
}

func (s *HTTPStore) JoinRoom(ctx context.Context, roomID string) (Membership, error) {
	var response JoinRoomResponse
	if err := s.do(ctx, http.MethodPost, roomPath(roomID, "join"), true, nil, &response); err != nil {
		return Membership{}, err
	}

	return Membership{ParticipantID: response.ParticipantID, JoinedAt: time.UnixMilli(response.JoinedAt)}, nil
}

func (s *HTTPStore) LeaveRoom(ctx context.Context, roomID, participantID string) error {
	request := LeaveRoomRequest{ParticipantID: participantID}
	return s.do(ctx, http.MethodPost, roomPath(roomID, "leave"), true, request, nil)
}

func (s *HTTPStore) SendSignal(ctx context.Context, roomID string, envelope Envelope) error {
	return s.do(ctx, http.MethodPost, roomPath(roomID, "signals"), true, envelope, nil)
}

func (s *HTTPStore) GetSignals(ctx context.Context, roomID string, since int64) ([]Envelope, error) {
	var response SignalsResponse
	path := roomPath(roomID, "signals") + "?since=" + strconv.FormatInt(since, 10)
	if err := s.do(ctx, http.MethodGet, path, true, nil, &response); err != nil {
		return nil, err
	}

	return response.Signals, nil
}

func roomPath(roomID, action string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + "/" + action
}

func (s *HTTPStore) do(ctx context.Context, method, path string, authorized bool, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	request, err := http.NewRequestWithContext(ctx, method, s.config.URL+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	if authorized {
		s.tokenMutex.Lock()
		token := s.token
		s.tokenMutex.Unlock()

		if token == "" {
			return ErrNotSignedIn
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return statusError(response)
	}

	if result == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func statusError(response *http.Response) error {
	var body ErrorResponse
	_ = json.NewDecoder(response.Body).Decode(&body)

	var sentinel error
	switch response.StatusCode {
	case http.StatusNotFound:
		sentinel = ErrRoomNotFound
	case http.StatusForbidden:
		sentinel = ErrNotMember
	case http.StatusUnauthorized:
		sentinel = ErrNotSignedIn
	case http.StatusBadRequest:
		sentinel = ErrInvalidRequest
	default:
		return fmt.Errorf("room server returned %d: %s", response.StatusCode, body.Error)
	}

	return fmt.Errorf("%w: %s", sentinel, body.Error)
}
