package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const defaultPollInterval = time.Second

type Config struct {
	// How often the store is asked for new envelopes.
	PollInterval time.Duration `yaml:"pollInterval"`
	// How far behind the newest envelope a poll still looks. Covers envelopes stamped within
	// the same millisecond and senders whose clocks lag behind. Defaults to the poll interval.
	ClockSkew time.Duration `yaml:"clockSkew"`
}

// Handler is called for every envelope of the type it was registered for.
type Handler func(store.Envelope)

// Message is an outgoing envelope before the transport stamps it.
type Message struct {
	Type string
	// Marshalled to JSON. A `json.RawMessage` is sent as is.
	Payload any
	// Empty for a broadcast.
	Receiver     string
	ConnectionID string
}

// Transport exchanges signaling envelopes with the other participants of a room by
// periodically polling the backing store.
type Transport struct {
	backing store.Store
	config  Config
	logger  *logrus.Entry

	mutex         sync.Mutex
	roomID        string
	participantID string
	cursor        int64
	lastSent      int64
	seen          map[envelopeKey]struct{}
	cancel        context.CancelFunc
	done          chan struct{}

	handlersMutex sync.Mutex
	handlers      map[string]map[uint64]Handler
	nextHandlerID uint64
}

func NewTransport(backing store.Store, config Config, logger *logrus.Entry) *Transport {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.ClockSkew <= 0 {
		config.ClockSkew = config.PollInterval
	}

	return &Transport{
		backing:  backing,
		config:   config,
		logger:   logger,
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Join registers with the room and starts polling. Returns the participant id of this
// participant in the room.
func (t *Transport) Join(ctx context.Context, roomID string) (string, error) {
	membership, err := t.backing.JoinRoom(ctx, roomID)
	if err != nil {
		return "", &JoinError{RoomID: roomID, Err: err}
	}

	if err := t.start(ctx, roomID, membership.ParticipantID); err != nil {
		return "", err
	}

	return membership.ParticipantID, nil
}

// Create creates a new room, joins it and starts polling.
func (t *Transport) Create(ctx context.Context) (store.Room, error) {
	room, err := t.backing.CreateRoom(ctx)
	if err != nil {
		return store.Room{}, &JoinError{Err: err}
	}

	if err := t.start(ctx, room.RoomID, room.ParticipantID); err != nil {
		return store.Room{}, err
	}

	return room, nil
}

func (t *Transport) start(ctx context.Context, roomID, participantID string) error {
	if participantID == "" {
		return &JoinError{RoomID: roomID, Err: ErrNoIdentity}
	}

	t.mutex.Lock()
	if t.cancel != nil {
		t.mutex.Unlock()
		return &JoinError{RoomID: roomID, Err: ErrAlreadyJoined}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.roomID = roomID
	t.participantID = participantID
	t.cursor = time.Now().UnixMilli()
	t.seen = make(map[envelopeKey]struct{})
	t.cancel = cancel
	t.done = done
	t.mutex.Unlock()

	logger := t.logger.WithFields(logrus.Fields{
		"room_id":        roomID,
		"participant_id": participantID,
	})
	logger.Info("joined room")

	go t.pollLoop(pollCtx, done, logger)

	if err := t.Send(ctx, Message{Type: store.TypeUserJoined}); err != nil {
		logger.WithError(err).Warn("failed to announce ourselves")
	}

	return nil
}

// Leave stops polling, announces that we left and releases the membership. Safe to call when
// not joined and safe to call twice. Must not be called from a handler since it waits for the
// poll loop to finish.
func (t *Transport) Leave(ctx context.Context) {
	t.mutex.Lock()
	cancel, done := t.cancel, t.done
	roomID, participantID := t.roomID, t.participantID
	t.cancel, t.done = nil, nil
	t.roomID, t.participantID = "", ""
	lastSent := t.lastSent
	t.mutex.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	logger := t.logger.WithFields(logrus.Fields{
		"room_id":        roomID,
		"participant_id": participantID,
	})

	goodbye := store.Envelope{
		Type:      store.TypeUserLeft,
		Sender:    participantID,
		RoomID:    roomID,
		Timestamp: nextTimestamp(lastSent),
	}
	if err := t.backing.SendSignal(ctx, roomID, goodbye); err != nil {
		logger.WithError(err).Warn("failed to announce that we left")
	}

	if err := t.backing.LeaveRoom(ctx, roomID, participantID); err != nil {
		logger.WithError(err).Warn("failed to leave room")
	}

	logger.Info("left room")
}

// Send stamps the message and pushes it to the store.
func (t *Transport) Send(ctx context.Context, message Message) error {
	data, err := marshalPayload(message.Payload)
	if err != nil {
		return &SendError{Type: message.Type, Err: err}
	}

	t.mutex.Lock()
	if t.cancel == nil {
		t.mutex.Unlock()
		return &SendError{Type: message.Type, Err: ErrNotJoined}
	}

	timestamp := nextTimestamp(t.lastSent)
	t.lastSent = timestamp

	envelope := store.Envelope{
		Type:         message.Type,
		Sender:       t.participantID,
		Receiver:     message.Receiver,
		RoomID:       t.roomID,
		Timestamp:    timestamp,
		ConnectionID: message.ConnectionID,
		Data:         data,
	}
	t.mutex.Unlock()

	if err := t.backing.SendSignal(ctx, envelope.RoomID, envelope); err != nil {
		return &SendError{Type: message.Type, Err: err}
	}

	t.logger.WithFields(logrus.Fields{
		"type":          envelope.Type,
		"receiver":      envelope.Receiver,
		"connection_id": envelope.ConnectionID,
	}).Debug("sent envelope")

	return nil
}

// On registers a handler for the given envelope type. Several handlers may be registered
// for the same type, all of them are called in no particular order.
func (t *Transport) On(envelopeType string, handler Handler) (unsubscribe func()) {
	t.handlersMutex.Lock()
	defer t.handlersMutex.Unlock()

	id := t.nextHandlerID
	t.nextHandlerID++

	if t.handlers[envelopeType] == nil {
		t.handlers[envelopeType] = make(map[uint64]Handler)
	}
	t.handlers[envelopeType][id] = handler

	return func() {
		t.handlersMutex.Lock()
		defer t.handlersMutex.Unlock()
		delete(t.handlers[envelopeType], id)
	}
}

// Off removes all handlers of the given type.
func (t *Transport) Off(envelopeType string) {
	t.handlersMutex.Lock()
	defer t.handlersMutex.Unlock()
	delete(t.handlers, envelopeType)
}

func (t *Transport) ParticipantID() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.participantID
}

func (t *Transport) RoomID() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.roomID
}

func (t *Transport) pollLoop(ctx context.Context, done chan struct{}, logger *logrus.Entry) {
	defer close(done)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx, logger)
		}
	}
}

// Identifies an envelope among the ones a poll may return more than once.
type envelopeKey struct {
	sender    string
	timestamp int64
	kind      string
}

func (t *Transport) poll(ctx context.Context, logger *logrus.Entry) {
	t.mutex.Lock()
	roomID, self := t.roomID, t.participantID
	since := t.cursor - max(t.config.ClockSkew.Milliseconds(), 1)
	t.mutex.Unlock()

	envelopes, err := t.backing.GetSignals(ctx, roomID, since)
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		logger.WithError(&PollError{Since: since, Err: err}).Warn("poll failed")
		return
	}

	envelopes = store.FilterSince(envelopes, since)
	slices.SortStableFunc(envelopes, func(a, b store.Envelope) bool {
		return a.Timestamp < b.Timestamp
	})

	envelopes = t.dropSeen(envelopes, since)

	for _, envelope := range envelopes {
		if ctx.Err() != nil {
			return
		}

		if envelope.Sender == self {
			continue
		}

		if !envelope.Broadcast() && envelope.Receiver != self {
			continue
		}

		t.dispatch(envelope, logger)
	}
}

// Drops the envelopes that an earlier poll already returned, remembers the new ones and
// advances the cursor.
func (t *Transport) dropSeen(envelopes []store.Envelope, since int64) []store.Envelope {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for key := range t.seen {
		if key.timestamp <= since {
			delete(t.seen, key)
		}
	}

	fresh := envelopes[:0]
	for _, envelope := range envelopes {
		key := envelopeKey{sender: envelope.Sender, timestamp: envelope.Timestamp, kind: envelope.Type}
		if _, found := t.seen[key]; found {
			continue
		}

		t.seen[key] = struct{}{}
		fresh = append(fresh, envelope)

		if envelope.Timestamp > t.cursor {
			t.cursor = envelope.Timestamp
		}
	}

	return fresh
}

func (t *Transport) dispatch(envelope store.Envelope, logger *logrus.Entry) {
	t.handlersMutex.Lock()
	handlers := make([]Handler, 0, len(t.handlers[envelope.Type]))
	for _, handler := range t.handlers[envelope.Type] {
		handlers = append(handlers, handler)
	}
	t.handlersMutex.Unlock()

	if len(handlers) == 0 {
		logger.WithField("type", envelope.Type).Debug("no handler for envelope")
		return
	}

	for _, handler := range handlers {
		t.invoke(handler, envelope, logger)
	}
}

func (t *Transport) invoke(handler Handler, envelope store.Envelope, logger *logrus.Entry) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.WithFields(logrus.Fields{
				"type":   envelope.Type,
				"sender": envelope.Sender,
			}).Errorf("handler panicked: %v", recovered)
		}
	}()

	handler(envelope)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch value := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return value, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}

// Timestamps are milliseconds since the epoch and strictly increase per sender, even if
// several envelopes are sent within the same millisecond.
func nextTimestamp(last int64) int64 {
	now := time.Now().UnixMilli()
	if now <= last {
		return last + 1
	}

	return now
}
