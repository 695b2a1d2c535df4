package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matrix-org/meshcall/pkg/channel"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	DefaultDisconnectGrace = 10 * time.Second
	messageBufferSize      = 256
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPoolClosed      = errors.New("session pool is closed")
)

type Config struct {
	// How long a disconnected session may take to recover before it is evicted.
	DisconnectGrace time.Duration `yaml:"disconnectGrace"`
}

// SessionKey identifies the producer of a peer message. The generation tells apart the
// sessions created for the same participant over time.
type SessionKey struct {
	ParticipantID string
	Generation    uint64
}

type Session = peer.Peer[SessionKey]

// Event is a peer message tagged with the participant it is about.
type Event struct {
	ParticipantID string
	Content       peer.MessageContent
}

// Reasons of a removal besides the terminal connection states.
const (
	ReasonRemoved           = "removed"
	ReasonReplaced          = "replaced"
	ReasonDisconnected      = "disconnected"
	ReasonNegotiationFailed = "negotiation failed"
)

// The session was evicted or removed. It is emitted exactly once per session.
type SessionRemoved struct {
	Reason string
}

type session struct {
	peer       *Session
	generation uint64
	state      peer.ConnectionState
	graceTimer *time.Timer
}

// Pool owns one peer session per remote participant, fans the local track operations out to
// all of them and reports what happens in the sessions as tagged events.
type Pool struct {
	ctx     context.Context //nolint:containedctx
	factory *webrtc_ext.PeerConnectionFactory
	config  Config
	logger  *logrus.Entry
	onEvent func(Event)

	messages chan channel.Message[SessionKey, peer.MessageContent]
	done     chan struct{}
	stopped  chan struct{}

	mutex          sync.Mutex
	sessions       map[string]*session
	nextGeneration uint64
	stream         *media.LocalStream
	closed         bool
}

// Creates a pool and starts processing the messages of its sessions. `onEvent` is called from
// the pool's goroutines and must not block.
func NewPool(
	ctx context.Context,
	factory *webrtc_ext.PeerConnectionFactory,
	config Config,
	onEvent func(Event),
	logger *logrus.Entry,
) *Pool {
	if config.DisconnectGrace <= 0 {
		config.DisconnectGrace = DefaultDisconnectGrace
	}

	pool := &Pool{
		ctx:      ctx,
		factory:  factory,
		config:   config,
		logger:   logger,
		onEvent:  onEvent,
		messages: make(chan channel.Message[SessionKey, peer.MessageContent], messageBufferSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*session),
	}

	go pool.processMessages()

	return pool
}

// Stops processing and terminates all sessions.
func (p *Pool) Close() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mutex.Unlock()

	close(p.done)
	<-p.stopped

	for _, s := range sessions {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		s.peer.Terminate()
	}
}

// Returns the existing live session for the participant or creates a new one with all local
// tracks attached.
func (p *Pool) GetOrCreateSession(participantID string) (*Session, error) {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil, ErrPoolClosed
	}

	if existing, found := p.sessions[participantID]; found {
		if !existing.state.Terminal() {
			p.mutex.Unlock()
			return existing.peer, nil
		}
		p.mutex.Unlock()
		p.evict(SessionKey{participantID, existing.generation}, ReasonReplaced)
		p.mutex.Lock()
	}

	key := SessionKey{ParticipantID: participantID, Generation: p.nextGeneration}
	p.nextGeneration++

	logger := p.logger.WithField("participant_id", participantID)
	sink := channel.NewSink[SessionKey, peer.MessageContent](key, p.messages)

	created, err := peer.NewPeer(p.ctx, p.factory, sink, logger)
	if err != nil {
		p.mutex.Unlock()
		return nil, err
	}

	p.sessions[participantID] = &session{peer: created, generation: key.Generation, state: peer.ConnectionStateNew}
	stream := p.stream
	p.mutex.Unlock()

	if stream != nil {
		for _, track := range stream.Tracks {
			if err := created.AddTrack(track, stream.ID); err != nil {
				logger.WithError(err).WithField("track_id", track.ID()).Warn("failed to attach local track")
			}
		}
	}

	logger.Info("session created")
	return created, nil
}

// Session returns the session of the participant, if any.
func (p *Pool) Session(participantID string) (*Session, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	s, found := p.sessions[participantID]
	if !found {
		return nil, false
	}

	return s.peer, true
}

// Participants returns the ids of the participants with a session, sorted.
func (p *Pool) Participants() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	participants := maps.Keys(p.sessions)
	slices.Sort(participants)
	return participants
}

// Closes and evicts the session of the participant.
func (p *Pool) RemoveSession(participantID string) {
	p.mutex.Lock()
	s, found := p.sessions[participantID]
	p.mutex.Unlock()

	if found {
		p.evict(SessionKey{participantID, s.generation}, ReasonRemoved)
	}
}

func (p *Pool) CreateOffer(participantID string) (webrtc.SessionDescription, string, error) {
	session, err := p.GetOrCreateSession(participantID)
	if err != nil {
		return webrtc.SessionDescription{}, "", err
	}

	offer, connectionID, err := session.CreateOffer()
	p.evictOnNegotiationError(participantID, err)
	return offer, connectionID, err
}

func (p *Pool) ProcessOffer(
	participantID string,
	offer webrtc.SessionDescription,
	connectionID string,
) (webrtc.SessionDescription, error) {
	session, err := p.GetOrCreateSession(participantID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := session.ProcessOffer(offer, connectionID)
	p.evictOnNegotiationError(participantID, err)
	return answer, err
}

func (p *Pool) ProcessAnswer(participantID string, answer webrtc.SessionDescription, connectionID string) error {
	session, found := p.Session(participantID)
	if !found {
		return ErrSessionNotFound
	}

	err := session.ProcessAnswer(answer, connectionID)
	p.evictOnNegotiationError(participantID, err)
	return err
}

func (p *Pool) AddICECandidate(participantID string, candidate webrtc.ICECandidateInit, connectionID string) error {
	session, found := p.Session(participantID)
	if !found {
		return ErrSessionNotFound
	}

	return session.AddICECandidate(candidate, connectionID)
}

func (p *Pool) HandleRenegotiation(participantID string) (webrtc.SessionDescription, string, error) {
	session, found := p.Session(participantID)
	if !found {
		return webrtc.SessionDescription{}, "", ErrSessionNotFound
	}

	offer, connectionID, err := session.HandleRenegotiation()
	p.evictOnNegotiationError(participantID, err)
	return offer, connectionID, err
}

// ConnectionID returns the current connection id of the participant's session.
func (p *Pool) ConnectionID(participantID string) (string, bool) {
	session, found := p.Session(participantID)
	if !found {
		return "", false
	}

	return session.ConnectionID(), true
}

// A failed negotiation leaves the connection in an unknown state, the remote side re-offers
// to a fresh session.
func (p *Pool) evictOnNegotiationError(participantID string, err error) {
	var negotiationErr *peer.NegotiationError
	if !errors.As(err, &negotiationErr) {
		return
	}

	p.mutex.Lock()
	s, found := p.sessions[participantID]
	p.mutex.Unlock()

	if found {
		p.evict(SessionKey{participantID, s.generation}, ReasonNegotiationFailed)
	}
}

// Evicts the session with the given key. Stale keys (the session was already replaced) are
// ignored, so every session is evicted at most once.
func (p *Pool) evict(key SessionKey, reason string) {
	p.mutex.Lock()
	s, found := p.sessions[key.ParticipantID]
	if !found || s.generation != key.Generation {
		p.mutex.Unlock()
		return
	}

	delete(p.sessions, key.ParticipantID)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	p.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"participant_id": key.ParticipantID,
		"reason":         reason,
	}).Info("session evicted")

	// Terminating waits for the connection to close, the message loop must not wait for it.
	go s.peer.Terminate()

	p.onEvent(Event{ParticipantID: key.ParticipantID, Content: SessionRemoved{Reason: reason}})
}
