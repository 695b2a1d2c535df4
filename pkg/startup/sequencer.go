package startup

import (
	"context"
	"sync"
	"time"

	"github.com/matrix-org/meshcall/pkg/chat"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const leaveTimeout = 5 * time.Second

type Config struct {
	// The room to join. A new room is created if empty.
	RoomID      string
	Constraints media.Constraints
	Timeouts    Timeouts
}

// Dependencies are the components the sequencer acquires things from or creates things with.
type Dependencies struct {
	Identity  store.IdentityProvider
	Media     media.Acquirer
	Transport SignalingTransport
	NewPool   PoolFactory
	// Called with every pool event after the sequencer handled it. Must not block.
	OnEvent func(pool.Event)
}

// Per remote participant bookkeeping.
type remoteParticipant struct {
	// We sent the initial offer, i.e. we're the chat initiator towards this participant.
	offered bool
	// The chat channel created before the initial offer, until the chat gets bound to it.
	prepared webrtc_ext.DataChannel
	// A renegotiation was requested while the connection was not stable.
	renegotiationPending bool
}

// Sequencer brings a participant into a call phase by phase: identity, local media, session
// pool, room and chat. It then keeps routing the signaling messages to the session pool and
// the pool's events back to the transport until it is closed.
//
// All state is owned by a single goroutine that drains the command inbox, the callbacks of
// the other components only ever post commands.
type Sequencer struct {
	ctx       context.Context //nolint:containedctx
	cancel    context.CancelFunc
	config    Config
	deps      Dependencies
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry

	inbox    *inbox
	signals  *signalingWorker
	stopped  chan struct{}
	finished chan struct{}

	lifecycleMutex sync.Mutex
	started        bool
	closing        bool

	// Owned by the loop.
	phase          Phase
	attempt        uint64
	attemptCancel  context.CancelFunc
	phaseTimer     *time.Timer
	masterTimer    *time.Timer
	phaseSpan      *telemetry.Telemetry
	awaiting       error
	err            error
	finishedClosed bool
	identity       *store.Identity
	stream         *media.LocalStream
	mediaSkipped   bool
	sessions       SessionPool
	joined         bool
	roomID         string
	participantID  string
	remotes        map[string]*remoteParticipant
	reoffers       map[string]int
	early          []store.Envelope
	chat           *chatBinding
	unsubscribers  []func()

	// Published for the getters.
	statusMutex   sync.Mutex
	status        State
	published     publishedCall
	stateHandlers map[uint64]func(State)
	nextHandlerID uint64
}

type publishedCall struct {
	roomID        string
	participantID string
	chat          *chat.Wrapper
}

func NewSequencer(ctx context.Context, config Config, deps Dependencies, logger *logrus.Entry) *Sequencer {
	config.Timeouts = config.Timeouts.WithDefaults()
	ctx, cancel := context.WithCancel(ctx)

	return &Sequencer{
		ctx:           ctx,
		cancel:        cancel,
		config:        config,
		deps:          deps,
		logger:        logger,
		telemetry:     telemetry.NewTelemetry(ctx, "startup", attribute.String("room_id", config.RoomID)),
		inbox:         newInbox(),
		signals:       newSignalingWorker(ctx, deps.Transport, logger),
		stopped:       make(chan struct{}),
		finished:      make(chan struct{}),
		remotes:       make(map[string]*remoteParticipant),
		reoffers:      make(map[string]int),
		stateHandlers: make(map[uint64]func(State)),
	}
}

// Starts the sequence. The sequencer can be started only once.
func (s *Sequencer) Start() error {
	s.lifecycleMutex.Lock()
	defer s.lifecycleMutex.Unlock()

	if s.closing {
		return ErrSequencerClosed
	}

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	go s.run()
	return nil
}

// Tears everything down: the chat, the room membership and all sessions. Blocks until done.
// Safe to call more than once.
func (s *Sequencer) Close() {
	s.lifecycleMutex.Lock()
	alreadyClosing, started := s.closing, s.started
	s.closing = true
	s.lifecycleMutex.Unlock()

	if !started {
		if !alreadyClosing {
			s.signals.stop()
			s.cancel()
			s.telemetry.End()
			close(s.stopped)
		}
		return
	}

	if !alreadyClosing {
		s.inbox.post(closeRequest{})
	}

	<-s.stopped
}

// Finished is closed once the sequence completed or was halted.
func (s *Sequencer) Finished() <-chan struct{} {
	return s.finished
}

// Wait blocks until the sequence completed or halted and returns the fatal error, if any.
func (s *Sequencer) Wait(ctx context.Context) error {
	select {
	case <-s.finished:
		return s.State().Err
	case <-s.stopped:
		if err := s.State().Err; err != nil {
			return err
		}
		return ErrSequencerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) State() State {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	return s.status
}

func (s *Sequencer) Phase() Phase {
	return s.State().Phase
}

// IsReady returns true once the sequence completed and the call is usable.
func (s *Sequencer) IsReady() bool {
	return s.State().Ready
}

// Chat returns the chat bound to the call, nil if there's none (yet).
func (s *Sequencer) Chat() *chat.Wrapper {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	return s.published.chat
}

func (s *Sequencer) RoomID() string {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	return s.published.roomID
}

func (s *Sequencer) ParticipantID() string {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	return s.published.participantID
}

// Registers a handler that is called with every new state. Handlers are called from the
// sequencer's goroutine and must not block.
func (s *Sequencer) OnStateChange(handler func(State)) (unsubscribe func()) {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()

	id := s.nextHandlerID
	s.nextHandlerID++
	s.stateHandlers[id] = handler

	return func() {
		s.statusMutex.Lock()
		defer s.statusMutex.Unlock()
		delete(s.stateHandlers, id)
	}
}

// Skips the given phase. Only the auth, media, connecting and chat phases can be skipped and
// only while the sequence is in that phase.
func (s *Sequencer) Skip(phase Phase) error {
	return s.decide(phase, true)
}

// Retries the given phase after it failed or timed out.
func (s *Sequencer) Retry(phase Phase) error {
	return s.decide(phase, false)
}

func (s *Sequencer) decide(phase Phase, skip bool) error {
	reply := make(chan error, 1)
	s.inbox.post(userDecision{phase: phase, skip: skip, reply: reply})

	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return ErrSequencerClosed
	}
}

// Switches the capture device of the given kind and replaces the local tracks in all sessions.
func (s *Sequencer) SwitchDevice(ctx context.Context, kind media.Kind, deviceID string) bool {
	if !s.deps.Media.SwitchDevice(ctx, kind, deviceID) {
		return false
	}

	return s.SetLocalStream(s.deps.Media.Stream())
}

// Stops sending the tracks of the given kind. The sessions renegotiate without them.
func (s *Sequencer) DropTrack(kind media.Kind) bool {
	applied := false
	err := s.do(func() {
		if s.stream == nil {
			return
		}

		stream := &media.LocalStream{ID: s.stream.ID}
		for _, track := range s.stream.Tracks {
			if track.Kind != kind {
				stream.Tracks = append(stream.Tracks, track)
			}
		}

		applied = s.applyLocalStream(stream)
	})

	return err == nil && applied
}

// Replaces the local stream in all sessions.
func (s *Sequencer) SetLocalStream(stream *media.LocalStream) bool {
	applied := false
	err := s.do(func() {
		applied = s.applyLocalStream(stream)
	})

	return err == nil && applied
}

// Enables or disables the local tracks of the given kind in all sessions.
func (s *Sequencer) ToggleTrack(kind media.Kind, enabled bool) bool {
	applied := false
	err := s.do(func() {
		if s.sessions != nil {
			applied = s.sessions.ToggleTrackOnAll(kind, enabled)
		}
	})

	return err == nil && applied
}

// Runs the function on the sequencer's goroutine and waits for it.
func (s *Sequencer) do(fn func()) error {
	done := make(chan struct{})
	s.inbox.post(call{fn: fn, done: done})

	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrSequencerClosed
	}
}

func (s *Sequencer) applyLocalStream(stream *media.LocalStream) bool {
	s.stream = stream
	if s.sessions == nil {
		return true
	}

	return s.sessions.SetLocalStream(stream)
}

// Publishes the loop-owned state for the getters and notifies the state handlers.
func (s *Sequencer) publish() {
	state := State{
		Phase:    s.phase,
		Ready:    s.phase == PhaseComplete,
		Awaiting: s.awaiting,
		Err:      s.err,
	}

	var chatWrapper *chat.Wrapper
	if s.chat != nil {
		chatWrapper = s.chat.wrapper
	}

	s.statusMutex.Lock()
	s.status = state
	s.published = publishedCall{
		roomID:        s.roomID,
		participantID: s.participantID,
		chat:          chatWrapper,
	}
	handlers := make([]func(State), 0, len(s.stateHandlers))
	for _, handler := range s.stateHandlers {
		handlers = append(handlers, handler)
	}
	s.statusMutex.Unlock()

	for _, handler := range handlers {
		handler(state)
	}
}
