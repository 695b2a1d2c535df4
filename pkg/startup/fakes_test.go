package startup

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/meshcall/pkg/chat"
	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/matrix-org/meshcall/pkg/transport"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	*store.StaticIdentity
	signIn func(ctx context.Context) (store.Identity, error)
}

func (f *fakeIdentity) SignIn(ctx context.Context) (store.Identity, error) {
	if f.signIn != nil {
		return f.signIn(ctx)
	}

	return f.StaticIdentity.SignIn(ctx)
}

type fakeMedia struct {
	mutex    sync.Mutex
	attempts int
	acquire  func(ctx context.Context, attempt int) (*media.LocalStream, error)
	stream   *media.LocalStream
	released []*media.LocalStream
}

func (m *fakeMedia) Acquire(ctx context.Context, constraints media.Constraints) (*media.LocalStream, error) {
	m.mutex.Lock()
	m.attempts++
	attempt := m.attempts
	acquire := m.acquire
	m.mutex.Unlock()

	if acquire != nil {
		return acquire(ctx, attempt)
	}

	stream := &media.LocalStream{ID: "local"}
	m.mutex.Lock()
	m.stream = stream
	m.mutex.Unlock()
	return stream, nil
}

func (m *fakeMedia) EnumerateDevices(context.Context) ([]media.Device, error) {
	return nil, nil
}

func (m *fakeMedia) SwitchDevice(_ context.Context, _ media.Kind, deviceID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stream = &media.LocalStream{ID: deviceID}
	return true
}

func (m *fakeMedia) Stream() *media.LocalStream {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stream
}

func (m *fakeMedia) Release(stream *media.LocalStream) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.released = append(m.released, stream)
}

func (m *fakeMedia) releasedStreams() []*media.LocalStream {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]*media.LocalStream(nil), m.released...)
}

type fakeTransport struct {
	mutex    sync.Mutex
	join     func(ctx context.Context, roomID string) (string, error)
	handlers map[string][]transport.Handler
	sent     []transport.Message
	left     int
}

func (f *fakeTransport) Join(ctx context.Context, roomID string) (string, error) {
	if f.join != nil {
		return f.join(ctx, roomID)
	}

	return "me", nil
}

func (f *fakeTransport) Create(context.Context) (store.Room, error) {
	return store.Room{RoomID: "created", ParticipantID: "me", CreatedAt: time.Now()}, nil
}

func (f *fakeTransport) Send(_ context.Context, message transport.Message) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeTransport) On(envelopeType string, handler transport.Handler) func() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.handlers == nil {
		f.handlers = make(map[string][]transport.Handler)
	}
	f.handlers[envelopeType] = append(f.handlers[envelopeType], handler)

	return func() {}
}

func (f *fakeTransport) Leave(context.Context) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.left++
}

func (f *fakeTransport) deliver(envelope store.Envelope) {
	f.mutex.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[envelope.Type]...)
	f.mutex.Unlock()

	for _, handler := range handlers {
		handler(envelope)
	}
}

func (f *fakeTransport) sentOfType(envelopeType string) []transport.Message {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var messages []transport.Message
	for _, message := range f.sent {
		if message.Type == envelopeType {
			messages = append(messages, message)
		}
	}

	return messages
}

func (f *fakeTransport) leaveCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.left
}

// A data channel that is open from the start.
type openChannel struct {
	mutex  sync.Mutex
	closed bool
}

func (c *openChannel) Label() string { return chat.Label }

func (c *openChannel) ReadyState() webrtc.DataChannelState {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return webrtc.DataChannelStateClosed
	}
	return webrtc.DataChannelStateOpen
}

func (c *openChannel) SendText(string) error { return nil }
func (c *openChannel) OnOpen(func()) {}
func (c *openChannel) OnClose(func()) {}
func (c *openChannel) OnError(func(error)) {}
func (c *openChannel) OnMessage(func(webrtc.DataChannelMessage)) {}

func (c *openChannel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

type fakeSource struct {
	mutex    sync.Mutex
	created  int
	incoming webrtc_ext.DataChannel
}

func (s *fakeSource) CreateDataChannel(string) (webrtc_ext.DataChannel, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.created++
	return &openChannel{}, nil
}

func (s *fakeSource) OnDataChannel(_ string, handler func(webrtc_ext.DataChannel)) func() {
	s.mutex.Lock()
	incoming := s.incoming
	s.mutex.Unlock()

	if incoming != nil {
		handler(incoming)
	}

	return func() {}
}

func (s *fakeSource) setIncoming(channel webrtc_ext.DataChannel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.incoming = channel
}

func (s *fakeSource) createdCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.created
}

type fakePool struct {
	mutex            sync.Mutex
	calls            []string
	streams          []*media.LocalStream
	sessions         map[string]bool
	renegotiationErr error
	offerErr         error
	source           *fakeSource
	closed           bool
}

func (p *fakePool) open(participantID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.sessions == nil {
		p.sessions = make(map[string]bool)
	}
	p.sessions[participantID] = true
}

// Forgets the session like an eviction inside the pool would.
func (p *fakePool) drop(participantID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.sessions, participantID)
}

func (p *fakePool) record(call string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePool) SetLocalStream(stream *media.LocalStream) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.streams = append(p.streams, stream)
	return true
}

func (p *fakePool) ToggleTrackOnAll(kind media.Kind, enabled bool) bool {
	p.record("toggle:" + string(kind))
	return true
}

func (p *fakePool) CreateOffer(participantID string) (webrtc.SessionDescription, string, error) {
	p.record("create-offer:" + participantID)
	p.open(participantID)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, "c1", nil
}

func (p *fakePool) ProcessOffer(
	participantID string,
	_ webrtc.SessionDescription,
	connectionID string,
) (webrtc.SessionDescription, error) {
	p.record("process-offer:" + participantID + ":" + connectionID)

	p.mutex.Lock()
	err := p.offerErr
	p.offerErr = nil
	p.mutex.Unlock()

	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	p.open(participantID)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePool) ProcessAnswer(participantID string, _ webrtc.SessionDescription, connectionID string) error {
	p.record("process-answer:" + participantID + ":" + connectionID)
	return nil
}

func (p *fakePool) AddICECandidate(participantID string, _ webrtc.ICECandidateInit, connectionID string) error {
	p.record("add-candidate:" + participantID + ":" + connectionID)
	return nil
}

func (p *fakePool) HandleRenegotiation(participantID string) (webrtc.SessionDescription, string, error) {
	p.record("handle-renegotiation:" + participantID)

	p.mutex.Lock()
	err := p.renegotiationErr
	p.renegotiationErr = nil
	p.mutex.Unlock()

	if err != nil {
		return webrtc.SessionDescription{}, "", err
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "renegotiation"}, "c1", nil
}

func (p *fakePool) RemoveSession(participantID string) {
	p.record("remove:" + participantID)
	p.drop(participantID)
}

func (p *fakePool) ConnectionID(participantID string) (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return "c1", p.sessions[participantID]
}

func (p *fakePool) ChannelSource(string) (chat.ChannelSource, error) {
	return p.source, nil
}

func (p *fakePool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
}

func (p *fakePool) callsWithPrefix(prefix string) []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var calls []string
	for _, call := range p.calls {
		if strings.HasPrefix(call, prefix) {
			calls = append(calls, call)
		}
	}

	return calls
}

func (p *fakePool) isClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

type harness struct {
	sequencer *Sequencer
	identity  *fakeIdentity
	media     *fakeMedia
	transport *fakeTransport
	pool      *fakePool
	newPool   func(ctx context.Context) error

	mutex  sync.Mutex
	phases []Phase
	events []pool.Event
}

func testTimeouts() Timeouts {
	return Timeouts{
		Auth:        time.Second,
		Media:       time.Second,
		Connection:  time.Second,
		Signaling:   time.Second,
		Chat:        100 * time.Millisecond,
		Master:      10 * time.Second,
		ChannelOpen: 100 * time.Millisecond,
	}
}

// Creates a sequencer with fakes. `configure` may adjust the config and the fakes before start.
func newHarness(t *testing.T, configure func(*harness, *Config)) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		identity:  &fakeIdentity{StaticIdentity: store.NewStaticIdentity("@alice:example.org")},
		media:     &fakeMedia{},
		transport: &fakeTransport{},
		pool:      &fakePool{source: &fakeSource{}},
	}

	config := Config{
		RoomID:      "room",
		Constraints: media.Constraints{Audio: true},
		Timeouts:    testTimeouts(),
	}
	if configure != nil {
		configure(h, &config)
	}

	deps := Dependencies{
		Identity:  h.identity,
		Media:     h.media,
		Transport: h.transport,
		NewPool: func(ctx context.Context, onEvent func(pool.Event)) (SessionPool, error) {
			if h.newPool != nil {
				if err := h.newPool(ctx); err != nil {
					return nil, err
				}
			}
			return h.pool, nil
		},
		OnEvent: func(event pool.Event) {
			h.mutex.Lock()
			defer h.mutex.Unlock()
			h.events = append(h.events, event)
		},
	}

	h.sequencer = NewSequencer(context.Background(), config, deps, logrus.NewEntry(logger))
	h.sequencer.OnStateChange(func(state State) {
		h.mutex.Lock()
		defer h.mutex.Unlock()
		if len(h.phases) == 0 || h.phases[len(h.phases)-1] != state.Phase {
			h.phases = append(h.phases, state.Phase)
		}
	})

	require.NoError(t, h.sequencer.Start())
	t.Cleanup(h.sequencer.Close)

	return h
}

func (h *harness) visitedPhases() []Phase {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]Phase(nil), h.phases...)
}

func (h *harness) forwardedEvents() []pool.Event {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]pool.Event(nil), h.events...)
}

func (h *harness) waitForPhase(t *testing.T, phase Phase) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.sequencer.Phase() == phase
	}, 2*time.Second, 5*time.Millisecond, "never reached %s, stuck in %s", phase, h.sequencer.Phase())
}

func (h *harness) waitForAwaiting(t *testing.T) error {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.sequencer.State().Awaiting != nil
	}, 2*time.Second, 5*time.Millisecond)

	return h.sequencer.State().Awaiting
}

func (h *harness) waitForSent(t *testing.T, envelopeType string, count int) []transport.Message {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.transport.sentOfType(envelopeType)) >= count
	}, 2*time.Second, 5*time.Millisecond)

	return h.transport.sentOfType(envelopeType)
}

// Blocks until the context is done.
func blockUntilDone[T any](ctx context.Context) (T, error) {
	<-ctx.Done()
	var zero T
	return zero, ctx.Err()
}
