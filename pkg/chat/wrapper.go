package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Label of the data channel that carries the chat.
const Label = "chat"

const DefaultOpenTimeout = 15 * time.Second

// ErrChannelTimeout is logged when the channel did not open in time. The call goes on without chat.
var ErrChannelTimeout = errors.New("chat channel did not open in time")

// ChannelSource creates outgoing data channels and delivers incoming ones.
type ChannelSource interface {
	CreateDataChannel(label string) (webrtc_ext.DataChannel, error)
	// The handler is also called for the channels with this label that arrived earlier.
	OnDataChannel(label string, handler func(webrtc_ext.DataChannel)) (unsubscribe func())
}

// Wrapper tracks a single chat channel and exchanges JSON framed messages over it.
type Wrapper struct {
	source      ChannelSource
	self        string
	openTimeout time.Duration
	logger      *logrus.Entry

	mutex           sync.Mutex
	channel         webrtc_ext.DataChannel
	closed          bool
	history         []Message
	nextHandlerID   uint64
	messageHandlers map[uint64]func(Message)
	readyHandlers   map[uint64]func(bool)
	stopListening   func()
}

// NewWrapper creates a wrapper that sends messages on behalf of `self`. A non-positive
// timeout means `DefaultOpenTimeout`.
func NewWrapper(source ChannelSource, self string, openTimeout time.Duration, logger *logrus.Entry) *Wrapper {
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}

	return &Wrapper{
		source:          source,
		self:            self,
		openTimeout:     openTimeout,
		logger:          logger.WithField("channel", Label),
		messageHandlers: make(map[uint64]func(Message)),
		readyHandlers:   make(map[uint64]func(bool)),
	}
}

// Initialize creates the channel (initiator) or waits for the remote one (responder) and
// returns true once it is open. Returns false on timeout or failure.
func (w *Wrapper) Initialize(ctx context.Context, asInitiator bool) bool {
	w.mutex.Lock()
	closed := w.closed
	w.mutex.Unlock()

	if closed {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, w.openTimeout)
	defer cancel()

	opened := make(chan struct{})
	var once sync.Once
	unsubscribe := w.OnReadyStateChange(func(ready bool) {
		if ready {
			once.Do(func() { close(opened) })
		}
	})
	defer unsubscribe()

	if asInitiator {
		channel, err := w.source.CreateDataChannel(Label)
		if err != nil {
			w.logger.WithError(err).Error("failed to create chat channel")
			return false
		}
		w.attach(channel)
	} else {
		w.mutex.Lock()
		previous := w.stopListening
		w.mutex.Unlock()

		if previous != nil {
			previous()
		}

		stop := w.source.OnDataChannel(Label, w.attach)

		w.mutex.Lock()
		w.stopListening = stop
		w.mutex.Unlock()
	}

	select {
	case <-opened:
		w.logger.WithField("initiator", asInitiator).Info("chat channel open")
		return true
	case <-ctx.Done():
		w.logger.WithError(ErrChannelTimeout).Warn("chat unavailable")

		w.mutex.Lock()
		stop := w.stopListening
		w.stopListening = nil
		w.mutex.Unlock()

		if stop != nil {
			stop()
		}
		return false
	}
}

// Send transmits the message. Returns false if there is no open channel or the transmission failed.
func (w *Wrapper) Send(message Message) bool {
	w.mutex.Lock()
	channel := w.channel
	w.mutex.Unlock()

	if channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		return false
	}

	if err := channel.SendText(string(data)); err != nil {
		w.logger.WithError(err).Warn("failed to send chat message")
		return false
	}

	message.IsLocal = true

	w.mutex.Lock()
	w.history = append(w.history, message)
	w.mutex.Unlock()

	return true
}

// SendText sends a new message with the given content from us.
func (w *Wrapper) SendText(content string) (Message, bool) {
	message := NewMessage(w.self, content)
	return message, w.Send(message)
}

// OnMessage registers a handler for the messages received from the remote side.
func (w *Wrapper) OnMessage(handler func(Message)) (unsubscribe func()) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	id := w.nextHandlerID
	w.nextHandlerID++
	w.messageHandlers[id] = handler

	return func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()
		delete(w.messageHandlers, id)
	}
}

// OnReadyStateChange registers a handler for the ready state. If a channel exists the handler
// is immediately called with its current state.
func (w *Wrapper) OnReadyStateChange(handler func(ready bool)) (unsubscribe func()) {
	w.mutex.Lock()
	id := w.nextHandlerID
	w.nextHandlerID++
	w.readyHandlers[id] = handler
	channel := w.channel
	w.mutex.Unlock()

	if channel != nil {
		handler(channel.ReadyState() == webrtc.DataChannelStateOpen)
	}

	return func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()
		delete(w.readyHandlers, id)
	}
}

// IsReady returns true if there is an open channel.
func (w *Wrapper) IsReady() bool {
	w.mutex.Lock()
	channel := w.channel
	w.mutex.Unlock()

	return channel != nil && channel.ReadyState() == webrtc.DataChannelStateOpen
}

// History returns the messages sent and received so far, in order.
func (w *Wrapper) History() []Message {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return append([]Message(nil), w.history...)
}

// Close closes the channel and drops all handlers. Safe to call more than once.
func (w *Wrapper) Close() {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return
	}

	w.closed = true
	channel := w.channel
	w.channel = nil
	stop := w.stopListening
	w.stopListening = nil
	readyHandlers := w.readyHandlerList()
	w.messageHandlers = make(map[uint64]func(Message))
	w.readyHandlers = make(map[uint64]func(bool))
	w.mutex.Unlock()

	if stop != nil {
		stop()
	}

	if channel != nil {
		if err := channel.Close(); err != nil {
			w.logger.WithError(err).Warn("failed to close chat channel")
		}
	}

	for _, handler := range readyHandlers {
		handler(false)
	}
}

// Attaches a channel, replacing (and closing) the current one.
func (w *Wrapper) attach(channel webrtc_ext.DataChannel) {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		channel.Close()
		return
	}

	previous := w.channel
	if previous == channel {
		w.mutex.Unlock()
		return
	}
	w.channel = channel
	w.mutex.Unlock()

	if previous != nil {
		w.logger.Info("replacing chat channel")
		previous.Close()
	}

	channel.OnOpen(func() {
		w.notifyReady(channel, true)
	})
	channel.OnClose(func() {
		w.notifyReady(channel, false)
	})
	channel.OnError(func(err error) {
		w.logger.WithError(err).Warn("chat channel error")
		w.notifyReady(channel, channel.ReadyState() == webrtc.DataChannelStateOpen)
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		w.receive(channel, msg.Data)
	})

	if channel.ReadyState() == webrtc.DataChannelStateOpen {
		w.notifyReady(channel, true)
	}
}

// Events of a replaced channel are ignored.
func (w *Wrapper) notifyReady(channel webrtc_ext.DataChannel, ready bool) {
	w.mutex.Lock()
	if w.channel != channel {
		w.mutex.Unlock()
		return
	}
	handlers := w.readyHandlerList()
	w.mutex.Unlock()

	for _, handler := range handlers {
		handler(ready)
	}
}

func (w *Wrapper) receive(channel webrtc_ext.DataChannel, data []byte) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		w.logger.WithError(err).Debug("dropping malformed chat message")
		return
	}

	// `null` and `{}` decode just fine.
	if message.ID == "" || message.Sender == "" {
		w.logger.Debug("dropping chat message without id or sender")
		return
	}
	message.IsLocal = false

	w.mutex.Lock()
	if w.channel != channel {
		w.mutex.Unlock()
		return
	}
	w.history = append(w.history, message)
	handlers := make([]func(Message), 0, len(w.messageHandlers))
	for _, handler := range w.messageHandlers {
		handlers = append(handlers, handler)
	}
	w.mutex.Unlock()

	for _, handler := range handlers {
		handler(message)
	}
}

func (w *Wrapper) readyHandlerList() []func(bool) {
	handlers := make([]func(bool), 0, len(w.readyHandlers))
	for _, handler := range w.readyHandlers {
		handlers = append(handlers, handler)
	}

	return handlers
}
