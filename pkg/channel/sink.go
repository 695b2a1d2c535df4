package channel

import (
	"errors"
	"sync/atomic"
)

var ErrSinkSealed = errors.New("sink is sealed")

// Message is a value posted into a shared sink together with the identity of its producer.
// Many producers (peer sessions) share one sink, the consumer learns who sent what from `Sender`.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}

// SinkWithSender binds a producer identity to a shared channel, so that a producer can only
// ever post messages on its own behalf. Sealing a sink stops this producer (and only this one)
// from posting further messages, the underlying channel stays open for the others.
type SinkWithSender[SenderType comparable, MessageType any] struct {
	sender      SenderType
	messageSink chan<- Message[SenderType, MessageType]
	// Closed on `Seal()`, unblocks senders that wait on a full sink.
	sealed        chan struct{}
	alreadySealed atomic.Bool
}

// Creates a sink for the given sender. The sink does not own `messageSink` and never closes it.
func NewSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *SinkWithSender[S, M] {
	return &SinkWithSender[S, M]{
		sender:      sender,
		messageSink: messageSink,
		sealed:      make(chan struct{}),
	}
}

// Posts a message. Blocks while the sink is full unless the sink gets sealed in the meantime.
func (s *SinkWithSender[S, M]) Send(message M) error {
	if s.alreadySealed.Load() {
		return ErrSinkSealed
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.messageSink <- Message[S, M]{Sender: s.sender, Content: message}:
		return nil
	}
}

// Seals the sink. Safe to call more than once. A `Send` racing with `Seal` may still deliver
// its message if the consumer was ready to receive it at that moment.
func (s *SinkWithSender[S, M]) Seal() {
	if !s.alreadySealed.CompareAndSwap(false, true) {
		return
	}

	close(s.sealed)
}
