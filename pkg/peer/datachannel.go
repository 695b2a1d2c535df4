package peer

import (
	"sync"

	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
)

// Incoming data channels by label. Channels that arrive before anyone listens for their label
// are kept until a listener shows up.
type dataChannels struct {
	mutex     sync.Mutex
	unclaimed map[string][]*webrtc.DataChannel
	listeners map[string]map[uint64]func(webrtc_ext.DataChannel)
	nextID    uint64
}

func (d *dataChannels) init() {
	d.unclaimed = make(map[string][]*webrtc.DataChannel)
	d.listeners = make(map[string]map[uint64]func(webrtc_ext.DataChannel))
}

// Creates an ordered, reliable data channel. The first one on a connection triggers
// a renegotiation.
func (p *Peer[ID]) CreateDataChannel(label string) (webrtc_ext.DataChannel, error) {
	if p.ConnectionState() == ConnectionStateClosed {
		return nil, ErrPeerClosed
	}

	dataChannel, err := p.peerConnection.CreateDataChannel(label, nil)
	if err != nil {
		p.logger.WithError(err).WithField("label", label).Error("failed to create data channel")
		return nil, ErrCantCreateDataChannel
	}

	p.logger.WithField("label", label).Info("data channel created")
	return dataChannel, nil
}

// Registers a handler for the incoming data channels with the given label. Channels that
// arrived earlier are handed over immediately.
func (p *Peer[ID]) OnDataChannel(label string, handler func(webrtc_ext.DataChannel)) (unsubscribe func()) {
	d := &p.dataChannels

	d.mutex.Lock()
	id := d.nextID
	d.nextID++
	if d.listeners[label] == nil {
		d.listeners[label] = make(map[uint64]func(webrtc_ext.DataChannel))
	}
	d.listeners[label][id] = handler
	unclaimed := d.unclaimed[label]
	delete(d.unclaimed, label)
	d.mutex.Unlock()

	for _, dataChannel := range unclaimed {
		handler(dataChannel)
	}

	return func() {
		d.mutex.Lock()
		defer d.mutex.Unlock()
		delete(d.listeners[label], id)
	}
}

// A callback that is called once the remote peer opened a data channel.
func (p *Peer[ID]) onDataChannelReceived(dataChannel *webrtc.DataChannel) {
	label := dataChannel.Label()
	p.logger.WithField("label", label).Info("data channel received")

	d := &p.dataChannels
	d.mutex.Lock()
	handlers := make([]func(webrtc_ext.DataChannel), 0, len(d.listeners[label]))
	for _, handler := range d.listeners[label] {
		handlers = append(handlers, handler)
	}
	if len(handlers) == 0 {
		d.unclaimed[label] = append(d.unclaimed[label], dataChannel)
	}
	d.mutex.Unlock()

	for _, handler := range handlers {
		handler(dataChannel)
	}
}
