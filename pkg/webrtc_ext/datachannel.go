package webrtc_ext

import "github.com/pion/webrtc/v3"

var _ DataChannel = (*webrtc.DataChannel)(nil)

// DataChannel is the part of `webrtc.DataChannel` that the higher layers use.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(text string) error
	OnOpen(handler func())
	OnClose(handler func())
	OnError(handler func(err error))
	OnMessage(handler func(msg webrtc.DataChannelMessage))
	Close() error
}
