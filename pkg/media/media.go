package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
)

var ErrUnknownDevice = errors.New("unknown device")

// Kind of a local track. Screen sharing is a video track on the wire, but it is
// attached and toggled independently from the camera.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

// CodecType returns the RTP codec type the kind is carried with.
func (k Kind) CodecType() webrtc.RTPCodecType {
	if k == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}

	return webrtc.RTPCodecTypeVideo
}

// A local track together with its kind.
type LocalTrack struct {
	Track webrtc.TrackLocal
	Kind  Kind
}

func (t LocalTrack) ID() string {
	return t.Track.ID()
}

// LocalStream is the set of local tracks acquired from the devices. It is shared
// read-only between all peer sessions.
type LocalStream struct {
	ID     string
	Tracks []LocalTrack
}

// TrackByKind returns the first track of the given kind.
func (s *LocalStream) TrackByKind(kind Kind) (LocalTrack, bool) {
	if s == nil {
		return LocalTrack{}, false
	}

	for _, track := range s.Tracks {
		if track.Kind == kind {
			return track, true
		}
	}

	return LocalTrack{}, false
}

// Which kinds of media to acquire.
type Constraints struct {
	Audio  bool `yaml:"audio"`
	Video  bool `yaml:"video"`
	Screen bool `yaml:"screen"`
}

type Device struct {
	ID    string
	Label string
	Kind  Kind
}

// Acquirer is the device/media acquisition contract. The startup sequencer is its only consumer.
type Acquirer interface {
	// Acquires the local media according to the constraints.
	Acquire(ctx context.Context, constraints Constraints) (*LocalStream, error)
	// Lists available capture devices.
	EnumerateDevices(ctx context.Context) ([]Device, error)
	// Switches the device used for the given kind. Returns `false` if the switch failed.
	SwitchDevice(ctx context.Context, kind Kind, deviceID string) bool
	// The currently acquired stream, nil before `Acquire`.
	Stream() *LocalStream
	// Releases a stream that was acquired but is not going to be used.
	Release(stream *LocalStream)
}
