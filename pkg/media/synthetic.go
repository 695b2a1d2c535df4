package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Opus encoding of 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const packetInterval = 20 * time.Millisecond

var errNothingToAcquire = errors.New("constraints request no media")

// SyntheticSource is an `Acquirer` without capture hardware: it produces RTP tracks that
// carry generated packets. It is used by the command line client and in tests.
type SyntheticSource struct {
	logger *logrus.Entry

	mutex   sync.Mutex
	stream  *LocalStream
	devices map[Kind]string
	stop    context.CancelFunc
}

func NewSyntheticSource(logger *logrus.Entry) *SyntheticSource {
	return &SyntheticSource{
		logger: logger,
		devices: map[Kind]string{
			KindAudio:  "synthetic-audio-0",
			KindVideo:  "synthetic-video-0",
			KindScreen: "synthetic-screen-0",
		},
	}
}

func (s *SyntheticSource) Acquire(ctx context.Context, constraints Constraints) (*LocalStream, error) {
	kinds := []Kind{}
	if constraints.Audio {
		kinds = append(kinds, KindAudio)
	}
	if constraints.Video {
		kinds = append(kinds, KindVideo)
	}
	if constraints.Screen {
		kinds = append(kinds, KindScreen)
	}

	if len(kinds) == 0 {
		return nil, errNothingToAcquire
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	stream := &LocalStream{ID: uuid.NewString()}
	for _, kind := range kinds {
		track, err := newSyntheticTrack(kind, s.devices[kind], stream.ID)
		if err != nil {
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, LocalTrack{Track: track, Kind: kind})
	}

	s.replaceStream(stream)
	return stream, nil
}

func (s *SyntheticSource) EnumerateDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := []Device{}
	for _, kind := range []Kind{KindAudio, KindVideo, KindScreen} {
		for i := 0; i < 2; i++ {
			devices = append(devices, Device{
				ID:    fmt.Sprintf("synthetic-%s-%d", kind, i),
				Label: fmt.Sprintf("Synthetic %s #%d", kind, i),
				Kind:  kind,
			})
		}
	}

	return devices, nil
}

// SwitchDevice re-creates the track of the given kind, so the new stream has the same
// kinds with a different track ID for the switched one.
func (s *SyntheticSource) SwitchDevice(ctx context.Context, kind Kind, deviceID string) bool {
	devices, err := s.EnumerateDevices(ctx)
	if err != nil {
		return false
	}

	known := false
	for _, device := range devices {
		if device.ID == deviceID && device.Kind == kind {
			known = true
		}
	}
	if !known {
		s.logger.WithError(ErrUnknownDevice).WithField("device_id", deviceID).Warn("can't switch device")
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stream == nil {
		s.devices[kind] = deviceID
		return true
	}

	stream := &LocalStream{ID: s.stream.ID}
	for _, existing := range s.stream.Tracks {
		if existing.Kind != kind {
			stream.Tracks = append(stream.Tracks, existing)
			continue
		}

		track, err := newSyntheticTrack(kind, deviceID, stream.ID)
		if err != nil {
			s.logger.WithError(err).Error("failed to create track for the new device")
			return false
		}
		stream.Tracks = append(stream.Tracks, LocalTrack{Track: track, Kind: kind})
	}

	s.devices[kind] = deviceID
	s.replaceStream(stream)
	return true
}

func (s *SyntheticSource) Stream() *LocalStream {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.stream
}

// Release stops generating packets for the stream if it is the current one. Streams that were
// replaced in the meantime are already stopped.
func (s *SyntheticSource) Release(stream *LocalStream) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if stream == nil || s.stream != stream {
		return
	}

	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.stream = nil
}

// Stops generating packets.
func (s *SyntheticSource) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// Must be called with the mutex held.
func (s *SyntheticSource) replaceStream(stream *LocalStream) {
	if s.stop != nil {
		s.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stream = stream
	s.stop = cancel

	for _, track := range stream.Tracks {
		if rtpTrack, ok := track.Track.(*webrtc.TrackLocalStaticRTP); ok {
			go generatePackets(ctx, rtpTrack, track.Kind, s.logger)
		}
	}
}

func newSyntheticTrack(kind Kind, deviceID, streamID string) (*webrtc.TrackLocalStaticRTP, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}

	trackID := fmt.Sprintf("%s-%s", deviceID, uuid.NewString()[:8])
	track, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	return track, nil
}

func generatePackets(ctx context.Context, track *webrtc.TrackLocalStaticRTP, kind Kind, logger *logrus.Entry) {
	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()

	clockRate := track.Codec().ClockRate
	timestampStep := uint32(uint64(clockRate) * uint64(packetInterval) / uint64(time.Second))

	packet := &rtp.Packet{Header: rtp.Header{Version: 2, Marker: true}}
	payload := opusSilence
	if kind != KindAudio {
		// A VP8 payload descriptor followed by a tiny (undecodable) frame.
		payload = []byte{0x10, 0x00, 0x00, 0x00}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		packet.SequenceNumber++
		packet.Timestamp += timestampStep
		packet.Payload = payload

		if err := track.WriteRTP(packet); err != nil {
			logger.WithError(err).WithField("track_id", track.ID()).Debug("failed to write synthetic packet")
		}
	}
}
