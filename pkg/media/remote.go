package media

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// DrainRemoteTrack reads RTP packets from a remote track until the track ends and
// hands each of them to `onPacket`. Returns nil when the track ended normally.
func DrainRemoteTrack(track *webrtc.TrackRemote, onPacket func(*rtp.Packet)) error {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		onPacket(packet)
	}
}
