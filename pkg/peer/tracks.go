package peer

import (
	"errors"
	"io"

	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Attaches a local track. The connection asks for a renegotiation afterwards.
func (p *Peer[ID]) AddTrack(track media.LocalTrack, streamID string) error {
	p.mutex.Lock()
	if p.state == ConnectionStateClosed {
		p.mutex.Unlock()
		return ErrPeerClosed
	}

	if _, exists := p.localTracks[track.ID()]; exists {
		p.mutex.Unlock()
		return ErrTrackAlreadyAdded
	}
	p.mutex.Unlock()

	sender, err := p.peerConnection.AddTrack(track.Track)
	if err != nil {
		p.logger.WithError(err).WithField("track_id", track.ID()).Error("failed to add track")
		return ErrCantAddTrack
	}

	p.mutex.Lock()
	p.localTracks[track.ID()] = &localTrack{
		track:    track.Track,
		sender:   sender,
		kind:     track.Kind,
		streamID: streamID,
		enabled:  true,
	}
	p.mutex.Unlock()

	go p.readRTCP(sender, track.ID())

	p.logger.WithFields(logrus.Fields{
		"track_id": track.ID(),
		"kind":     track.Kind,
	}).Info("local track added")

	return nil
}

// Detaches a local track. The connection asks for a renegotiation afterwards.
func (p *Peer[ID]) RemoveTrack(trackID string) error {
	p.mutex.Lock()
	entry, found := p.localTracks[trackID]
	if found {
		delete(p.localTracks, trackID)
	}
	p.mutex.Unlock()

	if !found {
		return ErrTrackNotFound
	}

	if err := p.peerConnection.RemoveTrack(entry.sender); err != nil {
		p.logger.WithError(err).WithField("track_id", trackID).Error("failed to remove track")
		return ErrCantRemoveTrack
	}

	p.logger.WithField("track_id", trackID).Info("local track removed")
	return nil
}

// Replaces a local track in place, without renegotiation. The new track must be of the
// same codec type.
func (p *Peer[ID]) ReplaceTrack(oldTrackID string, newTrack media.LocalTrack) error {
	p.mutex.Lock()
	entry, found := p.localTracks[oldTrackID]
	p.mutex.Unlock()

	if !found {
		return ErrTrackNotFound
	}

	// A disabled track stays muted, it picks up the new track when it is enabled again.
	if entry.enabled {
		if err := entry.sender.ReplaceTrack(newTrack.Track); err != nil {
			p.logger.WithError(err).WithField("track_id", oldTrackID).Error("failed to replace track")
			return ErrCantReplaceTrack
		}
	}

	p.mutex.Lock()
	delete(p.localTracks, oldTrackID)
	p.localTracks[newTrack.ID()] = &localTrack{
		track:    newTrack.Track,
		sender:   entry.sender,
		kind:     newTrack.Kind,
		streamID: entry.streamID,
		enabled:  entry.enabled,
	}
	p.mutex.Unlock()

	p.logger.WithFields(logrus.Fields{
		"old_track_id": oldTrackID,
		"new_track_id": newTrack.ID(),
	}).Info("local track replaced")

	return nil
}

// Enables or disables all local tracks of the given kind in place, without renegotiation.
// A disabled track keeps its sender, it just doesn't send anything.
func (p *Peer[ID]) ToggleTrack(kind media.Kind, enabled bool) error {
	p.mutex.Lock()
	entries := make([]*localTrack, 0, 1)
	for _, entry := range p.localTracks {
		if entry.kind == kind {
			entries = append(entries, entry)
		}
	}
	p.mutex.Unlock()

	if len(entries) == 0 {
		return ErrTrackNotFound
	}

	for _, entry := range entries {
		var track webrtc.TrackLocal
		if enabled {
			track = entry.track
		}

		if err := entry.sender.ReplaceTrack(track); err != nil {
			p.logger.WithError(err).WithField("kind", kind).Error("failed to toggle track")
			return ErrCantReplaceTrack
		}

		p.mutex.Lock()
		entry.enabled = enabled
		p.mutex.Unlock()
	}

	p.logger.WithFields(logrus.Fields{"kind": kind, "enabled": enabled}).Info("local tracks toggled")
	return nil
}

// LocalTrackIDs returns the ids of the attached local tracks by kind.
func (p *Peer[ID]) LocalTrackIDs() map[media.Kind][]string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ids := make(map[media.Kind][]string)
	for id, entry := range p.localTracks {
		ids[entry.kind] = append(ids[entry.kind], id)
	}

	return ids
}

// Reads the RTCP sent by the remote peer for one of our tracks. Reading is also what makes
// the interceptors (NACK, reports) work.
func (p *Peer[ID]) readRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.WithError(err).WithField("track_id", trackID).Debug("stopped reading RTCP")
			}
			return
		}

		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.logger.WithField("track_id", trackID).Debug("key frame requested")
				p.sink.Send(KeyFrameRequestReceived{TrackID: trackID})
			}
		}
	}
}
