package pool

import (
	"github.com/matrix-org/meshcall/pkg/media"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Stores the local stream and brings every session in line with it: tracks of a kind present
// in both streams are replaced in place, tracks of a kind that disappeared are removed and
// tracks of a new kind are added. Returns true if every session was updated.
func (p *Pool) SetLocalStream(stream *media.LocalStream) bool {
	p.mutex.Lock()
	p.stream = stream
	p.mutex.Unlock()

	return p.forEachSession("set local stream", func(s *Session) bool {
		return applyStream(s, stream)
	})
}

// LocalStream returns the stream new sessions get attached.
func (p *Pool) LocalStream() *media.LocalStream {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stream
}

func applyStream(s *Session, stream *media.LocalStream) bool {
	current := s.LocalTrackIDs()
	success := true

	var streamID string
	var tracks []media.LocalTrack
	if stream != nil {
		streamID = stream.ID
		tracks = stream.Tracks
	}

	wanted := make(map[media.Kind]bool, len(tracks))
	for _, track := range tracks {
		wanted[track.Kind] = true

		ids := current[track.Kind]
		switch {
		case len(ids) == 0:
			success = s.AddTrack(track, streamID) == nil && success
		case ids[0] != track.ID():
			success = s.ReplaceTrack(ids[0], track) == nil && success
		}
	}

	for kind, ids := range current {
		if wanted[kind] {
			continue
		}

		for _, id := range ids {
			success = s.RemoveTrack(id) == nil && success
		}
	}

	return success
}

// Attaches the track to every session.
func (p *Pool) AddTrackToAll(track media.LocalTrack) bool {
	streamID := ""
	if stream := p.LocalStream(); stream != nil {
		streamID = stream.ID
	}

	return p.forEachSession("add track", func(s *Session) bool {
		return s.AddTrack(track, streamID) == nil
	})
}

// Detaches the track from every session.
func (p *Pool) RemoveTrackFromAll(trackID string) bool {
	return p.forEachSession("remove track", func(s *Session) bool {
		return s.RemoveTrack(trackID) == nil
	})
}

// Enables or disables the tracks of the given kind in every session.
func (p *Pool) ToggleTrackOnAll(kind media.Kind, enabled bool) bool {
	return p.forEachSession("toggle track", func(s *Session) bool {
		return s.ToggleTrack(kind, enabled) == nil
	})
}

// Applies the operation to every live session in participant order and logs the participants
// for which it failed.
func (p *Pool) forEachSession(operation string, apply func(*Session) bool) bool {
	p.mutex.Lock()
	sessions := make(map[string]*Session, len(p.sessions))
	for participantID, s := range p.sessions {
		if !s.state.Terminal() {
			sessions[participantID] = s.peer
		}
	}
	p.mutex.Unlock()

	participants := maps.Keys(sessions)
	slices.Sort(participants)

	var failed []string
	for _, participantID := range participants {
		if !apply(sessions[participantID]) {
			failed = append(failed, participantID)
		}
	}

	if len(failed) > 0 {
		p.logger.WithField("participants", failed).Warnf("%s failed for some sessions", operation)
		return false
	}

	return true
}
