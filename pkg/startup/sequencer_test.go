package startup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matrix-org/meshcall/pkg/media"
	"github.com/matrix-org/meshcall/pkg/peer"
	"github.com/matrix-org/meshcall/pkg/pool"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offerEnvelope(t *testing.T, sender, connectionID string) store.Envelope {
	t.Helper()

	data, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote offer"})
	require.NoError(t, err)

	return store.Envelope{
		Type:         store.TypeOffer,
		Sender:       sender,
		Receiver:     "me",
		RoomID:       "room",
		ConnectionID: connectionID,
		Data:         data,
	}
}

func answerEnvelope(t *testing.T, sender, connectionID string) store.Envelope {
	t.Helper()

	data, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote answer"})
	require.NoError(t, err)

	return store.Envelope{
		Type:         store.TypeAnswer,
		Sender:       sender,
		Receiver:     "me",
		RoomID:       "room",
		ConnectionID: connectionID,
		Data:         data,
	}
}

func TestSequencePassesAllPhasesInOrder(t *testing.T) {
	h := newHarness(t, nil)

	h.waitForPhase(t, PhaseComplete)

	assert.Equal(t, []Phase{
		PhaseAuth,
		PhaseMedia,
		PhaseConnecting,
		PhaseSignaling,
		PhaseChat,
		PhaseComplete,
	}, h.visitedPhases())
	assert.True(t, h.sequencer.IsReady())
	assert.NoError(t, h.sequencer.Wait(context.Background()))
	assert.Equal(t, "room", h.sequencer.RoomID())
	assert.Equal(t, "me", h.sequencer.ParticipantID())

	h.pool.mutex.Lock()
	defer h.pool.mutex.Unlock()
	require.Len(t, h.pool.streams, 1)
	assert.Equal(t, "local", h.pool.streams[0].ID)
}

func TestRoomIsCreatedWithoutRoomID(t *testing.T) {
	h := newHarness(t, func(_ *harness, config *Config) {
		config.RoomID = ""
	})

	h.waitForPhase(t, PhaseComplete)
	assert.Equal(t, "created", h.sequencer.RoomID())
}

func TestSkippedMediaGoesStraightToComplete(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.media.acquire = func(context.Context, int) (*media.LocalStream, error) {
			return nil, errors.New("no camera")
		}
	})

	err := h.waitForAwaiting(t)
	var acquisitionErr *AcquisitionError
	require.ErrorAs(t, err, &acquisitionErr)
	assert.Equal(t, PhaseMedia, acquisitionErr.Phase)
	assert.Equal(t, PhaseMedia, h.sequencer.Phase())

	require.NoError(t, h.sequencer.Skip(PhaseMedia))
	h.waitForPhase(t, PhaseComplete)

	assert.NotContains(t, h.visitedPhases(), PhaseChat)

	h.pool.mutex.Lock()
	defer h.pool.mutex.Unlock()
	assert.Empty(t, h.pool.streams)
}

func TestFailedMediaCanBeRetried(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.media.acquire = func(_ context.Context, attempt int) (*media.LocalStream, error) {
			if attempt == 1 {
				return nil, errors.New("device busy")
			}
			return &media.LocalStream{ID: "second"}, nil
		}
	})

	h.waitForAwaiting(t)
	require.NoError(t, h.sequencer.Retry(PhaseMedia))
	h.waitForPhase(t, PhaseComplete)

	h.pool.mutex.Lock()
	defer h.pool.mutex.Unlock()
	require.Len(t, h.pool.streams, 1)
	assert.Equal(t, "second", h.pool.streams[0].ID)
}

func TestMediaTimeoutWaitsForTheUser(t *testing.T) {
	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Media = 50 * time.Millisecond
		h.media.acquire = func(ctx context.Context, _ int) (*media.LocalStream, error) {
			return blockUntilDone[*media.LocalStream](ctx)
		}
	})

	err := h.waitForAwaiting(t)
	var timeoutErr *PhaseTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, PhaseMedia, timeoutErr.Phase)

	// Nothing is forced while waiting for the user.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PhaseMedia, h.sequencer.Phase())

	require.NoError(t, h.sequencer.Skip(PhaseMedia))
	h.waitForPhase(t, PhaseComplete)
}

func TestStreamAcquiredAfterSkipIsReleased(t *testing.T) {
	late := &media.LocalStream{ID: "late"}
	unblock := make(chan struct{})

	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Media = 50 * time.Millisecond
		h.media.acquire = func(context.Context, int) (*media.LocalStream, error) {
			// Ignores the cancellation like a slow device would.
			<-unblock
			return late, nil
		}
	})

	h.waitForAwaiting(t)
	require.NoError(t, h.sequencer.Skip(PhaseMedia))
	h.waitForPhase(t, PhaseComplete)

	close(unblock)

	require.Eventually(t, func() bool {
		return len(h.media.releasedStreams()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Same(t, late, h.media.releasedStreams()[0])

	h.pool.mutex.Lock()
	defer h.pool.mutex.Unlock()
	assert.Empty(t, h.pool.streams)
}

func TestAuthTimeoutDegrades(t *testing.T) {
	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Auth = 50 * time.Millisecond
		h.identity.signIn = blockUntilDone[store.Identity]
	})

	h.waitForPhase(t, PhaseComplete)
	assert.Contains(t, h.visitedPhases(), PhaseMedia)
}

func TestConnectionSetupFailureCanBeSkipped(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.newPool = func(context.Context) error {
			return errors.New("bad ICE servers")
		}
	})

	h.waitForAwaiting(t)
	assert.Equal(t, PhaseConnecting, h.sequencer.Phase())

	require.NoError(t, h.sequencer.Skip(PhaseConnecting))
	h.waitForPhase(t, PhaseComplete)

	// Without a pool the signaling messages have nowhere to go.
	h.transport.deliver(offerEnvelope(t, "bob", "c1"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.transport.sentOfType(store.TypeAnswer))
}

func TestSignalingFailureIsFatal(t *testing.T) {
	joinErr := errors.New("room not found")
	h := newHarness(t, func(h *harness, _ *Config) {
		h.transport.join = func(context.Context, string) (string, error) {
			return "", joinErr
		}
	})

	h.waitForPhase(t, PhaseFailed)
	assert.ErrorIs(t, h.sequencer.Wait(context.Background()), joinErr)
	assert.False(t, h.sequencer.IsReady())
	assert.ErrorIs(t, h.sequencer.Retry(PhaseSignaling), ErrWrongPhase)
}

func TestSignalingTimeoutIsFatal(t *testing.T) {
	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Signaling = 50 * time.Millisecond
		h.transport.join = func(ctx context.Context, _ string) (string, error) {
			return blockUntilDone[string](ctx)
		}
	})

	h.waitForPhase(t, PhaseFailed)

	var timeoutErr *PhaseTimeoutError
	require.ErrorAs(t, h.sequencer.State().Err, &timeoutErr)
	assert.Equal(t, PhaseSignaling, timeoutErr.Phase)
	assert.False(t, timeoutErr.Master)
}

func TestMasterTimeoutHaltsTheSequence(t *testing.T) {
	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Media = time.Hour
		config.Timeouts.Master = 100 * time.Millisecond
		h.media.acquire = func(ctx context.Context, _ int) (*media.LocalStream, error) {
			return blockUntilDone[*media.LocalStream](ctx)
		}
	})

	h.waitForPhase(t, PhaseFailed)

	var timeoutErr *PhaseTimeoutError
	require.ErrorAs(t, h.sequencer.State().Err, &timeoutErr)
	assert.True(t, timeoutErr.Master)
	assert.Equal(t, PhaseMedia, timeoutErr.Phase)
}

func TestStaleTimeoutIsANoOp(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(h *harness, _ *Config) {
		h.newPool = func(context.Context) error {
			<-release
			return nil
		}
	})

	h.waitForPhase(t, PhaseConnecting)

	// Whatever attempt the media timeout belonged to, the phase is over.
	for attempt := uint64(0); attempt < 8; attempt++ {
		h.sequencer.inbox.post(phaseTimeout{phase: PhaseMedia, attempt: attempt})
	}
	time.Sleep(50 * time.Millisecond)

	state := h.sequencer.State()
	assert.Equal(t, PhaseConnecting, state.Phase)
	assert.NoError(t, state.Awaiting)
	assert.NoError(t, state.Err)

	close(release)
	h.waitForPhase(t, PhaseComplete)
}

func TestSkipAndRetryRules(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.transport.join = func(ctx context.Context, _ string) (string, error) {
			return blockUntilDone[string](ctx)
		}
	})

	h.waitForPhase(t, PhaseSignaling)

	assert.ErrorIs(t, h.sequencer.Skip(PhaseSignaling), ErrNotSkippable)
	assert.ErrorIs(t, h.sequencer.Retry(PhaseSignaling), ErrNothingToRetry)
	assert.ErrorIs(t, h.sequencer.Skip(PhaseMedia), ErrWrongPhase)
}

func TestOfferIsAnswered(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.transport.deliver(offerEnvelope(t, "bob", "c7"))

	answers := h.waitForSent(t, store.TypeAnswer, 1)
	assert.Equal(t, "bob", answers[0].Receiver)
	assert.Equal(t, "c7", answers[0].ConnectionID)
	assert.Equal(t, []string{"process-offer:bob:c7"}, h.pool.callsWithPrefix("process-offer"))
}

func TestMissingConnectionIDIsGenerated(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.transport.deliver(offerEnvelope(t, "bob", ""))

	answers := h.waitForSent(t, store.TypeAnswer, 1)
	require.NotEmpty(t, answers[0].ConnectionID)
	assert.Equal(t,
		[]string{"process-offer:bob:" + answers[0].ConnectionID},
		h.pool.callsWithPrefix("process-offer"),
	)
}

func TestAnswerWithoutConnectionIDUsesTheCurrentOne(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "bob"})
	h.waitForSent(t, store.TypeOffer, 1)

	h.transport.deliver(answerEnvelope(t, "bob", ""))

	require.Eventually(t, func() bool {
		return len(h.pool.callsWithPrefix("process-answer")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"process-answer:bob:c1"}, h.pool.callsWithPrefix("process-answer"))
}

func TestAnswersAndCandidatesAreRouted(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.transport.deliver(answerEnvelope(t, "bob", "c1"))

	candidate, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host"})
	require.NoError(t, err)
	h.transport.deliver(store.Envelope{
		Type:         store.TypeICECandidate,
		Sender:       "bob",
		ConnectionID: "c1",
		Data:         candidate,
	})

	// Garbage is dropped without reaching the pool.
	h.transport.deliver(store.Envelope{Type: store.TypeAnswer, Sender: "bob", Data: []byte("{")})

	require.Eventually(t, func() bool {
		return len(h.pool.callsWithPrefix("add-candidate")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"process-answer:bob:c1"}, h.pool.callsWithPrefix("process-answer"))
	assert.Equal(t, []string{"add-candidate:bob:c1"}, h.pool.callsWithPrefix("add-candidate"))
}

func TestNewcomerGetsAnOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	joined := store.Envelope{Type: store.TypeUserJoined, Sender: "carol"}
	h.transport.deliver(joined)
	// Announcements may be seen twice.
	h.transport.deliver(joined)

	offers := h.waitForSent(t, store.TypeOffer, 1)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, h.transport.sentOfType(store.TypeOffer), 1)
	assert.Equal(t, "carol", offers[0].Receiver)
	assert.Equal(t, "c1", offers[0].ConnectionID)
	assert.Equal(t, 1, h.pool.source.createdCount())
}

func TestLeavingParticipantIsRemoved(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.transport.deliver(store.Envelope{Type: store.TypeUserLeft, Sender: "bob"})

	require.Eventually(t, func() bool {
		return len(h.pool.callsWithPrefix("remove:bob")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLocalCandidatesAreSent(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.sequencer.onPoolEvent(pool.Event{
		ParticipantID: "bob",
		Content: peer.NewICECandidate{
			Candidate:    webrtc.ICECandidateInit{Candidate: "candidate"},
			ConnectionID: "c3",
		},
	})

	candidates := h.waitForSent(t, store.TypeICECandidate, 1)
	assert.Equal(t, "bob", candidates[0].Receiver)
	assert.Equal(t, "c3", candidates[0].ConnectionID)
}

func TestRenegotiationSendsExactlyOneOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "bob", Content: peer.RenegotiationRequired{}})

	offers := h.waitForSent(t, store.TypeOffer, 1)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, h.transport.sentOfType(store.TypeOffer), 1)
	assert.Equal(t, "bob", offers[0].Receiver)
	assert.Equal(t, "c1", offers[0].ConnectionID)
	assert.Len(t, h.pool.callsWithPrefix("handle-renegotiation:bob"), 1)
}

func TestRenegotiationWaitsForStableConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.pool.mutex.Lock()
	h.pool.renegotiationErr = peer.ErrNotStable
	h.pool.mutex.Unlock()

	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "bob", Content: peer.RenegotiationRequired{}})
	require.Eventually(t, func() bool {
		return len(h.pool.callsWithPrefix("handle-renegotiation")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.transport.sentOfType(store.TypeOffer))

	h.transport.deliver(answerEnvelope(t, "bob", "c1"))

	offers := h.waitForSent(t, store.TypeOffer, 1)
	assert.Equal(t, "c1", offers[0].ConnectionID)
	assert.Len(t, h.pool.callsWithPrefix("handle-renegotiation"), 2)
}

func TestPoolEventsAreForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "bob", Content: pool.SessionRemoved{Reason: "removed"}})

	require.Eventually(t, func() bool {
		return len(h.forwardedEvents()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", h.forwardedEvents()[0].ParticipantID)
}

func TestChatBindsAsInitiatorToNewcomer(t *testing.T) {
	h := newHarness(t, func(_ *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
		config.Timeouts.ChannelOpen = time.Second
	})
	h.waitForPhase(t, PhaseChat)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "carol"})

	h.waitForPhase(t, PhaseComplete)
	require.NotNil(t, h.sequencer.Chat())
	assert.True(t, h.sequencer.Chat().IsReady())
	// The channel created for the offer is the one the chat uses.
	assert.Equal(t, 1, h.pool.source.createdCount())
}

func TestChatBindsAsResponderToOfferer(t *testing.T) {
	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
		config.Timeouts.ChannelOpen = time.Second
		h.pool.source.setIncoming(&openChannel{})
	})
	h.waitForPhase(t, PhaseChat)

	h.transport.deliver(offerEnvelope(t, "bob", "c1"))

	h.waitForPhase(t, PhaseComplete)
	require.NotNil(t, h.sequencer.Chat())
	assert.True(t, h.sequencer.Chat().IsReady())
	assert.Zero(t, h.pool.source.createdCount())
}

func TestChatIsBoundLateWhenASessionConnects(t *testing.T) {
	h := newHarness(t, func(_ *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
		config.Timeouts.ChannelOpen = 50 * time.Millisecond
	})
	h.waitForPhase(t, PhaseChat)

	// Nobody opens a channel, the chat fails but the call goes on.
	h.transport.deliver(offerEnvelope(t, "bob", "c1"))
	h.waitForPhase(t, PhaseComplete)
	require.Eventually(t, func() bool {
		return h.sequencer.Chat() == nil
	}, time.Second, 5*time.Millisecond)

	h.pool.source.setIncoming(&openChannel{})
	h.sequencer.onPoolEvent(pool.Event{
		ParticipantID: "bob",
		Content:       peer.ConnectionStateChanged{State: peer.ConnectionStateConnected},
	})

	require.Eventually(t, func() bool {
		chat := h.sequencer.Chat()
		return chat != nil && chat.IsReady()
	}, time.Second, 5*time.Millisecond)
}

func TestRemovedChatSessionUnbindsChat(t *testing.T) {
	h := newHarness(t, func(_ *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
	})
	h.waitForPhase(t, PhaseChat)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "carol"})
	h.waitForPhase(t, PhaseComplete)
	require.NotNil(t, h.sequencer.Chat())

	h.pool.drop("carol")
	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "carol", Content: pool.SessionRemoved{Reason: pool.ReasonRemoved}})

	require.Eventually(t, func() bool {
		return h.sequencer.Chat() == nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.transport.sentOfType(store.TypeOffer), 1)
}

func TestLostSessionIsOfferedAgain(t *testing.T) {
	h := newHarness(t, func(_ *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
	})
	h.waitForPhase(t, PhaseChat)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "carol"})
	h.waitForPhase(t, PhaseComplete)
	first := h.sequencer.Chat()
	require.NotNil(t, first)

	h.pool.drop("carol")
	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "carol", Content: pool.SessionRemoved{Reason: pool.ReasonNegotiationFailed}})

	offers := h.waitForSent(t, store.TypeOffer, 2)
	assert.Equal(t, "carol", offers[1].Receiver)
	assert.Len(t, h.pool.callsWithPrefix("create-offer:carol"), 2)

	// The chat follows the new session.
	require.Eventually(t, func() bool {
		chat := h.sequencer.Chat()
		return chat != nil && chat != first && chat.IsReady()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.pool.source.createdCount())
}

func TestLostSessionIsOfferedAgainOnlyAFewTimes(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "carol"})
	h.waitForSent(t, store.TypeOffer, 1)

	for i := 1; i <= maxReoffers; i++ {
		h.pool.drop("carol")
		h.sequencer.onPoolEvent(pool.Event{ParticipantID: "carol", Content: pool.SessionRemoved{Reason: "failed"}})
		h.waitForSent(t, store.TypeOffer, 1+i)
	}

	h.pool.drop("carol")
	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "carol", Content: pool.SessionRemoved{Reason: "failed"}})
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, h.transport.sentOfType(store.TypeOffer), 1+maxReoffers)
}

func TestRemovalOfReplacedSessionIsIgnored(t *testing.T) {
	h := newHarness(t, func(_ *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
	})
	h.waitForPhase(t, PhaseChat)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "carol"})
	h.waitForPhase(t, PhaseComplete)
	bound := h.sequencer.Chat()
	require.NotNil(t, bound)

	// The pool still has a session for carol, so the removal is about an older one.
	h.sequencer.onPoolEvent(pool.Event{ParticipantID: "carol", Content: pool.SessionRemoved{Reason: pool.ReasonReplaced}})

	require.Eventually(t, func() bool {
		return len(h.forwardedEvents()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Same(t, bound, h.sequencer.Chat())
	assert.Len(t, h.transport.sentOfType(store.TypeOffer), 1)
}

func TestOfferCollisionIsResolvedByParticipantID(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	// "bob" sorts before "me", we keep our offer and bob answers it.
	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "bob"})
	h.waitForSent(t, store.TypeOffer, 1)

	h.pool.mutex.Lock()
	h.pool.offerErr = peer.ErrOfferCollision
	h.pool.mutex.Unlock()

	h.transport.deliver(offerEnvelope(t, "bob", "c5"))
	require.Eventually(t, func() bool {
		return len(h.pool.callsWithPrefix("process-offer:bob")) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, h.transport.sentOfType(store.TypeAnswer))
	assert.Empty(t, h.pool.callsWithPrefix("remove:bob"))

	// "zed" sorts after "me", we drop our session and answer theirs.
	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "zed"})
	h.waitForSent(t, store.TypeOffer, 2)

	h.pool.mutex.Lock()
	h.pool.offerErr = peer.ErrOfferCollision
	h.pool.mutex.Unlock()

	h.transport.deliver(offerEnvelope(t, "zed", "c9"))

	answers := h.waitForSent(t, store.TypeAnswer, 1)
	assert.Equal(t, "zed", answers[0].Receiver)
	assert.Equal(t, "c9", answers[0].ConnectionID)
	assert.Equal(t, []string{"remove:zed"}, h.pool.callsWithPrefix("remove:zed"))
	assert.Equal(t, []string{"process-offer:zed:c9", "process-offer:zed:c9"}, h.pool.callsWithPrefix("process-offer:zed"))
}

func TestCollisionMovesTheChatToTheWinningOffer(t *testing.T) {
	h := newHarness(t, func(h *harness, config *Config) {
		config.Timeouts.Chat = 5 * time.Second
		config.Timeouts.ChannelOpen = time.Second
	})
	h.waitForPhase(t, PhaseChat)

	h.transport.deliver(store.Envelope{Type: store.TypeUserJoined, Sender: "zed"})
	h.waitForPhase(t, PhaseComplete)
	initiated := h.sequencer.Chat()
	require.NotNil(t, initiated)

	h.pool.source.setIncoming(&openChannel{})
	h.pool.mutex.Lock()
	h.pool.offerErr = peer.ErrOfferCollision
	h.pool.mutex.Unlock()

	h.transport.deliver(offerEnvelope(t, "zed", "c9"))

	require.Eventually(t, func() bool {
		chat := h.sequencer.Chat()
		return chat != nil && chat != initiated && chat.IsReady()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.pool.source.createdCount())
}

func TestDeviceSwitchReplacesTheStream(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	require.True(t, h.sequencer.SwitchDevice(context.Background(), media.KindAudio, "headset"))
	require.True(t, h.sequencer.ToggleTrack(media.KindAudio, false))

	h.pool.mutex.Lock()
	defer h.pool.mutex.Unlock()
	require.Len(t, h.pool.streams, 2)
	assert.Equal(t, "headset", h.pool.streams[1].ID)
	assert.Contains(t, h.pool.calls, "toggle:audio")
}

func TestSignOutTearsTheCallDown(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	require.NoError(t, h.identity.SignOut(context.Background()))

	h.waitForPhase(t, PhaseFailed)
	assert.ErrorIs(t, h.sequencer.State().Err, ErrSignedOut)
	assert.True(t, h.pool.isClosed())
	assert.Equal(t, 1, h.transport.leaveCount())
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.waitForPhase(t, PhaseComplete)

	h.sequencer.Close()
	h.sequencer.Close()

	assert.True(t, h.pool.isClosed())
	assert.GreaterOrEqual(t, h.transport.leaveCount(), 1)
	assert.Equal(t, PhaseComplete, h.sequencer.Phase())
	assert.ErrorIs(t, h.sequencer.Start(), ErrSequencerClosed)
	assert.ErrorIs(t, h.sequencer.Skip(PhaseChat), ErrSequencerClosed)
}

func TestCloseBeforeCompletionHalts(t *testing.T) {
	h := newHarness(t, func(h *harness, _ *Config) {
		h.media.acquire = func(ctx context.Context, _ int) (*media.LocalStream, error) {
			return blockUntilDone[*media.LocalStream](ctx)
		}
	})
	h.waitForPhase(t, PhaseMedia)

	h.sequencer.Close()

	assert.Equal(t, PhaseFailed, h.sequencer.Phase())
	assert.ErrorIs(t, h.sequencer.Wait(context.Background()), ErrSequencerClosed)
}
