package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/infrastructure/docstore/memory"
	"meshcall/pkg/retry"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testGroup domain.GroupID = "group-1"

type node struct {
	session *CallSession
	factory *fakePCFactory
	capture *fakeCapture
	metrics *InMemoryMetrics
	events  *eventLog
	drained chan struct{}
}

type nodeOption func(*SessionConfig, *SessionDeps)

func withCapture(c *fakeCapture) nodeOption {
	return func(_ *SessionConfig, d *SessionDeps) { d.Media = c }
}

func withKind(k domain.CallKind) nodeOption {
	return func(c *SessionConfig, _ *SessionDeps) { c.Kind = k }
}

func presenceOnly() nodeOption {
	return func(c *SessionConfig, d *SessionDeps) {
		c.Backend = domain.MediaBackendPresenceOnly
		d.Media = nil
		d.Peers = nil
	}
}

func testSignaling() SignalingOptions {
	return SignalingOptions{
		Retry: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		SeenTTL:   time.Minute,
		SendRate:  1000,
		SendBurst: 100,
	}
}

func newNode(t *testing.T, store *memory.Store, id domain.UserID, opts ...nodeOption) *node {
	t.Helper()
	n := &node{
		factory: &fakePCFactory{autoConnect: true, candidates: 1},
		capture: &fakeCapture{},
		metrics: NewInMemoryMetrics(),
		events:  &eventLog{},
		drained: make(chan struct{}),
	}
	cfg := SessionConfig{
		GroupID:            testGroup,
		Self:               domain.Participant{ID: id, DisplayName: string(id)},
		Kind:               domain.CallKindAudio,
		Backend:            domain.MediaBackendReal,
		NegotiationTimeout: 5 * time.Second,
		Signaling:          testSignaling(),
		PresenceRetry:      testSignaling().Retry,
	}
	deps := SessionDeps{
		Store:   store,
		Media:   n.capture,
		Peers:   n.factory,
		Metrics: n.metrics,
		Logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	if c, ok := deps.Media.(*fakeCapture); ok {
		n.capture = c
	}

	s, err := NewCallSession(cfg, deps)
	require.NoError(t, err)
	n.session = s

	go func() {
		defer close(n.drained)
		for e := range s.Events() {
			n.events.emit(e)
		}
	}()
	t.Cleanup(func() {
		_ = s.Leave(context.Background())
		<-n.drained
	})
	return n
}

func (n *node) join(t *testing.T) {
	t.Helper()
	require.NoError(t, n.session.Join(context.Background()))
}

func (n *node) connectedLinks() int {
	count := 0
	for _, l := range n.session.PeerLinks() {
		if l.State == domain.PeerLinkConnected {
			count++
		}
	}
	return count
}

func participantsCol() string {
	return participantsCollection(testGroup)
}

func TestCallSession_TwoPartyCall(t *testing.T) {
	store := memory.NewStore()
	alice := newNode(t, store, "alice")
	bob := newNode(t, store, "bob")

	alice.join(t)
	bob.join(t)

	require.Eventually(t, func() bool {
		return alice.connectedLinks() == 1 && bob.connectedLinks() == 1
	}, 3*time.Second, 10*time.Millisecond)

	aliceLinks := alice.session.PeerLinks()
	bobLinks := bob.session.PeerLinks()
	assert.Equal(t, domain.RoleInitiator, aliceLinks[0].Role)
	assert.Equal(t, domain.RoleAnswerer, bobLinks[0].Role)
	assert.Equal(t, aliceLinks[0].NegotiationID, bobLinks[0].NegotiationID)

	assert.Len(t, alice.factory.created(), 1)
	assert.Len(t, bob.factory.created(), 1)

	assert.Eventually(t, func() bool {
		return store.Count(inboxCollection(testGroup, "alice")) == 0 &&
			store.Count(inboxCollection(testGroup, "bob")) == 0
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(alice.events.ofType(EventParticipantJoined)) == 1 &&
			len(bob.events.ofType(EventParticipantJoined)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.UserID("bob"), alice.events.ofType(EventParticipantJoined)[0].PeerID)
	assert.Len(t, alice.events.ofType(EventLocalStream), 1)

	require.Len(t, alice.session.Participants(), 1)
	assert.Equal(t, domain.UserID("bob"), alice.session.Participants()[0].ID)
	assert.Equal(t, domain.CallStateConnected, alice.session.State())
}

func TestCallSession_ThreePartyMesh(t *testing.T) {
	store := memory.NewStore()
	nodes := []*node{
		newNode(t, store, "alice", withKind(domain.CallKindVideo)),
		newNode(t, store, "bob", withKind(domain.CallKindVideo)),
		newNode(t, store, "carol", withKind(domain.CallKindVideo)),
	}
	for _, n := range nodes {
		n.join(t)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.connectedLinks() != 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	initiators := make(map[[2]domain.UserID]int)
	for _, n := range nodes {
		self := n.session.Self().ID
		assert.Len(t, n.factory.created(), 2, "one connection per remote peer for %s", self)
		for _, l := range n.session.PeerLinks() {
			key := [2]domain.UserID{self, l.PeerID}
			if self > l.PeerID {
				key = [2]domain.UserID{l.PeerID, self}
			}
			if l.Role == domain.RoleInitiator {
				initiators[key]++
			}
		}
	}
	require.Len(t, initiators, 3)
	for pair, count := range initiators {
		assert.Equal(t, 1, count, "pair %v", pair)
	}
}

func TestCallSession_LeaveNotifiesOthers(t *testing.T) {
	store := memory.NewStore()
	alice := newNode(t, store, "alice")
	bob := newNode(t, store, "bob")
	alice.join(t)
	bob.join(t)
	require.Eventually(t, func() bool { return alice.connectedLinks() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.session.Leave(context.Background()))
	require.NoError(t, bob.session.Leave(context.Background()))
	<-bob.drained

	assert.Equal(t, domain.CallStateEnded, bob.session.State())
	ended := bob.events.ofType(EventConnectionState)
	assert.Equal(t, domain.CallStateEnded, ended[len(ended)-1].State)
	for _, s := range bob.capture.streams {
		assert.True(t, s.stopped.Load())
	}
	for _, pc := range bob.factory.created() {
		assert.True(t, pc.isClosed())
	}

	assert.Equal(t, 0, store.Count(inboxCollection(testGroup, "bob")))
	assert.Empty(t, bob.session.PeerLinks())

	require.Eventually(t, func() bool {
		return len(alice.events.ofType(EventParticipantLeft)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(alice.session.PeerLinks()) == 0 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return alice.factory.last().isClosed() }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, store.Count(participantsCol()))
	assert.Empty(t, alice.session.Participants())

	assert.ErrorIs(t, bob.session.Join(context.Background()), domain.ErrSessionClosed)
}

func TestCallSession_LeaveDuringJoinReleasesEverything(t *testing.T) {
	store := memory.NewStore()
	capture := &fakeCapture{
		entered: make(chan context.Context, 1),
		hold:    make(chan struct{}),
	}
	n := newNode(t, store, "alice", withCapture(capture), withKind(domain.CallKindVideo))

	joined := make(chan error, 1)
	go func() { joined <- n.session.Join(context.Background()) }()

	var acquireCtx context.Context
	select {
	case acquireCtx = <-capture.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("join never reached media capture")
	}
	assert.Equal(t, domain.CallStateConnecting, n.session.State())

	left := make(chan error, 1)
	go func() { left <- n.session.Leave(context.Background()) }()

	// Leave cancels the in-flight join and waits for it.
	require.Eventually(t, func() bool { return acquireCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	select {
	case <-left:
		t.Fatal("leave finished while join still held the device")
	default:
	}
	close(capture.hold)

	select {
	case err := <-joined:
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return")
	}
	select {
	case err := <-left:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("leave did not return")
	}
	<-n.drained

	streams := capture.acquired()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].stopped.Load())
	assert.Equal(t, 0, store.Count(participantsCol()))
	assert.Equal(t, domain.CallStateEnded, n.session.State())
	assert.Empty(t, n.events.ofType(EventError))
}

func TestCallSession_LeaveBeforeJoin(t *testing.T) {
	store := memory.NewStore()
	n := newNode(t, store, "alice")

	require.NoError(t, n.session.Leave(context.Background()))
	assert.ErrorIs(t, n.session.Join(context.Background()), domain.ErrSessionClosed)
	assert.Equal(t, 0, store.Count(participantsCol()))
	assert.Empty(t, n.capture.acquired())
}

func TestCallSession_MediaUnavailableRegistersNothing(t *testing.T) {
	store := memory.NewStore()
	capture := &fakeCapture{err: errors.New("permission denied")}
	n := newNode(t, store, "alice", withCapture(capture))

	err := n.session.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaUnavailable)

	<-n.drained
	assert.Equal(t, 0, store.Count(participantsCol()))
	assert.Equal(t, domain.CallStateEnded, n.session.State())

	errs := n.events.ofType(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, domain.ErrMediaUnavailable)
}

func TestCallSession_PresenceOnlyOpensNoConnections(t *testing.T) {
	store := memory.NewStore()
	alice := newNode(t, store, "alice", presenceOnly())
	bob := newNode(t, store, "bob", presenceOnly())
	alice.join(t)
	bob.join(t)

	require.Eventually(t, func() bool {
		return len(alice.session.Participants()) == 1 && len(bob.session.Participants()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.session.PeerLinks())
	assert.Nil(t, alice.session.LocalStream())
	assert.Equal(t, 2, store.Count(participantsCol()))
}

func TestCallSession_ToggleMuteAndVideo(t *testing.T) {
	store := memory.NewStore()
	alice := newNode(t, store, "alice", withKind(domain.CallKindVideo))
	bob := newNode(t, store, "bob", withKind(domain.CallKindVideo))
	alice.join(t)
	bob.join(t)
	require.Eventually(t, func() bool {
		return alice.connectedLinks() == 1 && bob.connectedLinks() == 1
	}, 3*time.Second, 10*time.Millisecond)

	negotiation := alice.session.PeerLinks()[0].NegotiationID
	aliceLocal := alice.factory.last().localDescriptions()
	bobLocal := bob.factory.last().localDescriptions()

	require.NoError(t, alice.session.ToggleMute(context.Background(), true))
	require.NoError(t, alice.session.ToggleVideo(context.Background(), false))

	stream := alice.capture.streams[0]
	assert.False(t, stream.TrackEnabled(webrtc.RTPCodecTypeAudio))
	assert.False(t, stream.TrackEnabled(webrtc.RTPCodecTypeVideo))
	assert.True(t, alice.session.Self().IsMuted)

	require.Eventually(t, func() bool {
		ps := bob.session.Participants()
		return len(ps) == 1 && ps[0].IsMuted && ps[0].IsVideoOff
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, bob.events.ofType(EventParticipantUpdated))

	require.NoError(t, alice.session.ToggleMute(context.Background(), false))
	assert.True(t, stream.TrackEnabled(webrtc.RTPCodecTypeAudio))

	// Toggling tracks never renegotiates.
	require.Eventually(t, func() bool {
		ps := bob.session.Participants()
		return len(ps) == 1 && !ps[0].IsMuted
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, alice.factory.created(), 1)
	assert.Len(t, bob.factory.created(), 1)
	assert.Equal(t, aliceLocal, alice.factory.last().localDescriptions())
	assert.Equal(t, bobLocal, bob.factory.last().localDescriptions())
	links := alice.session.PeerLinks()
	require.Len(t, links, 1)
	assert.Equal(t, negotiation, links[0].NegotiationID)
}

func TestCallSession_SwitchCamera(t *testing.T) {
	store := memory.NewStore()
	audio := newNode(t, store, "alice")
	video := newNode(t, store, "bob", withKind(domain.CallKindVideo))

	assert.ErrorIs(t, audio.session.SwitchCamera(context.Background()), domain.ErrNotInCall)

	audio.join(t)
	video.join(t)

	assert.ErrorIs(t, audio.session.SwitchCamera(context.Background()), domain.ErrSwitchUnsupported)
	require.NoError(t, video.session.SwitchCamera(context.Background()))
	assert.Equal(t, 1, video.capture.switches)

	video.capture.switchErr = domain.ErrSwitchUnsupported
	assert.ErrorIs(t, video.session.SwitchCamera(context.Background()), domain.ErrSwitchUnsupported)
	assert.Equal(t, domain.CallStateConnected, video.session.State())
}

func TestCallSession_ExternalPresenceRemovalEndsSession(t *testing.T) {
	store := memory.NewStore()
	alice := newNode(t, store, "alice")
	alice.join(t)

	require.NoError(t, store.Delete(context.Background(), participantPath(testGroup, "alice")))

	select {
	case <-alice.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, domain.CallStateEnded, alice.session.State())
}

func TestCallSession_StaleInboxDrainedOnJoin(t *testing.T) {
	store := memory.NewStore()
	_, err := store.Add(context.Background(), inboxCollection(testGroup, "bob"), map[string]interface{}{
		fieldType:    "offer",
		fieldFrom:    "ghost",
		fieldPayload: map[string]interface{}{"type": "offer", "sdp": "v=0 stale"},
	})
	require.NoError(t, err)

	bob := newNode(t, store, "bob")
	bob.join(t)

	assert.Empty(t, bob.factory.created())
	assert.Equal(t, 0, store.Count(inboxCollection(testGroup, "bob")))
}

func TestCallSession_PresenceWriteFailureCleansUp(t *testing.T) {
	store := memory.NewStore()
	store.FailNext(memory.OpWrite, 10, errors.New("unavailable"))
	n := newNode(t, store, "alice")

	err := n.session.Join(context.Background())
	require.Error(t, err)

	<-n.drained
	assert.Equal(t, domain.CallStateEnded, n.session.State())
	assert.True(t, n.capture.streams[0].stopped.Load())
}

func TestCallSession_ConcurrentLeave(t *testing.T) {
	store := memory.NewStore()
	alice := newNode(t, store, "alice")
	alice.join(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, alice.session.Leave(context.Background()))
		}()
	}
	wg.Wait()
	<-alice.drained

	assert.Len(t, alice.events.ofType(EventConnectionState), 3)
	assert.Equal(t, 0, store.Count(participantsCol()))
}

func TestNewCallSession_Validation(t *testing.T) {
	store := memory.NewStore()

	_, err := NewCallSession(SessionConfig{Self: domain.Participant{ID: "a"}}, SessionDeps{Store: store})
	assert.Error(t, err)

	_, err = NewCallSession(SessionConfig{GroupID: "g", Self: domain.Participant{ID: "a"}}, SessionDeps{Store: store})
	assert.Error(t, err, "real backend without media")

	_, err = NewCallSession(SessionConfig{GroupID: "g", Self: domain.Participant{ID: "a"}, Backend: "tape"}, SessionDeps{Store: store})
	assert.Error(t, err)

	s, err := NewCallSession(SessionConfig{
		GroupID: "g",
		Self:    domain.Participant{ID: "a"},
		Backend: domain.MediaBackendPresenceOnly,
	}, SessionDeps{Store: store})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateIdle, s.State())
	assert.Equal(t, domain.CallKindAudio, s.Kind())
	require.NoError(t, s.Leave(context.Background()))
}
