package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var errNoRemoteDescription = errors.New("remote description not set")

// fakePC models the signaling state machine of a peer connection. Callbacks
// fire synchronously outside the lock; the manager only posts from them.
type fakePC struct {
	id          int
	autoConnect bool
	candidates  int

	mu           sync.Mutex
	sigState     webrtc.SignalingState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	tracks       []webrtc.TrackLocal
	transceivers []webrtc.RTPCodecType
	applied      []webrtc.ICECandidateInit
	localSets    int
	rtcp         []rtcp.Packet
	closed       bool
	failRemote   error

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (pc *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, track)
	return nil, nil
}

func (pc *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.transceivers = append(pc.transceivers, kind)
	return nil, nil
}

func (pc *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer pc-%d", pc.id)}, nil
}

func (pc *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", pc.sigState)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer pc-%d", pc.id)}, nil
}

func (pc *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && pc.sigState == webrtc.SignalingStateStable:
		pc.sigState = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && pc.sigState == webrtc.SignalingStateHaveRemoteOffer:
		pc.sigState = webrtc.SignalingStateStable
	default:
		state := pc.sigState
		pc.mu.Unlock()
		return fmt.Errorf("set local %s in %s", desc.Type, state)
	}
	pc.local = &desc
	pc.localSets++
	onICE := pc.onICE
	pc.mu.Unlock()

	if onICE != nil {
		for i := 0; i < pc.candidates; i++ {
			onICE(&webrtc.ICECandidate{
				Foundation: "1",
				Priority:   uint32(100 - i),
				Address:    "127.0.0.1",
				Protocol:   webrtc.ICEProtocolUDP,
				Port:       uint16(50000 + pc.id*10 + i),
				Typ:        webrtc.ICECandidateTypeHost,
				Component:  1,
			})
		}
		onICE(nil)
	}
	pc.maybeConnect()
	return nil
}

func (pc *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mu.Lock()
	if pc.failRemote != nil {
		pc.mu.Unlock()
		return pc.failRemote
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && pc.sigState == webrtc.SignalingStateStable:
		pc.sigState = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && pc.sigState == webrtc.SignalingStateHaveLocalOffer:
		pc.sigState = webrtc.SignalingStateStable
	default:
		state := pc.sigState
		pc.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", desc.Type, state)
	}
	pc.remote = &desc
	pc.mu.Unlock()
	pc.maybeConnect()
	return nil
}

func (pc *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return errNoRemoteDescription
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func (pc *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = f
}

func (pc *fakePC) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = f
}

func (pc *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onState = f
}

func (pc *fakePC) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (pc *fakePC) SignalingState() webrtc.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.sigState
}

func (pc *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.rtcp = append(pc.rtcp, pkts...)
	return nil
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	pc.sigState = webrtc.SignalingStateClosed
	return nil
}

func (pc *fakePC) fireState(s webrtc.PeerConnectionState) {
	pc.mu.Lock()
	f := pc.onState
	pc.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (pc *fakePC) maybeConnect() {
	pc.mu.Lock()
	ready := pc.autoConnect && pc.local != nil && pc.remote != nil && pc.sigState == webrtc.SignalingStateStable
	pc.mu.Unlock()
	if ready {
		pc.fireState(webrtc.PeerConnectionStateConnected)
	}
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.applied...)
}

// localDescriptions counts offers and answers applied locally.
func (pc *fakePC) localDescriptions() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.localSets
}

func (pc *fakePC) trackCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.tracks)
}

func (pc *fakePC) transceiverKinds() []webrtc.RTPCodecType {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), pc.transceivers...)
}

type fakePCFactory struct {
	autoConnect bool
	candidates  int
	err         error

	next atomic.Int32
	mu   sync.Mutex
	pcs  []*fakePC
}

func (f *fakePCFactory) NewPeerConnection() (ports.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{
		id:          int(f.next.Add(1)),
		autoConnect: f.autoConnect,
		candidates:  f.candidates,
		sigState:    webrtc.SignalingStateStable,
	}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakePCFactory) created() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

func (f *fakePCFactory) last() *fakePC {
	pcs := f.created()
	if len(pcs) == 0 {
		return nil
	}
	return pcs[len(pcs)-1]
}

type fakeStream struct {
	id      string
	tracks  []webrtc.TrackLocal
	mu      sync.Mutex
	enabled map[webrtc.RTPCodecType]bool
	stopped atomic.Bool
}

func newFakeStream(video bool) *fakeStream {
	s := &fakeStream{id: "local", enabled: make(map[webrtc.RTPCodecType]bool)}
	audio, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	s.tracks = append(s.tracks, audio)
	s.enabled[webrtc.RTPCodecTypeAudio] = true
	if video {
		v, _ := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
		s.tracks = append(s.tracks, v)
		s.enabled[webrtc.RTPCodecTypeVideo] = true
	}
	return s
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *fakeStream) Stop()                       { s.stopped.Store(true) }

func (s *fakeStream) HasKind(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.enabled[kind]
	return ok
}

func (s *fakeStream) TrackEnabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

type fakeCapture struct {
	err       error
	switchErr error

	// When hold is set, Acquire reports on entered and then waits for hold
	// to close, ignoring its context like a slow device open.
	entered chan context.Context
	hold    chan struct{}

	mu       sync.Mutex
	streams  []*fakeStream
	switches int
}

func (c *fakeCapture) Acquire(ctx context.Context, video bool) (ports.LocalStream, error) {
	if c.hold != nil {
		c.entered <- ctx
		<-c.hold
	}
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeStream(video)
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeCapture) acquired() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

func (c *fakeCapture) SetTrackEnabled(stream ports.LocalStream, kind webrtc.RTPCodecType, enabled bool) error {
	s := stream.(*fakeStream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enabled[kind]; !ok {
		return fmt.Errorf("no %s track", kind)
	}
	s.enabled[kind] = enabled
	return nil
}

func (c *fakeCapture) SwitchFacing(context.Context, ports.LocalStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.switchErr != nil {
		return c.switchErr
	}
	c.switches++
	return nil
}

// recordingSender captures what the manager would send.
type recordingSender struct {
	mu        sync.Mutex
	sent      []outboundSignal
	discarded []domain.UserID
}

func (r *recordingSender) Enqueue(to domain.UserID, msg domain.SignalMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, outboundSignal{to: to, msg: msg})
	return true
}

func (r *recordingSender) Discard(to domain.UserID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, to)
	return 0
}

func (r *recordingSender) ofType(t domain.SignalType) []outboundSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []outboundSignal
	for _, s := range r.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// manualLoop stands in for the session loop in peer manager tests.
type manualLoop struct {
	tasks *mailbox[func()]
}

func newManualLoop() *manualLoop {
	return &manualLoop{tasks: newMailbox[func()]()}
}

func (l *manualLoop) post(fn func()) bool {
	return l.tasks.Put(fn)
}

// run executes queued tasks, including ones queued while running.
func (l *manualLoop) run() {
	for l.tasks.Len() > 0 {
		var batch []func()
		l.tasks.Remove(func(fn func()) bool {
			batch = append(batch, fn)
			return true
		})
		for _, fn := range batch {
			fn()
		}
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
