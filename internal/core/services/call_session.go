package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type SessionConfig struct {
	GroupID            domain.GroupID
	Self               domain.Participant
	Kind               domain.CallKind
	Backend            domain.MediaBackend
	NegotiationTimeout time.Duration
	ReconnectAttempts  int
	ReconnectBackoff   time.Duration
	MaxPeers           int
	LeaveTimeout       time.Duration
	EventBuffer        int
	Signaling          SignalingOptions
	PresenceRetry      retry.Config
}

// SessionDeps are the collaborators a session is built from. Media and Peers
// are only used by the real media backend.
type SessionDeps struct {
	Store   ports.DocumentStore
	Media   ports.MediaCapture
	Peers   ports.PeerConnectionFactory
	Metrics ports.CallMetrics
	Logger  *zap.SugaredLogger
}

// CallSession is one participant's membership in one group call. It is
// created idle, joined once and left once; a left session cannot be reused.
//
// Presence, signaling and pion callbacks are serialized on a single loop
// goroutine, so the peer manager needs no locking of its own.
type CallSession struct {
	cfg  SessionConfig
	deps SessionDeps
	log  *zap.SugaredLogger

	presence  *PresenceRegistry
	signaling *SignalingChannel
	outbox    *Outbox
	peers     *PeerManager
	events    *eventStream

	tasks       *mailbox[func()]
	loopStarted atomic.Bool
	loopDone    chan struct{}

	life   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        domain.CallState
	self         domain.Participant
	selfSeen     bool
	leaving      bool
	participants map[domain.UserID]domain.Participant
	stream       ports.LocalStream
	inboxSub     ports.Subscription
	presenceSub  ports.Subscription

	// joining is set while Join runs; leave cancels joinCancel and waits
	// for joinDone before tearing down what Join created.
	joining    bool
	joinCancel context.CancelFunc
	joinDone   chan struct{}

	leaveOnce sync.Once
	done      chan struct{}
}

func NewCallSession(cfg SessionConfig, deps SessionDeps) (*CallSession, error) {
	if err := validation.ValidateGroupID(string(cfg.GroupID)); err != nil {
		return nil, err
	}
	if err := validation.ValidateProfile(string(cfg.Self.ID), cfg.Self.DisplayName, cfg.Self.PhotoURL); err != nil {
		return nil, err
	}
	if cfg.Kind == "" {
		cfg.Kind = domain.CallKindAudio
	}
	if cfg.Backend == "" {
		cfg.Backend = domain.MediaBackendReal
	}
	if !cfg.Backend.Valid() {
		return nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
	if deps.Store == nil {
		return nil, errors.New("document store is required")
	}
	if cfg.Backend == domain.MediaBackendReal && (deps.Media == nil || deps.Peers == nil) {
		return nil, errors.New("real media backend needs media capture and a peer connection factory")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewInMemoryMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if isZeroSignaling(cfg.Signaling) {
		cfg.Signaling = DefaultSignalingOptions()
	}
	if !cfg.PresenceRetry.Enabled && cfg.PresenceRetry.MaxAttempts == 0 {
		cfg.PresenceRetry = retry.DefaultConfig()
	}

	log := deps.Logger.With("group_id", cfg.GroupID, "user_id", cfg.Self.ID)
	life, cancel := context.WithCancel(context.Background())

	s := &CallSession{
		cfg:          cfg,
		deps:         deps,
		log:          log,
		presence:     NewPresenceRegistry(deps.Store, cfg.GroupID, cfg.PresenceRetry, log),
		signaling:    NewSignalingChannel(deps.Store, cfg.GroupID, cfg.Signaling, deps.Metrics, log),
		events:       newEventStream(cfg.EventBuffer),
		tasks:        newMailbox[func()](),
		loopDone:     make(chan struct{}),
		life:         life,
		cancel:       cancel,
		state:        domain.CallStateIdle,
		self:         cfg.Self,
		participants: make(map[domain.UserID]domain.Participant),
		joinDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.self.JoinedAt = time.Time{}
	s.outbox = NewOutbox(s.signaling, cfg.Signaling, deps.Metrics, log)
	s.peers = NewPeerManager(PeerManagerConfig{
		SelfID:             cfg.Self.ID,
		Kind:               cfg.Kind,
		NegotiationTimeout: cfg.NegotiationTimeout,
		ReconnectAttempts:  cfg.ReconnectAttempts,
		ReconnectBackoff:   cfg.ReconnectBackoff,
		MaxPeers:           cfg.MaxPeers,
	}, deps.Peers, s.outbox, s.post, s.emit, deps.Metrics, log)
	return s, nil
}

// Events delivers session notifications in order. The channel is closed
// after the final ended state event. Callers must keep draining it.
func (s *CallSession) Events() <-chan Event {
	return s.events.out
}

// Done is closed once Leave has finished.
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

func (s *CallSession) GroupID() domain.GroupID { return s.cfg.GroupID }
func (s *CallSession) Kind() domain.CallKind   { return s.cfg.Kind }

func (s *CallSession) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) Self() domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Participants returns the other participants currently present, ordered by
// join time.
func (s *CallSession) Participants() []domain.Participant {
	s.mu.Lock()
	out := lo.Values(s.participants)
	s.mu.Unlock()
	sortParticipants(out)
	return out
}

func (s *CallSession) LocalStream() ports.LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// PeerLinks snapshots the peer links. It returns nil when the session is not
// running.
func (s *CallSession) PeerLinks() []PeerLinkInfo {
	var links []PeerLinkInfo
	s.call(func() { links = s.peers.Links() })
	return links
}

// Join acquires media, registers presence and starts consuming presence and
// signaling. On any error the session ends and nothing stays registered.
//
// A Leave that overlaps Join cancels it: Join returns ErrSessionClosed and
// Leave releases the media and presence Join had already taken.
func (s *CallSession) Join(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.state != domain.CallStateIdle {
		state := s.state
		s.mu.Unlock()
		if state == domain.CallStateEnded {
			return domain.ErrSessionClosed
		}
		return domain.ErrAlreadyInCall
	}
	s.state = domain.CallStateConnecting
	s.joining = true
	ctx, s.joinCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	ctx, span := tracing.TraceCall(ctx, "join", string(s.cfg.GroupID), string(s.cfg.Self.ID), string(s.cfg.Kind))
	defer span.End()
	defer func() {
		s.mu.Lock()
		s.joining = false
		s.joinCancel()
		s.mu.Unlock()
		close(s.joinDone)

		if err != nil {
			tracing.RecordError(ctx, err)
			if errors.Is(err, domain.ErrSessionClosed) {
				s.log.Infow("join cancelled by leave")
			} else {
				s.log.Warnw("join failed", "error", err)
			}
			_ = s.Leave(context.Background())
		}
	}()

	s.emit(Event{Type: EventConnectionState, State: domain.CallStateConnecting})

	if s.cfg.Backend == domain.MediaBackendReal {
		stream, err := s.deps.Media.Acquire(ctx, s.cfg.Kind.HasVideo())
		if err != nil && s.isLeaving() {
			return domain.ErrSessionClosed
		}
		if err != nil {
			if !errors.Is(err, domain.ErrMediaUnavailable) {
				err = fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
			}
			s.emit(Event{Type: EventError, Err: err})
			return err
		}
		s.mu.Lock()
		s.stream = stream
		s.self.IsVideoOff = s.self.IsVideoOff || !stream.HasKind(webrtc.RTPCodecTypeVideo)
		s.mu.Unlock()
		if s.isLeaving() {
			return domain.ErrSessionClosed
		}
		s.peers.SetLocalStream(stream)
		s.emit(Event{Type: EventLocalStream, LocalStream: stream})
	}

	// Leftovers from an earlier session would replay stale offers.
	if n, err := s.signaling.DrainInbox(ctx, s.cfg.Self.ID); err != nil {
		s.log.Warnw("failed to drain stale inbox", "error", err)
	} else if n > 0 {
		s.log.Infow("drained stale signals", "count", n)
	}
	if s.isLeaving() {
		return domain.ErrSessionClosed
	}

	s.startLoop()
	s.outbox.Start()

	if err := s.presence.Join(ctx, s.Self()); err != nil {
		if s.isLeaving() {
			return domain.ErrSessionClosed
		}
		return err
	}
	if s.isLeaving() {
		return domain.ErrSessionClosed
	}

	inboxSub, err := s.signaling.SubscribeInbox(s.life, s.cfg.Self.ID, s.onSignal)
	if err != nil {
		return err
	}
	s.setSubscription(&s.inboxSub, inboxSub)

	presenceSub, err := s.presence.Subscribe(s.life, PresenceHandlers{
		OnAdded:    func(p domain.Participant) { s.post(func() { s.onParticipantAdded(p) }) },
		OnModified: func(p domain.Participant) { s.post(func() { s.onParticipantModified(p) }) },
		OnRemoved:  func(p domain.Participant) { s.post(func() { s.onParticipantRemoved(p) }) },
		OnError: func(err error) {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("presence: %w", err)})
		},
	})
	if err != nil {
		return err
	}
	s.setSubscription(&s.presenceSub, presenceSub)

	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.state == domain.CallStateConnecting {
		s.state = domain.CallStateConnected
	}
	s.mu.Unlock()
	s.emit(Event{Type: EventConnectionState, State: domain.CallStateConnected})
	s.log.Infow("joined call",
		"kind", s.cfg.Kind,
		"backend", s.cfg.Backend,
	)
	return nil
}

func (s *CallSession) ToggleMute(ctx context.Context, muted bool) error {
	return s.setTrackFlag(ctx, webrtc.RTPCodecTypeAudio, !muted, domain.ParticipantUpdate{IsMuted: &muted})
}

func (s *CallSession) ToggleVideo(ctx context.Context, enabled bool) error {
	off := !enabled
	return s.setTrackFlag(ctx, webrtc.RTPCodecTypeVideo, enabled, domain.ParticipantUpdate{IsVideoOff: &off})
}

// SwitchCamera flips between front and back cameras. Failures leave the
// current camera in place and the call running.
func (s *CallSession) SwitchCamera(ctx context.Context) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	stream := s.LocalStream()
	if stream == nil || !stream.HasKind(webrtc.RTPCodecTypeVideo) {
		return domain.ErrSwitchUnsupported
	}
	if err := s.deps.Media.SwitchFacing(ctx, stream); err != nil {
		s.log.Warnw("camera switch failed", "error", err)
		return err
	}
	s.log.Infow("camera switched")
	return nil
}

// Leave tears the session down. It is idempotent and safe from any
// goroutine; cleanup errors are logged, never returned.
func (s *CallSession) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() { s.leave(ctx) })
	<-s.done
	return nil
}

func (s *CallSession) leave(ctx context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LeaveTimeout)
	defer cancel()
	ctx, span := tracing.TraceCall(ctx, "leave", string(s.cfg.GroupID), string(s.cfg.Self.ID), string(s.cfg.Kind))
	defer span.End()

	s.mu.Lock()
	s.leaving = true
	joining := s.joining
	if joining {
		s.joinCancel()
	}
	s.mu.Unlock()
	if joining {
		<-s.joinDone
	}

	s.mu.Lock()
	wasJoined := s.state != domain.CallStateIdle
	presenceSub, inboxSub := s.presenceSub, s.inboxSub
	s.presenceSub, s.inboxSub = nil, nil
	stream := s.stream
	s.mu.Unlock()

	if presenceSub != nil {
		presenceSub.Stop()
	}
	if inboxSub != nil {
		inboxSub.Stop()
	}

	if s.loopStarted.Load() {
		if !s.call(s.peers.CloseAll) {
			s.log.Warnw("session loop gone before links were closed")
		}
		s.tasks.Close(true)
		<-s.loopDone
	} else {
		s.tasks.Close(true)
		s.peers.CloseAll()
	}

	s.outbox.Close()
	if stream != nil {
		stream.Stop()
	}

	if wasJoined {
		if err := s.presence.Leave(ctx, s.cfg.Self.ID); err != nil {
			s.log.Warnw("failed to remove presence", "error", err)
		}
		n, err := s.signaling.DrainInbox(ctx, s.cfg.Self.ID)
		if err != nil {
			s.log.Warnw("failed to drain inbox", "error", err)
		}
		tracing.AddSpanAttributes(ctx, attribute.Int("signal.drained", n))
	}
	s.signaling.Close()
	s.cancel()

	s.mu.Lock()
	s.state = domain.CallStateEnded
	s.participants = make(map[domain.UserID]domain.Participant)
	s.mu.Unlock()

	s.emit(Event{Type: EventConnectionState, State: domain.CallStateEnded})
	s.events.close()
	s.log.Infow("left call")
}

func (s *CallSession) setTrackFlag(ctx context.Context, kind webrtc.RTPCodecType, enabled bool, upd domain.ParticipantUpdate) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if stream := s.LocalStream(); stream != nil && stream.HasKind(kind) {
		if err := s.deps.Media.SetTrackEnabled(stream, kind, enabled); err != nil {
			return fmt.Errorf("set %s enabled: %w", kind, err)
		}
	}

	s.mu.Lock()
	s.self = upd.Apply(s.self)
	s.mu.Unlock()
	return s.presence.UpdateSelf(ctx, s.cfg.Self.ID, upd)
}

func (s *CallSession) ensureActive() error {
	switch s.State() {
	case domain.CallStateConnecting, domain.CallStateConnected:
		return nil
	case domain.CallStateEnded:
		return domain.ErrSessionClosed
	}
	return domain.ErrNotInCall
}

func (s *CallSession) onSignal(msg domain.SignalMessage) {
	if s.cfg.Backend != domain.MediaBackendReal {
		s.deps.Metrics.SignalDropped("presence_only")
		return
	}
	s.call(func() { s.peers.HandleSignal(msg) })
}

func (s *CallSession) onParticipantAdded(p domain.Participant) {
	if p.ID == s.cfg.Self.ID {
		s.observeSelf(p)
		return
	}

	s.mu.Lock()
	s.participants[p.ID] = p
	ready := s.selfSeen
	self := s.self
	s.mu.Unlock()

	s.emit(Event{Type: EventParticipantJoined, PeerID: p.ID, Participant: p})
	if ready && s.media() {
		s.peers.PeerJoined(p, self)
	}
}

func (s *CallSession) onParticipantModified(p domain.Participant) {
	if p.ID == s.cfg.Self.ID {
		s.observeSelf(p)
		return
	}

	s.mu.Lock()
	_, known := s.participants[p.ID]
	s.participants[p.ID] = p
	ready := s.selfSeen
	self := s.self
	s.mu.Unlock()

	if known {
		s.emit(Event{Type: EventParticipantUpdated, PeerID: p.ID, Participant: p})
	} else {
		s.emit(Event{Type: EventParticipantJoined, PeerID: p.ID, Participant: p})
	}
	if ready && s.media() {
		s.peers.PeerUpdated(p, self)
	}
}

func (s *CallSession) onParticipantRemoved(p domain.Participant) {
	if p.ID == s.cfg.Self.ID {
		s.mu.Lock()
		leaving := s.leaving
		s.mu.Unlock()
		if !leaving {
			s.log.Warnw("own presence removed externally, leaving call")
			go s.Leave(context.Background())
		}
		return
	}

	s.mu.Lock()
	_, known := s.participants[p.ID]
	delete(s.participants, p.ID)
	s.mu.Unlock()

	if known {
		s.emit(Event{Type: EventParticipantLeft, PeerID: p.ID, Participant: p})
	}
	if s.media() {
		s.peers.PeerLeft(p.ID)
	}
}

// observeSelf records the store-assigned join time. Initiation toward peers
// seen earlier waits for it, since the tie-break compares join times.
func (s *CallSession) observeSelf(p domain.Participant) {
	if p.JoinedAt.IsZero() {
		return
	}
	s.mu.Lock()
	first := !s.selfSeen
	s.selfSeen = true
	s.self.JoinedAt = p.JoinedAt
	self := s.self
	waiting := make([]domain.Participant, 0, len(s.participants))
	for _, peer := range s.participants {
		waiting = append(waiting, peer)
	}
	s.mu.Unlock()

	if !first || !s.media() {
		return
	}
	s.peers.SelfObserved()
	sortParticipants(waiting)
	for _, peer := range waiting {
		s.peers.PeerJoined(peer, self)
	}
}

func (s *CallSession) isLeaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaving
}

func (s *CallSession) media() bool {
	return s.cfg.Backend == domain.MediaBackendReal
}

func (s *CallSession) startLoop() {
	if !s.loopStarted.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.loopDone)
		s.tasks.Drain(func(fn func()) { fn() })
	}()
}

// post schedules fn on the session loop without waiting.
func (s *CallSession) post(fn func()) bool {
	return s.tasks.Put(fn)
}

// call runs fn on the session loop and waits for it. It must not be used
// from the loop itself.
func (s *CallSession) call(fn func()) bool {
	if !s.loopStarted.Load() {
		return false
	}
	finished := make(chan struct{})
	if !s.tasks.Put(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.loopDone:
		return false
	}
}

func (s *CallSession) emit(e Event) {
	e.GroupID = s.cfg.GroupID
	s.events.emit(e)
}

func (s *CallSession) setSubscription(dst *ports.Subscription, sub ports.Subscription) {
	s.mu.Lock()
	if s.leaving {
		s.mu.Unlock()
		sub.Stop()
		return
	}
	*dst = sub
	s.mu.Unlock()
}

func isZeroSignaling(o SignalingOptions) bool {
	return o.SeenTTL == 0 && o.SendRate == 0 && o.SendBurst == 0 &&
		!o.Retry.Enabled && o.Retry.MaxAttempts == 0
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
