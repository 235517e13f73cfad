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
	"meshcall/pkg/cache"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	defaultOrphanCandidateLimit = 64
	defaultDepartedTTL          = 5 * time.Minute
)

type PeerManagerConfig struct {
	SelfID             domain.UserID
	Kind               domain.CallKind
	NegotiationTimeout time.Duration
	ReconnectAttempts  int
	ReconnectBackoff   time.Duration
	MaxPeers           int
	OrphanLimit        int
	// DepartedTTL is how long signals from a peer that left are dropped.
	DepartedTTL time.Duration
}

// SignalSender queues an outbound signal for a peer.
type SignalSender interface {
	Enqueue(to domain.UserID, msg domain.SignalMessage) bool
	Discard(to domain.UserID) int
}

// PeerLinkInfo is a snapshot of one link for status views.
type PeerLinkInfo struct {
	PeerID            domain.UserID          `json:"peer_id"`
	Role              domain.NegotiationRole `json:"role"`
	State             domain.PeerLinkState   `json:"state"`
	NegotiationID     string                 `json:"negotiation_id"`
	Transport         string                 `json:"transport"`
	RemoteTracks      int                    `json:"remote_tracks"`
	PendingCandidates int                    `json:"pending_candidates"`
}

type remoteCandidate struct {
	init          webrtc.ICECandidateInit
	negotiationID string
}

type peerLink struct {
	peerID        domain.UserID
	role          domain.NegotiationRole
	negotiationID string
	pc            ports.PeerConnection
	state         domain.PeerLinkState
	transport     webrtc.PeerConnectionState
	remoteSet     bool
	remoteOffer   string
	pending       []webrtc.ICECandidateInit
	seen          map[string]struct{}
	remoteTracks  int
	startedAt     time.Time
	timer         *time.Timer
	closed        atomic.Bool
}

// PeerManager owns one peer link per remote participant. Every method except
// the constructor must run on the session loop; pion callbacks are posted
// back onto it.
type PeerManager struct {
	cfg     PeerManagerConfig
	factory ports.PeerConnectionFactory
	sender  SignalSender
	post    func(func()) bool
	emit    func(Event)
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	local     ports.LocalStream
	links     map[domain.UserID]*peerLink
	present   map[domain.UserID]domain.Participant
	departed  *cache.Cache[struct{}]
	orphans   map[domain.UserID][]remoteCandidate
	retries   map[domain.UserID]int
	reconnect map[domain.UserID]*time.Timer

	// selfObserved is set once our own presence document has been seen,
	// after which present holds every participant of the call.
	selfObserved bool
}

func NewPeerManager(
	cfg PeerManagerConfig,
	factory ports.PeerConnectionFactory,
	sender SignalSender,
	post func(func()) bool,
	emit func(Event),
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *PeerManager {
	if cfg.OrphanLimit <= 0 {
		cfg.OrphanLimit = defaultOrphanCandidateLimit
	}
	if cfg.DepartedTTL <= 0 {
		cfg.DepartedTTL = defaultDepartedTTL
	}
	return &PeerManager{
		cfg:       cfg,
		factory:   factory,
		sender:    sender,
		post:      post,
		emit:      emit,
		metrics:   metrics,
		logger:    logger,
		links:     make(map[domain.UserID]*peerLink),
		present:   make(map[domain.UserID]domain.Participant),
		departed:  cache.New[struct{}](cfg.DepartedTTL),
		orphans:   make(map[domain.UserID][]remoteCandidate),
		retries:   make(map[domain.UserID]int),
		reconnect: make(map[domain.UserID]*time.Timer),
	}
}

// SetLocalStream sets the tracks attached to links created from now on.
func (m *PeerManager) SetLocalStream(stream ports.LocalStream) {
	m.local = stream
}

// SelfObserved marks the presence snapshot as complete.
func (m *PeerManager) SelfObserved() {
	m.selfObserved = true
}

// PeerJoined records a present participant and opens a link when self is
// the initiator for the pair.
func (m *PeerManager) PeerJoined(peer, self domain.Participant) {
	if peer.ID == m.cfg.SelfID {
		return
	}
	m.departed.Delete(string(peer.ID))
	m.present[peer.ID] = peer

	if _, ok := m.links[peer.ID]; ok {
		return
	}
	if !ShouldInitiate(self, peer) {
		m.logger.Debugw("awaiting offer", "peer_id", peer.ID)
		return
	}
	m.initiate(peer.ID)
}

// PeerUpdated refreshes a participant. A changed join time means the peer
// rejoined without leaving, so its old link is useless.
func (m *PeerManager) PeerUpdated(peer, self domain.Participant) {
	prev, known := m.present[peer.ID]
	if !known {
		m.PeerJoined(peer, self)
		return
	}
	m.present[peer.ID] = peer
	if prev.JoinedAt.IsZero() {
		// The initiator decision may have used the id fallback while the
		// join time was pending. Decide again now that it is known.
		if _, linked := m.links[peer.ID]; !linked && !peer.JoinedAt.IsZero() {
			m.PeerJoined(peer, self)
		}
		return
	}
	if prev.JoinedAt.Equal(peer.JoinedAt) {
		return
	}
	m.logger.Infow("peer rejoined, renegotiating", "peer_id", peer.ID)
	delete(m.orphans, peer.ID)
	m.closeLink(peer.ID)
	m.PeerJoined(peer, self)
}

// PeerLeft tears down the link to a departed participant. Later signals from
// it are discarded until it joins again.
func (m *PeerManager) PeerLeft(peerID domain.UserID) {
	m.departed.Set(string(peerID), struct{}{})
	delete(m.present, peerID)
	delete(m.orphans, peerID)
	delete(m.retries, peerID)
	m.stopReconnect(peerID)
	if n := m.sender.Discard(peerID); n > 0 {
		m.logger.Debugw("discarded queued signals", "peer_id", peerID, "count", n)
	}
	m.closeLink(peerID)
}

// HandleSignal applies one inbox message.
func (m *PeerManager) HandleSignal(msg domain.SignalMessage) {
	if msg.From == "" || msg.From == m.cfg.SelfID {
		m.metrics.SignalDropped("self")
		return
	}
	if _, gone := m.departed.Get(string(msg.From)); gone {
		m.metrics.SignalDropped("departed")
		m.logger.Debugw("dropping signal from departed peer", "peer_id", msg.From, "type", msg.Type)
		return
	}
	if p, ok := m.present[msg.From]; ok && !p.JoinedAt.IsZero() && !msg.Timestamp.IsZero() && msg.Timestamp.Before(p.JoinedAt) {
		m.metrics.SignalDropped("stale_session")
		return
	}

	switch msg.Type {
	case domain.SignalOffer:
		m.handleOffer(msg)
	case domain.SignalAnswer:
		m.handleAnswer(msg)
	case domain.SignalICECandidate:
		m.handleCandidate(msg)
	default:
		m.metrics.SignalDropped("invalid")
	}
}

// CloseAll closes every link and waits for the connections to shut down.
func (m *PeerManager) CloseAll() {
	for id := range m.reconnect {
		m.stopReconnect(id)
	}
	var wg sync.WaitGroup
	for _, id := range lo.Keys(m.links) {
		if pc := m.detach(id); pc != nil {
			wg.Add(1)
			go func(id domain.UserID, pc ports.PeerConnection) {
				defer wg.Done()
				if err := pc.Close(); err != nil {
					m.logger.Debugw("close peer connection", "peer_id", id, "error", err)
				}
			}(id, pc)
		}
	}
	wg.Wait()
	m.orphans = make(map[domain.UserID][]remoteCandidate)
	m.departed.Stop()
}

func (m *PeerManager) Links() []PeerLinkInfo {
	out := lo.MapToSlice(m.links, func(_ domain.UserID, l *peerLink) PeerLinkInfo {
		return PeerLinkInfo{
			PeerID:            l.peerID,
			Role:              l.role,
			State:             l.state,
			NegotiationID:     l.negotiationID,
			Transport:         l.transport.String(),
			RemoteTracks:      l.remoteTracks,
			PendingCandidates: len(l.pending),
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (m *PeerManager) initiate(peerID domain.UserID) {
	delete(m.orphans, peerID)
	link, err := m.newLink(peerID, domain.RoleInitiator, utils.NewNegotiationID())
	if err != nil {
		m.reportError(peerID, err)
		return
	}
	ctx, span := tracing.TraceNegotiation(context.Background(), "offer", string(peerID), link.negotiationID)
	defer span.End()

	if err := m.attachTracks(link, true); err != nil {
		m.failNegotiation(ctx, link, err)
		return
	}
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		m.failNegotiation(ctx, link, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		m.failNegotiation(ctx, link, fmt.Errorf("set local offer: %w", err))
		return
	}
	m.send(peerID, domain.SignalOffer, descriptionPayload(offer, link.negotiationID))
	m.logger.Infow("offer sent",
		"peer_id", peerID,
		"negotiation_id", link.negotiationID,
	)
}

func (m *PeerManager) handleOffer(msg domain.SignalMessage) {
	desc, negotiationID, err := decodeDescription(msg.Payload)
	if err != nil || desc.Type != webrtc.SDPTypeOffer {
		m.metrics.SignalDropped("invalid")
		m.logger.Warnw("ignoring malformed offer", "peer_id", msg.From, "error", err)
		return
	}

	if link := m.links[msg.From]; link != nil {
		switch {
		case negotiationID != "" && negotiationID == link.negotiationID:
			m.metrics.SignalDropped("duplicate")
			return
		case negotiationID == "" && (link.state == domain.PeerLinkConnected || link.remoteOffer == desc.SDP):
			m.metrics.SignalDropped("duplicate")
			return
		case link.role == domain.RoleInitiator && !link.remoteSet:
			if m.cfg.SelfID < msg.From {
				m.metrics.SignalDropped("glare")
				m.logger.Debugw("offer collision, keeping ours", "peer_id", msg.From)
				return
			}
			m.logger.Debugw("offer collision, yielding", "peer_id", msg.From)
		default:
			m.logger.Infow("peer restarted negotiation",
				"peer_id", msg.From,
				"negotiation_id", negotiationID,
			)
		}
		m.closeLink(msg.From)
	}

	m.answer(msg.From, desc, negotiationID)
}

func (m *PeerManager) answer(peerID domain.UserID, offer webrtc.SessionDescription, negotiationID string) {
	link, err := m.newLink(peerID, domain.RoleAnswerer, negotiationID)
	if err != nil {
		m.reportError(peerID, err)
		return
	}
	ctx, span := tracing.TraceNegotiation(context.Background(), "answer", string(peerID), negotiationID)
	defer span.End()

	link.remoteOffer = offer.SDP
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		m.failNegotiation(ctx, link, fmt.Errorf("set remote offer: %w", err))
		return
	}
	link.remoteSet = true
	m.adoptOrphans(link)
	m.flushCandidates(link)

	if err := m.attachTracks(link, false); err != nil {
		m.failNegotiation(ctx, link, err)
		return
	}
	ans, err := link.pc.CreateAnswer(nil)
	if err != nil {
		m.failNegotiation(ctx, link, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := link.pc.SetLocalDescription(ans); err != nil {
		m.failNegotiation(ctx, link, fmt.Errorf("set local answer: %w", err))
		return
	}
	m.send(peerID, domain.SignalAnswer, descriptionPayload(ans, negotiationID))
	m.logger.Infow("answer sent",
		"peer_id", peerID,
		"negotiation_id", negotiationID,
	)
}

// failNegotiation records err on the negotiation span and fails the link.
func (m *PeerManager) failNegotiation(ctx context.Context, link *peerLink, err error) {
	tracing.RecordError(ctx, err)
	m.fail(link, domain.ErrNegotiationFailure, err)
}

func (m *PeerManager) handleAnswer(msg domain.SignalMessage) {
	desc, negotiationID, err := decodeDescription(msg.Payload)
	if err != nil || desc.Type != webrtc.SDPTypeAnswer {
		m.metrics.SignalDropped("invalid")
		m.logger.Warnw("ignoring malformed answer", "peer_id", msg.From, "error", err)
		return
	}
	link := m.links[msg.From]
	switch {
	case link == nil || link.role != domain.RoleInitiator:
		m.metrics.SignalDropped("unexpected_answer")
		return
	case negotiationID != "" && negotiationID != link.negotiationID:
		m.metrics.SignalDropped("stale")
		return
	case link.remoteSet || link.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer:
		m.metrics.SignalDropped("duplicate")
		return
	}

	if err := link.pc.SetRemoteDescription(desc); err != nil {
		m.fail(link, domain.ErrNegotiationFailure, fmt.Errorf("set remote answer: %w", err))
		return
	}
	link.remoteSet = true
	m.flushCandidates(link)
	m.logger.Debugw("answer applied", "peer_id", msg.From, "negotiation_id", link.negotiationID)
}

func (m *PeerManager) handleCandidate(msg domain.SignalMessage) {
	c, negotiationID, err := decodeCandidate(msg.Payload)
	if err != nil {
		m.metrics.SignalDropped("invalid")
		m.logger.Warnw("ignoring malformed candidate", "peer_id", msg.From, "error", err)
		return
	}
	rc := remoteCandidate{init: c, negotiationID: negotiationID}

	link := m.links[msg.From]
	if link == nil || (negotiationID != "" && link.negotiationID != "" && negotiationID != link.negotiationID) {
		// May belong to an offer that has not arrived yet.
		m.bufferOrphan(msg.From, rc)
		return
	}
	m.acceptCandidate(link, c)
}

func (m *PeerManager) acceptCandidate(link *peerLink, c webrtc.ICECandidateInit) {
	key := candidateKey(c)
	if _, dup := link.seen[key]; dup {
		m.metrics.SignalDropped("duplicate")
		return
	}
	link.seen[key] = struct{}{}

	if !link.remoteSet {
		link.pending = append(link.pending, c)
		return
	}
	m.applyCandidate(link, c)
}

func (m *PeerManager) applyCandidate(link *peerLink, c webrtc.ICECandidateInit) {
	if err := link.pc.AddICECandidate(c); err != nil {
		m.logger.Warnw("failed to add ice candidate",
			"peer_id", link.peerID,
			"candidate", c.Candidate,
			"error", err,
		)
	}
}

func (m *PeerManager) flushCandidates(link *peerLink) {
	pending := link.pending
	link.pending = nil
	for _, c := range pending {
		m.applyCandidate(link, c)
	}
}

func (m *PeerManager) bufferOrphan(peerID domain.UserID, rc remoteCandidate) {
	buf := m.orphans[peerID]
	if len(buf) >= m.cfg.OrphanLimit {
		m.metrics.SignalDropped("orphan_overflow")
		return
	}
	m.orphans[peerID] = append(buf, rc)
}

func (m *PeerManager) adoptOrphans(link *peerLink) {
	buf := m.orphans[link.peerID]
	delete(m.orphans, link.peerID)
	for _, rc := range buf {
		if rc.negotiationID != "" && link.negotiationID != "" && rc.negotiationID != link.negotiationID {
			m.metrics.SignalDropped("stale")
			continue
		}
		m.acceptCandidate(link, rc.init)
	}
}

func (m *PeerManager) newLink(peerID domain.UserID, role domain.NegotiationRole, negotiationID string) (*peerLink, error) {
	if m.cfg.MaxPeers > 0 && len(m.links) >= m.cfg.MaxPeers {
		return nil, domain.NewPeerError(peerID, domain.ErrMeshFull, fmt.Errorf("%d links open", len(m.links)))
	}
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, domain.NewPeerError(peerID, domain.ErrNegotiationFailure, fmt.Errorf("new peer connection: %w", err))
	}

	link := &peerLink{
		peerID:        peerID,
		role:          role,
		negotiationID: negotiationID,
		pc:            pc,
		state:         domain.PeerLinkNegotiating,
		transport:     webrtc.PeerConnectionStateNew,
		seen:          make(map[string]struct{}),
		startedAt:     time.Now(),
	}
	m.wire(link)
	m.links[peerID] = link
	m.metrics.PeerLinked()

	if m.cfg.NegotiationTimeout > 0 {
		timeout := m.cfg.NegotiationTimeout
		link.timer = time.AfterFunc(timeout, func() {
			m.post(func() {
				if !m.current(link) || link.state != domain.PeerLinkNegotiating {
					return
				}
				if m.absent(link) {
					m.logger.Infow("closing link to peer not in the call", "peer_id", link.peerID)
					m.closeLink(link.peerID)
					return
				}
				m.fail(link, domain.ErrTransportFailed, fmt.Errorf("not connected within %s", timeout))
			})
		})
	}

	m.emitPeerState(link)
	return link, nil
}

func (m *PeerManager) wire(link *peerLink) {
	link.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || link.closed.Load() {
			return
		}
		init := c.ToJSON()
		m.post(func() {
			if m.current(link) {
				m.send(link.peerID, domain.SignalICECandidate, candidatePayload(init, link.negotiationID))
			}
		})
	})

	link.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.post(func() { m.onTrack(link, track, receiver) })
	})

	link.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func() { m.onConnectionState(link, s) })
	})
}

func (m *PeerManager) onTrack(link *peerLink, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if !m.current(link) {
		return
	}
	link.remoteTracks++
	m.metrics.RemoteTrack(track.Kind().String())

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := link.pc.WriteRTCP(pli); err != nil {
			m.logger.Debugw("keyframe request failed", "peer_id", link.peerID, "error", err)
		}
	}

	m.logger.Infow("remote track",
		"peer_id", link.peerID,
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)
	m.emit(Event{
		Type:     EventRemoteStream,
		PeerID:   link.peerID,
		Track:    track,
		Receiver: receiver,
	})
}

func (m *PeerManager) onConnectionState(link *peerLink, s webrtc.PeerConnectionState) {
	if !m.current(link) {
		return
	}
	link.transport = s

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if link.state == domain.PeerLinkConnected {
			return
		}
		link.state = domain.PeerLinkConnected
		if link.timer != nil {
			link.timer.Stop()
		}
		delete(m.retries, link.peerID)
		m.metrics.NegotiationCompleted(time.Since(link.startedAt))
		m.logger.Infow("peer connected",
			"peer_id", link.peerID,
			"role", link.role,
			"elapsed", time.Since(link.startedAt),
		)
		m.emitPeerState(link)
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may recover on its own; only Failed ends the link.
		m.logger.Warnw("peer transport interrupted", "peer_id", link.peerID)
	case webrtc.PeerConnectionStateFailed:
		m.fail(link, domain.ErrTransportFailed, errors.New("ice connection failed"))
	}
}

// fail reports a link failure and closes the link. Initiators retry while
// the peer is still present and attempts remain.
func (m *PeerManager) fail(link *peerLink, kind, cause error) {
	if !m.current(link) {
		return
	}
	link.state = domain.PeerLinkFailed
	m.reportError(link.peerID, domain.NewPeerError(link.peerID, kind, cause))
	m.emitPeerState(link)
	m.closeLink(link.peerID)

	if link.role == domain.RoleInitiator {
		m.scheduleReconnect(link.peerID)
	}
}

func (m *PeerManager) reportError(peerID domain.UserID, err error) {
	m.metrics.PeerError(errorKindLabel(err))
	m.logger.Warnw("peer link error", "peer_id", peerID, "error", err)
	m.emit(Event{Type: EventError, PeerID: peerID, Err: err})
}

func (m *PeerManager) scheduleReconnect(peerID domain.UserID) {
	if _, ok := m.present[peerID]; !ok {
		return
	}
	attempt := m.retries[peerID]
	if attempt >= m.cfg.ReconnectAttempts {
		return
	}
	m.retries[peerID] = attempt + 1

	delay := m.cfg.ReconnectBackoff * time.Duration(attempt+1)
	m.logger.Infow("scheduling reconnect",
		"peer_id", peerID,
		"attempt", attempt+1,
		"delay", delay,
	)
	m.stopReconnect(peerID)
	m.reconnect[peerID] = time.AfterFunc(delay, func() {
		m.post(func() {
			delete(m.reconnect, peerID)
			if _, ok := m.present[peerID]; !ok {
				return
			}
			if _, busy := m.links[peerID]; busy {
				return
			}
			m.initiate(peerID)
		})
	})
}

func (m *PeerManager) stopReconnect(peerID domain.UserID) {
	if t, ok := m.reconnect[peerID]; ok {
		t.Stop()
		delete(m.reconnect, peerID)
	}
}

// closeLink removes the link and closes its connection off the loop.
func (m *PeerManager) closeLink(peerID domain.UserID) {
	pc := m.detach(peerID)
	if pc == nil {
		return
	}
	go func() {
		if err := pc.Close(); err != nil {
			m.logger.Debugw("close peer connection", "peer_id", peerID, "error", err)
		}
	}()
}

func (m *PeerManager) detach(peerID domain.UserID) ports.PeerConnection {
	link, ok := m.links[peerID]
	if !ok {
		return nil
	}
	delete(m.links, peerID)
	link.closed.Store(true)
	if link.timer != nil {
		link.timer.Stop()
	}
	link.pending = nil
	link.state = domain.PeerLinkClosed
	m.metrics.PeerUnlinked()
	m.emitPeerState(link)
	return link.pc
}

func (m *PeerManager) attachTracks(link *peerLink, offerer bool) error {
	have := make(map[webrtc.RTPCodecType]bool)
	if m.local != nil {
		for _, track := range m.local.Tracks() {
			if _, err := link.pc.AddTrack(track); err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			have[track.Kind()] = true
		}
	}
	if !offerer {
		return nil
	}

	// Offer to receive kinds we do not send so the peer can still send them.
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if m.cfg.Kind.HasVideo() {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if have[kind] {
			continue
		}
		if _, err := link.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (m *PeerManager) send(peerID domain.UserID, t domain.SignalType, payload map[string]interface{}) {
	msg := domain.SignalMessage{Type: t, From: m.cfg.SelfID, Payload: payload}
	if !m.sender.Enqueue(peerID, msg) {
		m.logger.Debugw("outbox closed, signal not sent", "peer_id", peerID, "type", t)
	}
}

// absent reports an answerer link to a peer that is not in the complete
// presence snapshot, such as one that left before we joined.
func (m *PeerManager) absent(link *peerLink) bool {
	if link.role != domain.RoleAnswerer || !m.selfObserved {
		return false
	}
	_, ok := m.present[link.peerID]
	return !ok
}

func (m *PeerManager) current(link *peerLink) bool {
	return m.links[link.peerID] == link
}

func (m *PeerManager) emitPeerState(link *peerLink) {
	m.emit(Event{Type: EventPeerState, PeerID: link.peerID, PeerState: link.state})
}
