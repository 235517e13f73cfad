package webrtc

import (
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PeerMediaStats summarizes what has been received from one peer.
type PeerMediaStats struct {
	PeerID        domain.UserID `json:"peer_id"`
	Tracks        int           `json:"tracks"`
	Packets       int64         `json:"packets"`
	Bytes         int64         `json:"bytes"`
	SenderReports int64         `json:"sender_reports"`
	FractionLost  float64       `json:"fraction_lost"`
	Jitter        uint32        `json:"jitter"`
	LastPacket    time.Time     `json:"last_packet"`
}

// TrackSink consumes remote tracks on a node without playback. It reads RTP
// so the receive pipeline keeps moving and records per-peer statistics.
type TrackSink struct {
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	stats map[domain.UserID]*PeerMediaStats
	wg    sync.WaitGroup
}

func NewTrackSink(metrics ports.CallMetrics, logger *zap.SugaredLogger) *TrackSink {
	return &TrackSink{
		metrics: metrics,
		logger:  logger,
		stats:   make(map[domain.UserID]*PeerMediaStats),
	}
}

// Consume starts reading track and its receiver until the track ends.
func (s *TrackSink) Consume(peerID domain.UserID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.register(peerID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readRTP(peerID, track)
	}()
	if receiver != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readRTCP(peerID, receiver)
		}()
	}
}

// Forget drops the statistics of a departed peer.
func (s *TrackSink) Forget(peerID domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, peerID)
}

func (s *TrackSink) Stats() []PeerMediaStats {
	s.mu.Lock()
	out := make([]PeerMediaStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Wait blocks until every reader has stopped. Readers stop when their peer
// connection closes.
func (s *TrackSink) Wait() {
	s.wg.Wait()
}

func (s *TrackSink) readRTP(peerID domain.UserID, track *webrtc.TrackRemote) {
	buf := optimize.RTPBuffers().Get()
	defer optimize.RTPBuffers().Put(buf)

	var pkt rtp.Packet
	for {
		read, _, err := track.Read(*buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debugw("remote track ended",
					"peer_id", peerID,
					"track_id", track.ID(),
					"error", err,
				)
			}
			return
		}
		if err := pkt.Unmarshal((*buf)[:read]); err != nil {
			continue
		}
		n := len(pkt.Payload)
		s.metrics.BytesReceived(n)
		s.recordPacket(peerID, n)
	}
}

// recordPacket counts a received payload. Packets still in flight after
// Forget are not counted.
func (s *TrackSink) recordPacket(peerID domain.UserID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[peerID]
	if !ok {
		return
	}
	st.Packets++
	st.Bytes += int64(n)
	st.LastPacket = time.Now()
}

func (s *TrackSink) readRTCP(peerID domain.UserID, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		s.processRTCPPackets(peerID, packets)
	}
}

func (s *TrackSink) processRTCPPackets(peerID domain.UserID, packets []rtcp.Packet) {
	var totalLoss, totalJitter uint32
	reports := 0
	senderReports := 0

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.SenderReport:
			senderReports++
			for _, r := range p.Reports {
				totalLoss += uint32(r.FractionLost)
				totalJitter += r.Jitter
				reports++
			}
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				totalLoss += uint32(r.FractionLost)
				totalJitter += r.Jitter
				reports++
			}
		case *rtcp.Goodbye:
			s.logger.Debugw("peer sent RTCP goodbye", "peer_id", peerID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[peerID]
	if !ok {
		return
	}
	st.SenderReports += int64(senderReports)
	if reports > 0 {
		st.FractionLost = float64(totalLoss) / float64(reports) / 256.0
		st.Jitter = totalJitter / uint32(reports)
	}
}

func (s *TrackSink) register(peerID domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[peerID]
	if !ok {
		st = &PeerMediaStats{PeerID: peerID}
		s.stats[peerID] = st
	}
	st.Tracks++
}
