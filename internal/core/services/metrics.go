package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// InMemoryMetrics records call counters in process. It backs the control API
// status view and the tests; the Prometheus collector covers scraping.
type InMemoryMetrics struct {
	activePeers     atomic.Int64
	signalsSent     atomic.Int64
	signalsReceived atomic.Int64
	signalsDropped  atomic.Int64
	signalsFailed   atomic.Int64
	remoteTracks    atomic.Int64
	bytesReceived   atomic.Int64
	negotiations    atomic.Int64
	lastNegotiation atomic.Int64

	mu         sync.Mutex
	peerErrors map[string]int64
	dropped    map[string]int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		peerErrors: make(map[string]int64),
		dropped:    make(map[string]int64),
	}
}

func (m *InMemoryMetrics) PeerLinked()   { m.activePeers.Add(1) }
func (m *InMemoryMetrics) PeerUnlinked() { m.activePeers.Add(-1) }

func (m *InMemoryMetrics) NegotiationCompleted(d time.Duration) {
	m.negotiations.Add(1)
	m.lastNegotiation.Store(int64(d))
}

func (m *InMemoryMetrics) SignalSent(string)     { m.signalsSent.Add(1) }
func (m *InMemoryMetrics) SignalReceived(string) { m.signalsReceived.Add(1) }
func (m *InMemoryMetrics) SignalFailed()         { m.signalsFailed.Add(1) }
func (m *InMemoryMetrics) RemoteTrack(string)    { m.remoteTracks.Add(1) }
func (m *InMemoryMetrics) BytesReceived(n int)   { m.bytesReceived.Add(int64(n)) }

func (m *InMemoryMetrics) SignalDropped(reason string) {
	m.signalsDropped.Add(1)
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) PeerError(kind string) {
	m.mu.Lock()
	m.peerErrors[kind]++
	m.mu.Unlock()
}

// Dropped returns how many signals were discarded for reason.
func (m *InMemoryMetrics) Dropped(reason string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *InMemoryMetrics) Stats() domain.CallStats {
	m.mu.Lock()
	errs := make(map[string]int64, len(m.peerErrors))
	for k, v := range m.peerErrors {
		errs[k] = v
	}
	m.mu.Unlock()

	return domain.CallStats{
		ActivePeers:       int(m.activePeers.Load()),
		SignalsSent:       m.signalsSent.Load(),
		SignalsReceived:   m.signalsReceived.Load(),
		SignalsDropped:    m.signalsDropped.Load(),
		SignalsFailed:     m.signalsFailed.Load(),
		PeerErrors:        errs,
		RemoteTracks:      m.remoteTracks.Load(),
		BytesReceived:     m.bytesReceived.Load(),
		NegotiationsTotal: m.negotiations.Load(),
		LastNegotiation:   time.Duration(m.lastNegotiation.Load()),
	}
}

// MultiMetrics fans every observation out to several recorders.
type MultiMetrics []ports.CallMetrics

func (mm MultiMetrics) PeerLinked() {
	for _, m := range mm {
		m.PeerLinked()
	}
}

func (mm MultiMetrics) PeerUnlinked() {
	for _, m := range mm {
		m.PeerUnlinked()
	}
}

func (mm MultiMetrics) NegotiationCompleted(d time.Duration) {
	for _, m := range mm {
		m.NegotiationCompleted(d)
	}
}

func (mm MultiMetrics) SignalSent(kind string) {
	for _, m := range mm {
		m.SignalSent(kind)
	}
}

func (mm MultiMetrics) SignalReceived(kind string) {
	for _, m := range mm {
		m.SignalReceived(kind)
	}
}

func (mm MultiMetrics) SignalDropped(reason string) {
	for _, m := range mm {
		m.SignalDropped(reason)
	}
}

func (mm MultiMetrics) SignalFailed() {
	for _, m := range mm {
		m.SignalFailed()
	}
}

func (mm MultiMetrics) PeerError(kind string) {
	for _, m := range mm {
		m.PeerError(kind)
	}
}

func (mm MultiMetrics) RemoteTrack(kind string) {
	for _, m := range mm {
		m.RemoteTrack(kind)
	}
}

func (mm MultiMetrics) BytesReceived(n int) {
	for _, m := range mm {
		m.BytesReceived(n)
	}
}

func errorKindLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, domain.ErrNegotiationFailure):
		return "negotiation"
	case errors.Is(err, domain.ErrTransportFailed):
		return "transport"
	case errors.Is(err, domain.ErrSignalingDelivery):
		return "signaling"
	case errors.Is(err, domain.ErrMeshFull):
		return "mesh_full"
	}
	return "other"
}
