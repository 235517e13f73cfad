package domain

import "time"

// CallStats is a point-in-time view of the counters a session records.
type CallStats struct {
	ActivePeers       int
	SignalsSent       int64
	SignalsReceived   int64
	SignalsDropped    int64
	SignalsFailed     int64
	PeerErrors        map[string]int64
	RemoteTracks      int64
	BytesReceived     int64
	NegotiationsTotal int64
	LastNegotiation   time.Duration
}
