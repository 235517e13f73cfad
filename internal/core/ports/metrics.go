package ports

import "time"

type CallMetrics interface {
	PeerLinked()
	PeerUnlinked()
	NegotiationCompleted(d time.Duration)
	SignalSent(kind string)
	SignalReceived(kind string)
	SignalDropped(reason string)
	SignalFailed()
	PeerError(kind string)
	RemoteTrack(kind string)
	BytesReceived(n int)
}
