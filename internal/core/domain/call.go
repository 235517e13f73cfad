package domain

type GroupID string

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

func (k CallKind) HasVideo() bool {
	return k == CallKindVideo
}

type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateEnded      CallState = "ended"
)

// MediaBackend selects whether a session exchanges media at all. PresenceOnly
// sessions register presence and consume signaling but never open peer
// connections.
type MediaBackend string

const (
	MediaBackendReal         MediaBackend = "real"
	MediaBackendPresenceOnly MediaBackend = "presence-only"
)

func (b MediaBackend) Valid() bool {
	return b == MediaBackendReal || b == MediaBackendPresenceOnly
}
