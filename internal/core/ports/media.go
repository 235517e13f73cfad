package ports

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LocalStream is the captured microphone and optional camera. Its tracks are
// shared by every peer link of a session.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	HasKind(kind webrtc.RTPCodecType) bool
	TrackEnabled(kind webrtc.RTPCodecType) bool
	Stop()
}

type MediaCapture interface {
	Acquire(ctx context.Context, video bool) (LocalStream, error)
	SetTrackEnabled(stream LocalStream, kind webrtc.RTPCodecType, enabled bool) error
	SwitchFacing(ctx context.Context, stream LocalStream) error
}
