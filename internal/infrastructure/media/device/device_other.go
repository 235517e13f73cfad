//go:build !linux || !cgo

package device

import (
	"context"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/media"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type Capture struct {
	logger *zap.SugaredLogger
}

func NewCapture(_ Config, logger *zap.SugaredLogger) (*Capture, error) {
	return &Capture{logger: logger}, nil
}

func (c *Capture) MediaSetup(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capture) Acquire(context.Context, bool) (ports.LocalStream, error) {
	return nil, fmt.Errorf("%w: device capture is only supported on linux", domain.ErrMediaUnavailable)
}

func (c *Capture) SetTrackEnabled(stream ports.LocalStream, kind webrtc.RTPCodecType, enabled bool) error {
	return media.SetTrackEnabled(stream, kind, enabled)
}

func (c *Capture) SwitchFacing(context.Context, ports.LocalStream) error {
	return domain.ErrSwitchUnsupported
}
