package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

var _ ports.MediaCapture = (*SyntheticCapture)(nil)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type SyntheticConfig struct {
	// Facings lists the simulated cameras. SwitchFacing cycles through them
	// and is unsupported with fewer than two.
	Facings       []string
	AudioInterval time.Duration
	FrameRate     int
	Width         int
	Height        int
	// FailAcquire makes Acquire fail, for exercising the media error path.
	FailAcquire bool
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Facings:       []string{"front", "back"},
		AudioInterval: 20 * time.Millisecond,
		FrameRate:     30,
		Width:         640,
		Height:        480,
	}
}

// SyntheticCapture produces generated Opus and VP8 samples in place of a
// microphone and camera. Receivers get well-formed RTP at the configured
// pace; the video payload is a placeholder and does not decode to an image.
type SyntheticCapture struct {
	cfg    SyntheticConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	streams map[*Stream]*syntheticState
}

type syntheticState struct {
	ctx       context.Context
	wg        *sync.WaitGroup
	facing    int
	videoStop context.CancelFunc
}

func NewSyntheticCapture(cfg SyntheticConfig, logger *zap.SugaredLogger) *SyntheticCapture {
	defaults := DefaultSyntheticConfig()
	if cfg.AudioInterval <= 0 {
		cfg.AudioInterval = defaults.AudioInterval
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = defaults.FrameRate
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaults.Width, defaults.Height
	}
	return &SyntheticCapture{
		cfg:     cfg,
		logger:  logger,
		streams: make(map[*Stream]*syntheticState),
	}
}

func (c *SyntheticCapture) Acquire(ctx context.Context, video bool) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	if c.cfg.FailAcquire {
		return nil, fmt.Errorf("%w: synthetic capture disabled", domain.ErrMediaUnavailable)
	}

	streamID := utils.GenerateID("stream")
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %w", domain.ErrMediaUnavailable, err)
	}

	genCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	state := &syntheticState{ctx: genCtx, wg: &wg}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.generate(genCtx, audioTrack, c.cfg.AudioInterval, func(uint64) []byte { return opusSilence })
	}()

	var videoGate *GatedTrack
	if video {
		videoTrack, err := c.newVideoTrack(streamID)
		if err != nil {
			cancel()
			wg.Wait()
			return nil, fmt.Errorf("%w: video track: %w", domain.ErrMediaUnavailable, err)
		}
		videoGate = NewGatedTrack(videoTrack)
		state.videoStop = c.startVideo(genCtx, &wg, videoTrack, 0)
	}

	var stream *Stream
	stream = NewStream(streamID, NewGatedTrack(audioTrack), videoGate, func() {
		c.mu.Lock()
		delete(c.streams, stream)
		c.mu.Unlock()
		cancel()
		wg.Wait()
	})

	c.mu.Lock()
	c.streams[stream] = state
	c.mu.Unlock()

	c.logger.Debugw("synthetic media acquired",
		"stream_id", streamID,
		"video", video,
	)
	return stream, nil
}

func (c *SyntheticCapture) SetTrackEnabled(stream ports.LocalStream, kind webrtc.RTPCodecType, enabled bool) error {
	return SetTrackEnabled(stream, kind, enabled)
}

// SwitchFacing moves the video track to the next simulated camera. The new
// source is bound under the existing senders before the old one stops.
func (c *SyntheticCapture) SwitchFacing(ctx context.Context, stream ports.LocalStream) error {
	s, ok := stream.(*Stream)
	if !ok || s.Track(webrtc.RTPCodecTypeVideo) == nil {
		return domain.ErrSwitchUnsupported
	}
	if len(c.cfg.Facings) < 2 {
		return domain.ErrSwitchUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.streams[s]
	if !ok {
		return domain.ErrSwitchUnsupported
	}

	next, err := c.newVideoTrack(s.ID())
	if err != nil {
		return fmt.Errorf("switch camera: %w", err)
	}
	if _, err := s.Track(webrtc.RTPCodecTypeVideo).Replace(next); err != nil {
		return fmt.Errorf("switch camera: %w", err)
	}

	facing := (state.facing + 1) % len(c.cfg.Facings)
	if state.videoStop != nil {
		state.videoStop()
	}
	state.videoStop = c.startVideo(state.ctx, state.wg, next, facing)
	state.facing = facing

	c.logger.Infow("camera switched",
		"stream_id", s.ID(),
		"facing", c.cfg.Facings[facing],
	)
	return nil
}

// Facing reports the simulated camera currently feeding the stream.
func (c *SyntheticCapture) Facing(stream ports.LocalStream) string {
	s, ok := stream.(*Stream)
	if !ok || len(c.cfg.Facings) == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.streams[s]
	if !ok {
		return ""
	}
	return c.cfg.Facings[state.facing]
}

func (c *SyntheticCapture) newVideoTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
}

func (c *SyntheticCapture) startVideo(parent context.Context, wg *sync.WaitGroup, track *webrtc.TrackLocalStaticSample, facing int) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.generate(ctx, track, time.Second/time.Duration(c.cfg.FrameRate), c.videoFrame(facing))
	}()
	return cancel
}

// videoFrame returns a payload generator. Every frame carries the frame
// number and the facing index so receivers can tell sources apart.
func (c *SyntheticCapture) videoFrame(facing int) func(uint64) []byte {
	size := c.cfg.Width * c.cfg.Height / 256
	if size < 16 {
		size = 16
	}
	return func(n uint64) []byte {
		frame := make([]byte, size)
		frame[0] = byte(facing)
		for i := 0; i < 8; i++ {
			frame[1+i] = byte(n >> (8 * i))
		}
		return frame
	}
}

func (c *SyntheticCapture) generate(ctx context.Context, track *webrtc.TrackLocalStaticSample, interval time.Duration, payload func(uint64) []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := track.WriteSample(pmedia.Sample{Data: payload(n), Duration: interval})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debugw("synthetic sample write failed",
					"track_id", track.ID(),
					"error", err,
				)
			}
			n++
		}
	}
}
