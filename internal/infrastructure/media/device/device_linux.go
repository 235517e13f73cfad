//go:build linux && cgo

package device

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/media"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Capture opens the camera and microphone with VP8 and Opus encoders. The
// peer connection factory must register the same codecs, see MediaSetup.
type Capture struct {
	cfg      Config
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	cameras map[*media.Stream]*cameraState
}

type cameraState struct {
	deviceID string
	track    mediadevices.Track
}

func NewCapture(cfg Config, logger *zap.SugaredLogger) (*Capture, error) {
	cfg = cfg.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Capture{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger:  logger,
		cameras: make(map[*media.Stream]*cameraState),
	}, nil
}

// MediaSetup registers the encoders' codecs on a media engine.
func (c *Capture) MediaSetup(m *webrtc.MediaEngine) error {
	c.selector.Populate(m)
	return nil
}

func (c *Capture) Acquire(ctx context.Context, video bool) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}

	cameraID := ""
	if video {
		cameras := c.cameraIDs()
		if len(cameras) == 0 {
			c.logger.Warnw("no camera found, capturing audio only")
			video = false
		} else {
			cameraID = cameras[0]
		}
	}

	tracks, err := c.getUserMedia(video, true, cameraID)
	if err != nil && video {
		c.logger.Warnw("camera capture failed, capturing audio only", "error", err)
		video = false
		tracks, err = c.getUserMedia(false, true, "")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}

	var audio, videoGate *media.GatedTrack
	var mic, camera mediadevices.Track
	for _, track := range tracks {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warnw("local track ended", "track_id", track.ID(), "error", err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			mic = track
			audio = media.NewGatedTrack(track)
		case webrtc.RTPCodecTypeVideo:
			camera = track
			videoGate = media.NewGatedTrack(track)
		}
	}
	if audio == nil {
		closeTracks(tracks)
		return nil, fmt.Errorf("%w: no microphone track", domain.ErrMediaUnavailable)
	}

	var stream *media.Stream
	stream = media.NewStream(tracks[0].StreamID(), audio, videoGate, func() {
		c.mu.Lock()
		state := c.cameras[stream]
		delete(c.cameras, stream)
		c.mu.Unlock()

		_ = mic.Close()
		if state != nil {
			_ = state.track.Close()
		}
	})
	if camera != nil {
		c.mu.Lock()
		c.cameras[stream] = &cameraState{deviceID: cameraID, track: camera}
		c.mu.Unlock()
	}

	c.logger.Infow("local media captured",
		"stream_id", stream.ID(),
		"tracks", len(tracks),
		"video", videoGate != nil,
	)
	return stream, nil
}

func (c *Capture) SetTrackEnabled(stream ports.LocalStream, kind webrtc.RTPCodecType, enabled bool) error {
	return media.SetTrackEnabled(stream, kind, enabled)
}

// SwitchFacing opens the next camera and moves the video sender onto it
// before closing the current one.
func (c *Capture) SwitchFacing(ctx context.Context, stream ports.LocalStream) error {
	s, ok := stream.(*media.Stream)
	if !ok || s.Track(webrtc.RTPCodecTypeVideo) == nil {
		return domain.ErrSwitchUnsupported
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.cameras[s]
	if !ok {
		return domain.ErrSwitchUnsupported
	}

	next := ""
	cameras := c.cameraIDs()
	for i, id := range cameras {
		if id == state.deviceID {
			next = cameras[(i+1)%len(cameras)]
			break
		}
	}
	if len(cameras) < 2 || next == "" || next == state.deviceID {
		return domain.ErrSwitchUnsupported
	}

	tracks, err := c.getUserMedia(true, false, next)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", next, err)
	}
	var camera mediadevices.Track
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			camera = t
		}
	}
	if camera == nil {
		closeTracks(tracks)
		return fmt.Errorf("open camera %s: no video track", next)
	}

	if _, err := s.Track(webrtc.RTPCodecTypeVideo).Replace(camera); err != nil {
		_ = camera.Close()
		return fmt.Errorf("switch camera: %w", err)
	}
	_ = state.track.Close()
	state.track = camera
	state.deviceID = next

	c.logger.Infow("camera switched", "stream_id", s.ID(), "device_id", next)
	return nil
}

func (c *Capture) cameraIDs() []string {
	var ids []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

func (c *Capture) getUserMedia(video, audio bool, cameraID string) ([]mediadevices.Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if video {
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			if cameraID != "" {
				m.DeviceID = prop.StringExact(cameraID)
			}
			// Raw formats only; MJPEG nodes on some cameras feed the VP8
			// encoder malformed frames.
			m.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			m.Width = prop.IntRanged{Max: c.cfg.Width}
			m.Height = prop.IntRanged{Max: c.cfg.Height}
			m.FrameRate = prop.Float(c.cfg.FrameRate)
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no tracks captured")
	}
	return tracks, nil
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
