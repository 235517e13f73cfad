package media

import (
	"fmt"
	"sync"

	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v4"
)

var _ ports.LocalStream = (*Stream)(nil)

// Stream is a captured local stream whose tracks are gated. stop releases
// whatever the capture backend holds and runs once.
type Stream struct {
	id     string
	audio  *GatedTrack
	video  *GatedTrack
	stop   func()
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func NewStream(id string, audio, video *GatedTrack, stop func()) *Stream {
	return &Stream{id: id, audio: audio, video: video, stop: stop}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *Stream) HasKind(kind webrtc.RTPCodecType) bool {
	return s.Track(kind) != nil
}

func (s *Stream) TrackEnabled(kind webrtc.RTPCodecType) bool {
	t := s.Track(kind)
	return t != nil && t.Enabled()
}

func (s *Stream) Track(kind webrtc.RTPCodecType) *GatedTrack {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return s.audio
	case webrtc.RTPCodecTypeVideo:
		return s.video
	}
	return nil
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.stop != nil {
			s.stop()
		}
	})
}

// SetTrackEnabled gates the track of the given kind on a Stream. Every
// capture backend in this package delegates to it.
func SetTrackEnabled(stream ports.LocalStream, kind webrtc.RTPCodecType, enabled bool) error {
	s, ok := stream.(*Stream)
	if !ok {
		return fmt.Errorf("stream %T was not captured by this adapter", stream)
	}
	t := s.Track(kind)
	if t == nil {
		return fmt.Errorf("stream %s has no %s track", s.id, kind)
	}
	t.SetEnabled(enabled)
	return nil
}
