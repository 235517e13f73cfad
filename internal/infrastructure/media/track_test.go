package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	packets int
}

func (w *recordingWriter) WriteRTP(_ *rtp.Header, payload []byte) (int, error) {
	w.packets++
	return len(payload), nil
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.packets++
	return len(b), nil
}

type fakeContext struct {
	webrtc.TrackLocalContext
	id     string
	writer *recordingWriter
}

func (c *fakeContext) ID() string                          { return c.id }
func (c *fakeContext) WriteStream() webrtc.TrackLocalWriter { return c.writer }

// fakeSource writes one packet per call to emit on every bound context.
type fakeSource struct {
	id       string
	kind     webrtc.RTPCodecType
	bound    map[string]webrtc.TrackLocalContext
	bindErr  error
	unbounds int
}

func newFakeSource(id string, kind webrtc.RTPCodecType) *fakeSource {
	return &fakeSource{id: id, kind: kind, bound: make(map[string]webrtc.TrackLocalContext)}
}

func (s *fakeSource) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	if s.bindErr != nil {
		return webrtc.RTPCodecParameters{}, s.bindErr
	}
	s.bound[ctx.ID()] = ctx
	return webrtc.RTPCodecParameters{}, nil
}

func (s *fakeSource) Unbind(ctx webrtc.TrackLocalContext) error {
	delete(s.bound, ctx.ID())
	s.unbounds++
	return nil
}

func (s *fakeSource) ID() string                { return s.id }
func (s *fakeSource) RID() string               { return "" }
func (s *fakeSource) StreamID() string          { return "stream" }
func (s *fakeSource) Kind() webrtc.RTPCodecType { return s.kind }

func (s *fakeSource) emit() {
	for _, ctx := range s.bound {
		_, _ = ctx.WriteStream().WriteRTP(&rtp.Header{}, []byte{1, 2, 3})
	}
}

func TestGatedTrack_GatesWrites(t *testing.T) {
	src := newFakeSource("video", webrtc.RTPCodecTypeVideo)
	track := NewGatedTrack(src)
	w := &recordingWriter{}

	_, err := track.Bind(&fakeContext{id: "sender-1", writer: w})
	require.NoError(t, err)
	assert.Equal(t, 1, track.Bindings())
	assert.True(t, track.Enabled())

	src.emit()
	assert.Equal(t, 1, w.packets)

	track.SetEnabled(false)
	src.emit()
	assert.Equal(t, 1, w.packets)

	track.SetEnabled(true)
	src.emit()
	assert.Equal(t, 2, w.packets)
}

func TestGatedTrack_Unbind(t *testing.T) {
	src := newFakeSource("audio", webrtc.RTPCodecTypeAudio)
	track := NewGatedTrack(src)
	ctx := &fakeContext{id: "sender-1", writer: &recordingWriter{}}

	_, err := track.Bind(ctx)
	require.NoError(t, err)
	require.NoError(t, track.Unbind(ctx))
	assert.Equal(t, 0, track.Bindings())
	assert.Empty(t, src.bound)
}

func TestGatedTrack_Replace(t *testing.T) {
	front := newFakeSource("video", webrtc.RTPCodecTypeVideo)
	track := NewGatedTrack(front)
	w1 := &recordingWriter{}
	w2 := &recordingWriter{}
	_, err := track.Bind(&fakeContext{id: "sender-1", writer: w1})
	require.NoError(t, err)
	_, err = track.Bind(&fakeContext{id: "sender-2", writer: w2})
	require.NoError(t, err)

	back := newFakeSource("video", webrtc.RTPCodecTypeVideo)
	prev, err := track.Replace(back)
	require.NoError(t, err)
	assert.Same(t, front, prev)
	assert.Empty(t, front.bound)
	assert.Len(t, back.bound, 2)

	track.SetEnabled(false)
	back.emit()
	assert.Equal(t, 0, w1.packets)

	track.SetEnabled(true)
	back.emit()
	assert.Equal(t, 1, w1.packets)
	assert.Equal(t, 1, w2.packets)
	assert.Equal(t, 2, track.Bindings())
}

func TestGatedTrack_ReplaceKeepsSourceOnFailure(t *testing.T) {
	front := newFakeSource("video", webrtc.RTPCodecTypeVideo)
	track := NewGatedTrack(front)
	_, err := track.Bind(&fakeContext{id: "sender-1", writer: &recordingWriter{}})
	require.NoError(t, err)

	broken := newFakeSource("video", webrtc.RTPCodecTypeVideo)
	broken.bindErr = assert.AnError
	_, err = track.Replace(broken)
	require.ErrorIs(t, err, assert.AnError)
	assert.Len(t, front.bound, 1)

	_, err = track.Replace(newFakeSource("audio", webrtc.RTPCodecTypeAudio))
	require.Error(t, err)
	assert.Len(t, front.bound, 1)
}
