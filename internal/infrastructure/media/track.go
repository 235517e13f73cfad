package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// GatedTrack wraps a local track so its RTP output can be switched off
// without detaching it from any sender. The wrapped source can be replaced
// while bound, which keeps every sender and its negotiated parameters.
type GatedTrack struct {
	enabled atomic.Bool

	mu       sync.Mutex
	inner    webrtc.TrackLocal
	bindings []*gatedContext
}

func NewGatedTrack(inner webrtc.TrackLocal) *GatedTrack {
	t := &GatedTrack{inner: inner}
	t.enabled.Store(true)
	return t
}

func (t *GatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gc := &gatedContext{TrackLocalContext: ctx, writer: &gatedWriter{next: ctx.WriteStream(), enabled: &t.enabled}}

	t.mu.Lock()
	defer t.mu.Unlock()
	codec, err := t.inner.Bind(gc)
	if err != nil {
		return webrtc.RTPCodecParameters{}, err
	}
	t.bindings = append(t.bindings, gc)
	return codec, nil
}

func (t *GatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, gc := range t.bindings {
		if gc.ID() == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return t.inner.Unbind(gc)
		}
	}
	return t.inner.Unbind(ctx)
}

func (t *GatedTrack) ID() string       { return t.current().ID() }
func (t *GatedTrack) RID() string      { return t.current().RID() }
func (t *GatedTrack) StreamID() string { return t.current().StreamID() }

func (t *GatedTrack) Kind() webrtc.RTPCodecType { return t.current().Kind() }

func (t *GatedTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled gates RTP writes. Disabled writes are reported as written so
// the source keeps running.
func (t *GatedTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Bindings reports how many senders the track is attached to.
func (t *GatedTrack) Bindings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

// Replace binds next to every context the current source is bound to, then
// unbinds the current source. On a bind failure the current source stays.
func (t *GatedTrack) Replace(next webrtc.TrackLocal) (webrtc.TrackLocal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if next.Kind() != t.inner.Kind() {
		return nil, fmt.Errorf("replace %s track with %s", t.inner.Kind(), next.Kind())
	}

	bound := make([]*gatedContext, 0, len(t.bindings))
	for _, gc := range t.bindings {
		if _, err := next.Bind(gc); err != nil {
			for _, b := range bound {
				_ = next.Unbind(b)
			}
			return nil, fmt.Errorf("bind replacement track: %w", err)
		}
		bound = append(bound, gc)
	}

	prev := t.inner
	for _, gc := range t.bindings {
		_ = prev.Unbind(gc)
	}
	t.inner = next
	return prev, nil
}

func (t *GatedTrack) current() webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inner
}

type gatedContext struct {
	webrtc.TrackLocalContext
	writer *gatedWriter
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return c.writer
}

type gatedWriter struct {
	next    webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.next.Write(b)
}
