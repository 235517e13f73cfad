package media_test

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/infrastructure/media"
	rtcwebrtc "meshcall/internal/infrastructure/webrtc"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSyntheticTracksReachRemotePeer(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE test")
	}
	logger := zap.NewNop().Sugar()

	cfg := rtcwebrtc.DefaultConfig()
	cfg.ICEServers = nil
	cfg.LoopbackOnly = true
	factory, err := rtcwebrtc.NewFactory(cfg, logger)
	require.NoError(t, err)

	newPC := func() *webrtc.PeerConnection {
		pc, err := factory.NewPeerConnection()
		require.NoError(t, err)
		t.Cleanup(func() { _ = pc.Close() })
		return pc.(*webrtc.PeerConnection)
	}
	sender, receiver := newPC(), newPC()

	capture := media.NewSyntheticCapture(media.DefaultSyntheticConfig(), logger)
	stream, err := capture.Acquire(context.Background(), true)
	require.NoError(t, err)
	defer stream.Stop()
	for _, track := range stream.Tracks() {
		_, err := sender.AddTrack(track)
		require.NoError(t, err)
	}

	got := make(chan webrtc.RTPCodecType, 2)
	receiver.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if _, _, err := track.ReadRTP(); err == nil {
			got <- track.Kind()
		}
	})

	offer, err := sender.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(sender)
	require.NoError(t, sender.SetLocalDescription(offer))
	<-gathered
	require.NoError(t, receiver.SetRemoteDescription(*sender.LocalDescription()))

	answer, err := receiver.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(receiver)
	require.NoError(t, receiver.SetLocalDescription(answer))
	<-gathered
	require.NoError(t, sender.SetRemoteDescription(*receiver.LocalDescription()))

	kinds := map[webrtc.RTPCodecType]bool{}
	timeout := time.After(15 * time.Second)
	for len(kinds) < 2 {
		select {
		case k := <-got:
			kinds[k] = true
		case <-timeout:
			t.Fatalf("received kinds %v before timeout", kinds)
		}
	}
}
