package main

import (
	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/media"
	"meshcall/internal/infrastructure/media/device"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"

	"go.uber.org/zap"
)

// newCapture returns the configured capture and the codec registration its
// tracks need. A nil setup keeps the factory defaults.
func newCapture(cfg *config.Config, log *zap.SugaredLogger) (ports.MediaCapture, webrtcinfra.MediaSetup, error) {
	if cfg.Call.Capture == "device" {
		capture, err := device.NewCapture(device.DefaultConfig(), log)
		if err != nil {
			return nil, nil, err
		}
		return capture, capture.MediaSetup, nil
	}
	return media.NewSyntheticCapture(media.DefaultSyntheticConfig(), log), nil, nil
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	out := webrtcinfra.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		out.ICEServers = cfg.WebRTC.ICEServers
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	if cfg.WebRTC.DisconnectedTimeout > 0 {
		out.DisconnectedTimeout = cfg.WebRTC.DisconnectedTimeout
	}
	if cfg.WebRTC.FailedTimeout > 0 {
		out.FailedTimeout = cfg.WebRTC.FailedTimeout
	}
	if cfg.WebRTC.KeepAliveInterval > 0 {
		out.KeepAliveInterval = cfg.WebRTC.KeepAliveInterval
	}
	out.LoopbackOnly = cfg.WebRTC.LoopbackOnly
	return out
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	policy := cfg.Signaling.Retry.Policy()
	policy.NonRetryable = []error{circuitbreaker.ErrOpen}

	kind := domain.CallKindAudio
	if cfg.Call.Video {
		kind = domain.CallKindVideo
	}
	return services.SessionConfig{
		GroupID: domain.GroupID(cfg.Call.GroupID),
		Self: domain.Participant{
			ID:          domain.UserID(cfg.Call.UserID),
			DisplayName: cfg.Call.DisplayName,
			PhotoURL:    cfg.Call.PhotoURL,
		},
		Kind:               kind,
		Backend:            domain.MediaBackend(cfg.Call.MediaBackend),
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		ReconnectAttempts:  cfg.Mesh.ReconnectAttempts,
		ReconnectBackoff:   cfg.Mesh.ReconnectBackoff,
		MaxPeers:           cfg.Mesh.MaxPeers,
		LeaveTimeout:       cfg.Call.LeaveTimeout,
		EventBuffer:        cfg.Call.EventBuffer,
		Signaling: services.SignalingOptions{
			Retry:     policy,
			SeenTTL:   cfg.Signaling.SeenTTL,
			SendRate:  cfg.Signaling.SendRate,
			SendBurst: cfg.Signaling.SendBurst,
		},
		PresenceRetry: policy,
	}
}
