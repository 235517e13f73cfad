package webrtc

import (
	"fmt"
	"strings"
	"time"

	"meshcall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var _ ports.PeerConnection = (*webrtc.PeerConnection)(nil)

// Config configures every peer connection a node opens. Only STUN servers
// are accepted; relaying through TURN is not supported.
type Config struct {
	ICEServers []string `yaml:"ice_servers"`
	PortRange  struct {
		Min uint16 `yaml:"min"`
		Max uint16 `yaml:"max"`
	} `yaml:"port_range"`
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
	// LoopbackOnly restricts gathering to IPv4 UDP including loopback
	// candidates, for single-host setups and tests.
	LoopbackOnly bool `yaml:"loopback_only"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       2 * time.Minute,
		KeepAliveInterval:   2 * time.Second,
	}
}

// MediaSetup registers codecs on the media engine. The default registers
// pion's default codecs; capture backends that encode themselves supply
// their own so the negotiated codecs match their encoders.
type MediaSetup func(*webrtc.MediaEngine) error

type FactoryOption func(*Factory)

func WithMediaSetup(setup MediaSetup) FactoryOption {
	return func(f *Factory) { f.setup = setup }
}

// Factory builds pion peer connections that share one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	setup  MediaSetup
	logger *zap.SugaredLogger
}

func NewFactory(cfg Config, logger *zap.SugaredLogger, opts ...FactoryOption) (*Factory, error) {
	f := &Factory{
		setup:  func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}

	servers, err := stunServers(cfg.ICEServers)
	if err != nil {
		return nil, err
	}
	f.config = webrtc.Configuration{ICEServers: servers}

	mediaEngine := &webrtc.MediaEngine{}
	if err := f.setup(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		defaults := DefaultConfig()
		settingEngine.SetICETimeouts(
			orDefault(cfg.DisconnectedTimeout, defaults.DisconnectedTimeout),
			orDefault(cfg.FailedTimeout, defaults.FailedTimeout),
			orDefault(cfg.KeepAliveInterval, defaults.KeepAliveInterval),
		)
	}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if cfg.LoopbackOnly {
		settingEngine.SetIncludeLoopbackCandidate(true)
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	f.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return f, nil
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

func stunServers(urls []string) ([]webrtc.ICEServer, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	for _, u := range urls {
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "stun:") && !strings.HasPrefix(lower, "stuns:") {
			return nil, fmt.Errorf("ice server %q: only stun: and stuns: urls are supported", u)
		}
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), urls...)}}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
