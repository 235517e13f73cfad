package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/retry"

	"gopkg.in/yaml.v2"
)

type RetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// Policy converts r into the retry package's form.
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		Enabled:      r.Enabled,
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Call struct {
		GroupID            string        `yaml:"group_id"`
		UserID             string        `yaml:"user_id"`
		DisplayName        string        `yaml:"display_name"`
		PhotoURL           string        `yaml:"photo_url"`
		Video              bool          `yaml:"video"`
		MediaBackend       string        `yaml:"media_backend"`
		Capture            string        `yaml:"capture"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		LeaveTimeout       time.Duration `yaml:"leave_timeout"`
		EventBuffer        int           `yaml:"event_buffer"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []string `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		FailedTimeout       time.Duration `yaml:"failed_timeout"`
		KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
		LoopbackOnly        bool          `yaml:"loopback_only"`
	} `yaml:"webrtc"`

	Mesh struct {
		MaxPeers          int           `yaml:"max_peers"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	} `yaml:"mesh"`

	Signaling struct {
		SendRate  float64       `yaml:"send_rate"`
		SendBurst int           `yaml:"send_burst"`
		SeenTTL   time.Duration `yaml:"seen_ttl"`
		Retry     RetryConfig   `yaml:"retry"`
	} `yaml:"signaling"`

	Store struct {
		Driver         string                `yaml:"driver"`
		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"store"`

	Redis struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Firestore struct {
		ProjectID       string `yaml:"project_id"`
		CredentialsPath string `yaml:"credentials_path"`
		EmulatorHost    string `yaml:"emulator_host"`
	} `yaml:"firestore"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Call
	switch c.Call.MediaBackend {
	case "real", "presence-only":
	default:
		return fmt.Errorf("call.media_backend must be real or presence-only, got %q", c.Call.MediaBackend)
	}
	switch c.Call.Capture {
	case "synthetic", "device":
	default:
		return fmt.Errorf("call.capture must be synthetic or device, got %q", c.Call.Capture)
	}
	if c.Call.NegotiationTimeout <= 0 {
		return fmt.Errorf("call.negotiation_timeout must be > 0")
	}
	if c.Call.LeaveTimeout <= 0 {
		return fmt.Errorf("call.leave_timeout must be > 0")
	}
	if c.Call.EventBuffer < 0 {
		return fmt.Errorf("call.event_buffer must be >= 0")
	}

	// WebRTC
	for _, u := range c.WebRTC.ICEServers {
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "stun:") && !strings.HasPrefix(lower, "stuns:") {
			return fmt.Errorf("webrtc.ice_servers: %q is not a stun: or stuns: url", u)
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Mesh
	if c.Mesh.MaxPeers < 0 {
		return fmt.Errorf("mesh.max_peers must be >= 0")
	}
	if c.Mesh.ReconnectAttempts < 0 {
		return fmt.Errorf("mesh.reconnect_attempts must be >= 0")
	}
	if c.Mesh.ReconnectAttempts > 0 && c.Mesh.ReconnectBackoff <= 0 {
		return fmt.Errorf("mesh.reconnect_backoff must be > 0 when reconnect_attempts > 0")
	}

	// Signaling
	if c.Signaling.SendRate <= 0 {
		return fmt.Errorf("signaling.send_rate must be > 0")
	}
	if c.Signaling.SendBurst <= 0 {
		return fmt.Errorf("signaling.send_burst must be > 0")
	}
	if c.Signaling.Retry.MaxAttempts < 0 {
		return fmt.Errorf("signaling.retry.max_attempts must be >= 0")
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.driver=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when store.driver=redis")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id must not be empty when store.driver=firestore")
		}
	default:
		return fmt.Errorf("store.driver must be memory, redis or firestore, got %q", c.Store.Driver)
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Call.Video = true
	cfg.Call.MediaBackend = "real"
	cfg.Call.Capture = "synthetic"
	cfg.Call.NegotiationTimeout = 30 * time.Second
	cfg.Call.LeaveTimeout = 10 * time.Second
	cfg.Call.EventBuffer = 64

	cfg.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.WebRTC.DisconnectedTimeout = 30 * time.Second
	cfg.WebRTC.FailedTimeout = 2 * time.Minute
	cfg.WebRTC.KeepAliveInterval = 2 * time.Second

	cfg.Mesh.MaxPeers = 8
	cfg.Mesh.ReconnectAttempts = 0
	cfg.Mesh.ReconnectBackoff = 2 * time.Second

	cfg.Signaling.SendRate = 50
	cfg.Signaling.SendBurst = 20
	cfg.Signaling.SeenTTL = 10 * time.Minute
	cfg.Signaling.Retry = RetryConfig{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	cfg.Store.Driver = "memory"
	cfg.Store.CircuitBreaker = circuitbreaker.DefaultConfig()

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "meshcall:"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("MESHCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MESHCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if group := os.Getenv("MESHCALL_GROUP_ID"); group != "" {
		c.Call.GroupID = group
	}
	if user := os.Getenv("MESHCALL_USER_ID"); user != "" {
		c.Call.UserID = user
	}
	if name := os.Getenv("MESHCALL_DISPLAY_NAME"); name != "" {
		c.Call.DisplayName = name
	}
	if driver := os.Getenv("MESHCALL_STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if addr := os.Getenv("MESHCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if project := os.Getenv("MESHCALL_FIRESTORE_PROJECT"); project != "" {
		c.Firestore.ProjectID = project
	}
	if c.Firestore.CredentialsPath == "" {
		for _, key := range []string{"FIREBASE_CREDENTIALS_PATH", "GOOGLE_APPLICATION_CREDENTIALS"} {
			if path := os.Getenv(key); path != "" {
				c.Firestore.CredentialsPath = path
				break
			}
		}
	}
}
