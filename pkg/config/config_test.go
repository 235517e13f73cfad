package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "empty server address",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name:   "unknown media backend",
			mutate: func(c *Config) { c.Call.MediaBackend = "audio-only" },
		},
		{
			name:   "unknown capture",
			mutate: func(c *Config) { c.Call.Capture = "screen" },
		},
		{
			name:   "turn server",
			mutate: func(c *Config) { c.WebRTC.ICEServers = []string{"turn:turn.example.com"} },
		},
		{
			name: "half port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
			},
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50010
				c.WebRTC.PortRange.Max = 50000
			},
		},
		{
			name: "reconnect without backoff",
			mutate: func(c *Config) {
				c.Mesh.ReconnectAttempts = 2
				c.Mesh.ReconnectBackoff = 0
			},
		},
		{
			name:   "zero send rate",
			mutate: func(c *Config) { c.Signaling.SendRate = 0 },
		},
		{
			name:   "unknown store driver",
			mutate: func(c *Config) { c.Store.Driver = "postgres" },
		},
		{
			name: "firestore without project",
			mutate: func(c *Config) {
				c.Store.Driver = "firestore"
				c.Firestore.ProjectID = ""
			},
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Store.Driver = "redis"
				c.Redis.Address = ""
			},
		},
		{
			name:   "empty jwt secret",
			mutate: func(c *Config) { c.Auth.JWTSecret = "" },
		},
		{
			name: "rate limit without rps",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults, got error: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store, got %q", cfg.Store.Driver)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
call:
  group_id: family
  user_id: alice
  display_name: Alice
  video: false
  negotiation_timeout: 10s
mesh:
  max_peers: 4
store:
  driver: redis
redis:
  address: redis:6379
  pool_size: 5
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MESHCALL_USER_ID", "bob")
	t.Setenv("MESHCALL_REDIS_ADDRESS", "cache:6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Call.GroupID != "family" {
		t.Errorf("group_id = %q", cfg.Call.GroupID)
	}
	if cfg.Call.UserID != "bob" {
		t.Errorf("env override not applied, user_id = %q", cfg.Call.UserID)
	}
	if cfg.Call.Video {
		t.Errorf("video should be false")
	}
	if cfg.Call.NegotiationTimeout != 10*time.Second {
		t.Errorf("negotiation_timeout = %v", cfg.Call.NegotiationTimeout)
	}
	if cfg.Call.LeaveTimeout != 10*time.Second {
		t.Errorf("default leave_timeout lost, got %v", cfg.Call.LeaveTimeout)
	}
	if cfg.Mesh.MaxPeers != 4 {
		t.Errorf("max_peers = %d", cfg.Mesh.MaxPeers)
	}
	if cfg.Redis.Address != "cache:6380" {
		t.Errorf("redis address = %q", cfg.Redis.Address)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: postgres\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid configuration error")
	}
}

func TestLoad_FirestoreCredentialsFallback(t *testing.T) {
	t.Setenv("MESHCALL_STORE_DRIVER", "firestore")
	t.Setenv("MESHCALL_FIRESTORE_PROJECT", "meshcall-prod")
	t.Setenv("FIREBASE_CREDENTIALS_PATH", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/secrets/sa.json")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Firestore.ProjectID != "meshcall-prod" {
		t.Errorf("project = %q", cfg.Firestore.ProjectID)
	}
	if cfg.Firestore.CredentialsPath != "/secrets/sa.json" {
		t.Errorf("credentials path = %q", cfg.Firestore.CredentialsPath)
	}
}

func TestRetryConfig_Policy(t *testing.T) {
	rc := RetryConfig{Enabled: true, MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 3, Jitter: true}
	p := rc.Policy()
	if !p.Enabled || p.MaxAttempts != 4 || p.InitialDelay != time.Second || p.MaxDelay != time.Minute || p.Multiplier != 3 || !p.Jitter {
		t.Errorf("policy = %+v", p)
	}
	if p.NonRetryable != nil {
		t.Errorf("non retryable = %v", p.NonRetryable)
	}
}
