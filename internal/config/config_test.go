// ABOUTME: Tests for configuration loading, env expansion and validation.
// ABOUTME: Writes temp YAML files and checks parsed values and failure modes.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
server:
  http_addr: "localhost:8080"
auth:
  access_password: "hunter2"
database:
  path: "/tmp/relay.db"
`

func TestLoad(t *testing.T) {
	t.Run("valid config with defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, validConfig))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Server.HTTPAddr != "localhost:8080" {
			t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
		}
		if cfg.Limits.MaxFrameBytes != DefaultMaxFrameBytes {
			t.Errorf("max_frame_bytes default not applied: %d", cfg.Limits.MaxFrameBytes)
		}
		if cfg.Limits.SendBuffer != DefaultSendBuffer {
			t.Errorf("send_buffer default not applied: %d", cfg.Limits.SendBuffer)
		}
		if cfg.Agents.HeartbeatInterval != DefaultHeartbeatInterval {
			t.Errorf("heartbeat_interval default not applied: %v", cfg.Agents.HeartbeatInterval)
		}
		if cfg.Agents.RetainOffline {
			t.Error("retain_offline should default to false")
		}
	})

	t.Run("parses durations", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, validConfig+`
agents:
  retain_offline: true
  heartbeat_interval: "10s"
  heartbeat_timeout: "45s"
`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Agents.HeartbeatInterval != 10*time.Second {
			t.Errorf("heartbeat_interval = %v", cfg.Agents.HeartbeatInterval)
		}
		if cfg.Agents.HeartbeatTimeout != 45*time.Second {
			t.Errorf("heartbeat_timeout = %v", cfg.Agents.HeartbeatTimeout)
		}
		if !cfg.Agents.RetainOffline {
			t.Error("retain_offline not parsed")
		}
	})

	t.Run("expands environment variables", func(t *testing.T) {
		t.Setenv("GLIMPSE_TEST_PASSWORD", "s3cret")
		cfg, err := Load(writeConfig(t, `
server:
  http_addr: "localhost:8080"
auth:
  access_password: "${GLIMPSE_TEST_PASSWORD}"
database:
  path: "/tmp/relay.db"
`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Auth.AccessPassword != "s3cret" {
			t.Errorf("access_password = %q", cfg.Auth.AccessPassword)
		}
	})

	t.Run("rejects invalid duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, validConfig+`
agents:
  heartbeat_interval: "soon"
`))
		if err == nil {
			t.Fatal("expected error for invalid duration")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing http_addr", func(c *Config) { c.Server.HTTPAddr = "" }, true},
		{"missing access_password", func(c *Config) { c.Auth.AccessPassword = "" }, true},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, true},
		{"timeout not above interval", func(c *Config) {
			c.Agents.HeartbeatInterval = time.Minute
			c.Agents.HeartbeatTimeout = time.Minute
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Server.HTTPAddr = "localhost:8080"
			cfg.Auth.AccessPassword = "pw"
			cfg.Database.Path = "/tmp/relay.db"
			cfg.applyDefaults()
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
