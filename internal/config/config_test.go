package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) string { return "" }

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost", cfg.MPD.Host)
	assert.Equal(t, 6600, cfg.MPD.Port)
	assert.Equal(t, 5*time.Second, cfg.MPD.Timeout)
	assert.Equal(t, ModeIdle, cfg.MPD.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.StatusInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Client.PollCeiling)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Server.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("MPD_HOST", "")
	t.Setenv("MPD_PORT", "")
	path := writeConfig(t, `
mpd:
  host: music.lan
  port: 6601
  timeout: 2s
  mode: command
  password: secret
client:
  status_interval: 1s
  poll_ceiling: 50ms
metrics:
  enabled: true
  port: 8080
server:
  enabled: true
  port: 50052
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "music.lan", cfg.MPD.Host)
	assert.Equal(t, 6601, cfg.MPD.Port)
	assert.Equal(t, 2*time.Second, cfg.MPD.Timeout)
	assert.Equal(t, ModeCommand, cfg.MPD.Mode)
	assert.Equal(t, "secret", cfg.MPD.Password)
	assert.Equal(t, time.Second, cfg.Client.StatusInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Client.PollCeiling)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 50052, cfg.Server.Port)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	t.Setenv("MPD_HOST", "")
	t.Setenv("MPD_PORT", "")
	path := writeConfig(t, "mpd:\n  host: box\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "box", cfg.MPD.Host)
	assert.Equal(t, 6600, cfg.MPD.Port)
	assert.Equal(t, ModeIdle, cfg.MPD.Mode)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("MPD_HOST", "")
	t.Setenv("MPD_PORT", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "mpd:\n  port: \"not a number\"\n  broken\n    indent\n")
	cfg, err := Load(path)
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MPD_HOST", "pw@remote")
	t.Setenv("MPD_PORT", "7700")
	path := writeConfig(t, "mpd:\n  host: box\n  password: old\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.MPD.Host)
	assert.Equal(t, "pw", cfg.MPD.Password)
	assert.Equal(t, 7700, cfg.MPD.Port)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		wantHost string
		wantPW   string
		wantPort int
		wantErr  bool
	}{
		{"nothing set", nil, "localhost", "", 6600, false},
		{"plain host", map[string]string{"MPD_HOST": "box"}, "box", "", 6600, false},
		{"password and host", map[string]string{"MPD_HOST": "s3cret@box"}, "box", "s3cret", 6600, false},
		{"trailing at keeps host", map[string]string{"MPD_HOST": "box@"}, "box@", "", 6600, false},
		{"port", map[string]string{"MPD_PORT": "6700"}, "localhost", "", 6700, false},
		{"bad port", map[string]string{"MPD_PORT": "abc"}, "localhost", "", 6600, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(func(k string) string { return tt.env[k] })
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, cfg.MPD.Host)
			assert.Equal(t, tt.wantPW, cfg.MPD.Password)
			assert.Equal(t, tt.wantPort, cfg.MPD.Port)
		})
	}
	assert.NoError(t, Default().ApplyEnv(noEnv))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty host", func(c *Config) { c.MPD.Host = " " }, "mpd.host"},
		{"port zero", func(c *Config) { c.MPD.Port = 0 }, "mpd.port"},
		{"port too big", func(c *Config) { c.MPD.Port = 70000 }, "mpd.port"},
		{"negative timeout", func(c *Config) { c.MPD.Timeout = -time.Second }, "mpd.timeout"},
		{"unknown mode", func(c *Config) { c.MPD.Mode = "turbo" }, "mpd.mode"},
		{"negative status interval", func(c *Config) { c.Client.StatusInterval = -1 }, "client.status_interval"},
		{"negative poll ceiling", func(c *Config) { c.Client.PollCeiling = -1 }, "client.poll_ceiling"},
		{"disabled metrics ignores port", func(c *Config) { c.Metrics.Port = 0 }, ""},
		{"enabled metrics bad port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }, "metrics.port"},
		{"enabled server bad port", func(c *Config) { c.Server.Enabled = true; c.Server.Port = -1 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.MPD.Port = 0
	cfg.MPD.Mode = "x"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mpd.port")
	assert.Contains(t, err.Error(), "mpd.mode")
}
