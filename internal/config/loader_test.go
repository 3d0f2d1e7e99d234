package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3402, cfg.Bridge.Port)
	assert.Equal(t, "localhost", cfg.Bridge.Host)
	assert.Equal(t, AnonymousShared, cfg.Bridge.AnonymousPolicy)
	assert.Equal(t, 60, cfg.Bridge.TaskTimeoutSec)
	assert.Equal(t, 100, cfg.MCP.MaxSessions)
	assert.Contains(t, cfg.Bridge.AllowedCommands, "claude")
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
bridge:
  port: 9090
  requireAuth: true
  anonymousPolicy: reject
  taskTimeoutSec: 120
nodeUrl: http://node.example:4000
mcp:
  maxSessions: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Bridge.Port)
	assert.True(t, cfg.Bridge.RequireAuth)
	assert.Equal(t, AnonymousReject, cfg.Bridge.AnonymousPolicy)
	assert.Equal(t, 120, cfg.Bridge.TaskTimeoutSec)
	assert.Equal(t, "http://node.example:4000", cfg.NodeURL)
	assert.Equal(t, 5, cfg.MCP.MaxSessions)
	// Untouched fields keep their defaults.
	assert.Equal(t, "localhost", cfg.Bridge.Host)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "bridge:\n  port: 9090\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("AGORAMESH_PORT", "7777")
	t.Setenv("AGORAMESH_API_TOKEN", "sekrit")
	t.Setenv("AGORAMESH_ALLOWED_COMMANDS", "claude, git ,python3")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Bridge.Port)
	assert.Equal(t, "sekrit", cfg.Bridge.APIToken)
	assert.Equal(t, []string{"claude", "git", "python3"}, cfg.Bridge.AllowedCommands)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("bridge: [not a map"), 0o644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Bridge.Port = 70000 },
			wantErr: "bridge.port",
		},
		{
			name:    "bad anonymous policy",
			mutate:  func(c *Config) { c.Bridge.AnonymousPolicy = "maybe" },
			wantErr: "bridge.anonymousPolicy",
		},
		{
			name:    "relative workspace dir",
			mutate:  func(c *Config) { c.Bridge.WorkspaceDir = "workspaces" },
			wantErr: "bridge.workspaceDir",
		},
		{
			name:    "empty allow-list",
			mutate:  func(c *Config) { c.Bridge.AllowedCommands = nil },
			wantErr: "bridge.allowedCommands",
		},
		{
			name:    "timeout above ceiling",
			mutate:  func(c *Config) { c.Bridge.TaskTimeoutSec = 301 },
			wantErr: "bridge.taskTimeoutSec",
		},
		{
			name:    "zero sessions",
			mutate:  func(c *Config) { c.MCP.MaxSessions = 0 },
			wantErr: "mcp.maxSessions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)
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
