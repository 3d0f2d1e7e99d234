package config

import "runtime"

// GetDefaultConfig returns the default configuration for agoramesh.
// Values mirror the documented defaults; anything the config file or
// environment sets takes precedence.
func GetDefaultConfig() Config {
	return Config{
		Bridge: BridgeConfig{
			Port:            3402,
			Host:            "localhost",
			AnonymousPolicy: AnonymousShared,
			CORSOrigin:      "https://agoramesh.io",
			WorkspaceDir:    "/tmp/agoramesh-workspaces",
			AllowedCommands: []string{"claude", "git", "npm", "python3"},
			WorkerCommand:   []string{"claude", "-p"},
			WorkerSlots:     runtime.NumCPU(),

			TaskTimeoutSec:     60,
			OutputCapBytesFree: 2_000,
			OutputCapBytesPaid: 1_000_000,

			AgentCard: map[string]interface{}{
				"id":          "agoramesh-bridge",
				"name":        "AgoraMesh Bridge",
				"description": "Gateway to a local AI worker with progressive-trust quotas",
				"skills":      []interface{}{"prompt", "code-review", "refactor", "debug"},
			},
		},
		NodeURL: "http://localhost:4000",
		MCP: MCPConfig{
			PublicURL:    "http://localhost:3402/mcp",
			MaxBodyBytes: 1 << 20,
			MaxSessions:  100,
		},
	}
}
