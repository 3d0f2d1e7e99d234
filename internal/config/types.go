package config

import "time"

// Config is the top-level configuration structure for agoramesh.
type Config struct {
	Bridge  BridgeConfig `yaml:"bridge"`
	NodeURL string       `yaml:"nodeUrl,omitempty"`
	MCP     MCPConfig    `yaml:"mcp"`
	Debug   bool         `yaml:"debug,omitempty"`
}

// AnonymousPolicy controls how unauthenticated callers are treated when
// requireAuth is false.
type AnonymousPolicy string

const (
	// AnonymousShared admits unauthenticated callers under the single
	// shared identity "free:anonymous", which consumes quota like any
	// other free-tier identity.
	AnonymousShared AnonymousPolicy = "shared"

	// AnonymousReject refuses unauthenticated callers outright.
	AnonymousReject AnonymousPolicy = "reject"
)

// BridgeConfig defines the HTTP/WebSocket bridge surface and the worker
// policy it dispatches tasks under.
type BridgeConfig struct {
	Port            int             `yaml:"port,omitempty"`            // TCP listen port (default: 3402)
	Host            string          `yaml:"host,omitempty"`            // Host to bind to (default: localhost)
	RequireAuth     bool            `yaml:"requireAuth,omitempty"`     // If true, /task requires a non-anonymous credential
	APIToken        string          `yaml:"apiToken,omitempty"`        // Static bearer value for admin access
	AnonymousPolicy AnonymousPolicy `yaml:"anonymousPolicy,omitempty"` // shared (default) or reject
	Development     bool            `yaml:"development,omitempty"`     // Relaxes CORS to *
	CORSOrigin      string          `yaml:"corsOrigin,omitempty"`      // Production origin for CORS

	WorkspaceDir    string   `yaml:"workspaceDir,omitempty"`    // Root of all task workspaces
	AllowedCommands []string `yaml:"allowedCommands,omitempty"` // Exact allow-list of executables
	WorkerCommand   []string `yaml:"workerCommand,omitempty"`   // Argv prefix of the AI CLI; the prompt is appended
	WorkerSlots     int      `yaml:"workerSlots,omitempty"`     // Concurrent subprocess slots (default: NumCPU)

	TaskTimeoutSec     int `yaml:"taskTimeoutSec,omitempty"`     // Default per-task cap (max 300)
	OutputCapBytesFree int `yaml:"outputCapBytesFree,omitempty"` // Output truncation for free tiers
	OutputCapBytesPaid int `yaml:"outputCapBytesPaid,omitempty"` // Output truncation for paid callers

	AgentCard map[string]interface{} `yaml:"agentCard,omitempty"` // Served verbatim at /.well-known/agent.json
}

// MCPConfig defines the streamable-HTTP MCP session layer.
type MCPConfig struct {
	PublicURL    string `yaml:"publicUrl,omitempty"`    // Advertised in /.well-known/mcp.json
	AuthToken    string `yaml:"authToken,omitempty"`    // Optional bearer gate for /mcp
	CORSOrigin   string `yaml:"corsOrigin,omitempty"`   // CORS origin for the MCP endpoint
	MaxBodyBytes int64  `yaml:"maxBodyBytes,omitempty"` // Request body cap (default: 1 MiB)
	MaxSessions  int    `yaml:"maxSessions,omitempty"`  // Concurrent session hard cap (default: 100)
}

const (
	// DefaultTaskTimeout is the per-task wall clock cap applied when the
	// request does not carry its own timeout.
	DefaultTaskTimeout = 60 * time.Second

	// MaxTaskTimeout is the hard ceiling for any per-task timeout.
	MaxTaskTimeout = 300 * time.Second

	// MaxRequestBodyBytes caps HTTP request bodies on write endpoints.
	MaxRequestBodyBytes = 1 << 20

	// MaxPromptBytes caps the task prompt length.
	MaxPromptBytes = 16 << 10
)
