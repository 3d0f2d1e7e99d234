package config

import (
	"fmt"
	"net/url"
	"path/filepath"
)

// ValidationError describes a configuration value that cannot be used.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration for values the server cannot start with.
// It is called by LoadConfig after all layers have been applied.
func (c *Config) Validate() error {
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		return &ValidationError{Field: "bridge.port", Reason: fmt.Sprintf("port %d out of range", c.Bridge.Port)}
	}
	switch c.Bridge.AnonymousPolicy {
	case AnonymousShared, AnonymousReject:
	default:
		return &ValidationError{Field: "bridge.anonymousPolicy", Reason: fmt.Sprintf("must be %q or %q, got %q", AnonymousShared, AnonymousReject, c.Bridge.AnonymousPolicy)}
	}
	if c.Bridge.WorkspaceDir == "" || !filepath.IsAbs(c.Bridge.WorkspaceDir) {
		return &ValidationError{Field: "bridge.workspaceDir", Reason: "must be an absolute path"}
	}
	if len(c.Bridge.AllowedCommands) == 0 {
		return &ValidationError{Field: "bridge.allowedCommands", Reason: "allow-list cannot be empty"}
	}
	if len(c.Bridge.WorkerCommand) == 0 {
		return &ValidationError{Field: "bridge.workerCommand", Reason: "worker command cannot be empty"}
	}
	if c.Bridge.TaskTimeoutSec < 1 || c.Bridge.TaskTimeoutSec > int(MaxTaskTimeout.Seconds()) {
		return &ValidationError{Field: "bridge.taskTimeoutSec", Reason: fmt.Sprintf("must be between 1 and %d", int(MaxTaskTimeout.Seconds()))}
	}
	if c.NodeURL != "" {
		if _, err := url.Parse(c.NodeURL); err != nil {
			return &ValidationError{Field: "nodeUrl", Reason: err.Error()}
		}
	}
	if c.MCP.MaxSessions < 1 {
		return &ValidationError{Field: "mcp.maxSessions", Reason: "must be at least 1"}
	}
	if c.MCP.MaxBodyBytes < 1 {
		return &ValidationError{Field: "mcp.maxBodyBytes", Reason: "must be at least 1"}
	}
	return nil
}
