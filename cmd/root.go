package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"agoramesh/internal/app"
)

// Exit codes for the agoramesh binary.
const (
	// ExitCodeSuccess indicates a graceful shutdown.
	ExitCodeSuccess = 0
	// ExitCodeConfigError indicates the configuration could not be
	// loaded or validated.
	ExitCodeConfigError = 1
	// ExitCodeListenerError indicates the listener failed fatally.
	ExitCodeListenerError = 2
)

// rootCmd is the base command for the agoramesh binary.
var rootCmd = &cobra.Command{
	Use:   "agoramesh",
	Short: "Marketplace bridge between AI agents and a local worker",
	Long: `agoramesh runs the bridge that connects the agent marketplace to a
local AI worker: an HTTP/WebSocket task gateway with progressive-trust
quotas, a discovery-node proxy, and an MCP endpoint for tool-calling
clients.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. It is called from
// the main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with the documented codes.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "agoramesh version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var cfgErr *app.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfigError
	}
	var listenErr *app.ListenerError
	if errors.As(err, &listenErr) {
		return ExitCodeListenerError
	}
	return ExitCodeConfigError
}
