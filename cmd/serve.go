package cmd

import (
	"github.com/spf13/cobra"

	"agoramesh/internal/app"
)

var (
	serveDebug      bool
	serveConfigPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Starts the HTTP/WebSocket gateway, the worker pool, and the MCP
endpoint, and serves until SIGTERM or SIGINT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(cmd.Context(), app.Options{
			ConfigPath: serveConfigPath,
			Debug:      serveDebug,
			Version:    rootCmd.Version,
		})
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", ".", "Directory holding config.yaml and .env")
	rootCmd.AddCommand(serveCmd)
}
