package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emprops/relay/cmd/relay/commands"
	"github.com/emprops/relay/config"
	"github.com/emprops/relay/logger"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - Redis-backed job queue gateway",
	Long: `Relay - Redis-backed job queue and fleet event gateway.

Relay accepts job submissions over HTTP and WebSocket, maintains the
priority queue in Redis, and fans worker and machine telemetry out to
connected monitors and clients in real time.

Available commands:
  serve   - Start the relay server
  config  - Show and query configuration
  version - Show version information

Examples:
  relay serve -v           # Start the server with info logging
  relay config show        # Show current configuration
  relay config get redis.url`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config inspection commands print to stdout; keep log noise out of them
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}

		jsonOutput := false
		if cfg, err := config.Load(); err == nil {
			jsonOutput = cfg.Log.JSON
		}
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
