package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/voicebridge/internal/daemon"
)

var shutdownTimeout time.Duration

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the voicebridge daemon in foreground",
	Long: `Run the voicebridge daemon in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Listen for FreeSWITCH event socket connections
  4. Consume outbound messages from Kafka (if configured)
  5. Serve status, reload and stop on the control socket
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

Examples:
  voicebridge start                              # default config, 30s shutdown grace
  voicebridge start -c config.yml                # custom config
  voicebridge start -c config.yml -t 1m          # wait up to 1m for live calls on shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	startCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 30*time.Second,
		"how long shutdown waits for live calls")
	rootCmd.AddCommand(startCmd)
}

func runDaemon() error {
	d, err := daemon.New(configFile, socketPath, pidFile, shutdownTimeout)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
