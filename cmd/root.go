// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/voicebridge/internal/config"
	"firestige.xyz/voicebridge/internal/daemon"
)

var (
	// Global flags
	configFile string
	envFile    string
	socketPath string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voicebridge",
	Short: "Voicebridge - FreeSWITCH voice channel for a message bus",
	Long: `Voicebridge connects FreeSWITCH calls to a message bus.

Each call reaches the bridge over an outbound event socket. Caller key
presses are published as inbound messages; outbound messages are spoken
to the caller with text to speech or recorded audio. Messages for unknown
addresses originate new calls through the FreeSWITCH control API.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/voicebridge/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "",
		"optional .env file loaded before the config")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/voicebridge.sock",
		"daemon control socket path (empty disables it)")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "/var/run/voicebridge.pid",
		"PID file path")
}
