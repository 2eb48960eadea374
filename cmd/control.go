package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/voicebridge/internal/command"
)

// ControlClient is the daemon control socket as seen by the CLI.
type ControlClient interface {
	Status(ctx context.Context) (*command.Response, error)
	CallList(ctx context.Context) (*command.Response, error)
	ConfigReload(ctx context.Context) (*command.Response, error)
	Shutdown(ctx context.Context) (*command.Response, error)
}

// newControlClient is replaced in tests.
var newControlClient = func() ControlClient {
	return command.NewUDSClient(socketPath, 10*time.Second)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and live calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newControlClient(), cmd.OutOrStdout())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Ask the daemon to shut down gracefully.

The daemon stops accepting calls, waits for live calls to end (up to its
--timeout) and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newControlClient(), cmd.OutOrStdout())
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long:  `Ask the daemon to re-read its config file. Log settings are applied live.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), newControlClient(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
}

func responseErr(action string, resp *command.Response, err error) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("failed to %s: %s", action, resp.Error.Message)
	}
	return nil
}

func runStatus(ctx context.Context, client ControlClient, out io.Writer) error {
	status, err := client.Status(ctx)
	if err := responseErr("query status", status, err); err != nil {
		return err
	}
	calls, err := client.CallList(ctx)
	if err := responseErr("list calls", calls, err); err != nil {
		return err
	}

	data, err := json.MarshalIndent(map[string]interface{}{
		"status": status.Result,
		"calls":  calls.Result,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

func runStop(ctx context.Context, client ControlClient, out io.Writer) error {
	resp, err := client.Shutdown(ctx)
	if err := responseErr("stop", resp, err); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Daemon is shutting down")
	return nil
}

func runReload(ctx context.Context, client ControlClient, out io.Writer) error {
	resp, err := client.ConfigReload(ctx)
	if err := responseErr("reload", resp, err); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
