package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"firestige.xyz/voicebridge/internal/config"
	"firestige.xyz/voicebridge/internal/control"
	"firestige.xyz/voicebridge/internal/originate"
)

// caller runs one control API command.
type caller interface {
	Call(ctx context.Context, command string) (*control.Reply, error)
}

var (
	originateFrom    string
	originateTimeout time.Duration
)

var originateCmd = &cobra.Command{
	Use:   "originate <to_addr>",
	Short: "Place a single outbound call",
	Long: `Render the configured originate command for <to_addr> and send it to
FreeSWITCH over the control API. The call is answered by the switch and
handed to the running daemon over the event socket like any other call.

Examples:
  voicebridge originate -c config.yml 27821234567
  voicebridge originate -c config.yml --from 100 27821234567`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		dialTimeout, err := cfg.DialTimeout()
		if err != nil {
			return err
		}
		client, err := control.NewClient(control.Config{
			Address:     cfg.Freeswitch.Address,
			Password:    cfg.Freeswitch.Password,
			DialTimeout: dialTimeout,
		})
		if err != nil {
			return err
		}
		formatter, err := originate.NewFormatter(cfg.Originate.Parameters)
		if err != nil {
			return err
		}

		from := originateFrom
		if from == "" {
			from = cfg.Node.ToAddr
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), originateTimeout)
		defer cancel()
		return runOriginate(ctx, client, formatter, from, args[0], uuid.NewString(), cmd.OutOrStdout())
	},
}

func init() {
	originateCmd.Flags().StringVar(&originateFrom, "from", "",
		"from_addr substituted into the command (default node.to_addr)")
	originateCmd.Flags().DurationVar(&originateTimeout, "timeout", 90*time.Second,
		"how long to wait for the switch to reply")
	rootCmd.AddCommand(originateCmd)
}

// runOriginate sends the rendered command. callID fills {uuid}; when the
// template does not use it, the switch's reply carries the call id.
func runOriginate(ctx context.Context, c caller, f *originate.Formatter, from, to, callID string, out io.Writer) error {
	command := f.FormatCall(from, to, callID)
	reply, err := c.Call(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to originate: %w", err)
	}
	id := reply.Arg(1)
	if strings.Contains(command, callID) {
		id = callID
	}
	fmt.Fprintf(out, "✓ Call originated: %s\n", strings.Join(reply.Tokens, " "))
	fmt.Fprintf(out, "  Call ID: %s\n", id)
	return nil
}
