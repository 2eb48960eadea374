package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/voicebridge/internal/config"
	"firestige.xyz/voicebridge/internal/originate"
)

var validatePrint bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without starting the daemon.

Defaults and environment overrides are applied first. Originate parameters
are checked by building the originate command template.

Examples:
  voicebridge validate -c config.yml
  voicebridge validate -c config.yml --print`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validatePrint, cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false,
		"print the effective configuration as YAML")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(path string, printConfig bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	template := "(outbound calls disabled)"
	if len(cfg.Originate.Parameters) > 0 {
		f, err := originate.NewFormatter(cfg.Originate.Parameters)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		template = f.Template()
	}

	fmt.Fprintf(out, "VALID: listen %s, tts %s, originate %s\n",
		cfg.Listen.Address, cfg.TTS.Type, template)

	if printConfig {
		data, err := yaml.Marshal(map[string]any{"voicebridge": toYAML(cfg)})
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Fprint(out, string(data))
	}
	return nil
}

// toYAML renders the config with its mapstructure keys.
func toYAML(cfg *config.GlobalConfig) map[string]any {
	return map[string]any{
		"node": map[string]any{
			"hostname":       cfg.Node.Hostname,
			"to_addr":        cfg.Node.ToAddr,
			"transport_name": cfg.Node.TransportName,
		},
		"listen": map[string]any{"address": cfg.Listen.Address},
		"freeswitch": map[string]any{
			"address":      cfg.Freeswitch.Address,
			"password":     redact(cfg.Freeswitch.Password),
			"dial_timeout": cfg.Freeswitch.DialTimeout,
		},
		"tts": map[string]any{
			"type": cfg.TTS.Type,
			"freeswitch": map[string]any{
				"engine": cfg.TTS.Freeswitch.Engine,
				"voice":  cfg.TTS.Freeswitch.Voice,
			},
			"local": map[string]any{
				"command":   cfg.TTS.Local.Command,
				"cache_dir": cfg.TTS.Local.CacheDir,
				"ext":       cfg.TTS.Local.Ext,
			},
		},
		"originate": map[string]any{
			"parameters":      cfg.Originate.Parameters,
			"wait_for_answer": cfg.Originate.WaitForAnswer,
			"pending_ttl":     cfg.Originate.PendingTTL,
		},
		"kafka": map[string]any{
			"brokers":           cfg.Kafka.Brokers,
			"group_id":          cfg.Kafka.GroupID,
			"outbound_topic":    cfg.Kafka.OutboundTopic,
			"inbound_topic":     cfg.Kafka.InboundTopic,
			"event_topic":       cfg.Kafka.EventTopic,
			"auto_offset_reset": cfg.Kafka.AutoOffsetReset,
			"compression":       cfg.Kafka.Compression,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
			"listen":  cfg.Metrics.Listen,
			"path":    cfg.Metrics.Path,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
			"outputs": map[string]any{
				"file": map[string]any{
					"enabled": cfg.Log.Outputs.File.Enabled,
					"path":    cfg.Log.Outputs.File.Path,
					"rotation": map[string]any{
						"max_size_mb":  cfg.Log.Outputs.File.Rotation.MaxSizeMB,
						"max_age_days": cfg.Log.Outputs.File.Rotation.MaxAgeDays,
						"max_backups":  cfg.Log.Outputs.File.Rotation.MaxBackups,
						"compress":     cfg.Log.Outputs.File.Rotation.Compress,
					},
				},
			},
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "******"
}
