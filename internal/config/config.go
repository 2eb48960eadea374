// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// TTS types.
const (
	TTSFreeswitch = "freeswitch"
	TTSLocal      = "local"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `voicebridge:` root key in YAML.
type GlobalConfig struct {
	Node       NodeConfig       `mapstructure:"node"`
	Listen     ListenConfig     `mapstructure:"listen"`
	Freeswitch FreeswitchConfig `mapstructure:"freeswitch"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Originate  OriginateConfig  `mapstructure:"originate"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig identifies this bridge on the message bus.
type NodeConfig struct {
	Hostname      string `mapstructure:"hostname"`       // Empty = os.Hostname()
	ToAddr        string `mapstructure:"to_addr"`        // to_addr used on inbound messages
	TransportName string `mapstructure:"transport_name"` // transport_name used on inbound messages
}

// ─── Event Socket ───

// ListenConfig is where FreeSWITCH connects for per-call event sockets.
type ListenConfig struct {
	Address string `mapstructure:"address"`
}

// FreeswitchConfig is the control API endpoint used for originations.
// Empty Address disables outbound calls.
type FreeswitchConfig struct {
	Address     string `mapstructure:"address"`
	Password    string `mapstructure:"password"`
	DialTimeout string `mapstructure:"dial_timeout"`
}

// ─── Text to Speech ───

// TTSConfig selects where speech is synthesized.
type TTSConfig struct {
	Type       string              `mapstructure:"type"` // freeswitch | local
	Freeswitch TTSFreeswitchConfig `mapstructure:"freeswitch"`
	Local      TTSLocalConfig      `mapstructure:"local"`
}

// TTSFreeswitchConfig configures switch-native speech.
type TTSFreeswitchConfig struct {
	Engine string `mapstructure:"engine"`
	Voice  string `mapstructure:"voice"`
}

// TTSLocalConfig configures externally generated voice files.
// Command is split on whitespace; {filename} and {text} are substituted.
type TTSLocalConfig struct {
	Command  string `mapstructure:"command"`
	CacheDir string `mapstructure:"cache_dir"`
	Ext      string `mapstructure:"ext"`
}

// ─── Origination ───

// OriginateConfig configures outbound calls.
type OriginateConfig struct {
	Parameters    map[string]any `mapstructure:"parameters"`
	WaitForAnswer bool           `mapstructure:"wait_for_answer"`
	PendingTTL    string         `mapstructure:"pending_ttl"`
}

// ─── Message Bus ───

// KafkaConfig configures the message bus topics.
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	GroupID         string   `mapstructure:"group_id"`
	OutboundTopic   string   `mapstructure:"outbound_topic"`
	InboundTopic    string   `mapstructure:"inbound_topic"`
	EventTopic      string   `mapstructure:"event_topic"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"` // earliest | latest
	Compression     string   `mapstructure:"compression"`       // none | gzip | snappy | lz4
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

type configRoot struct {
	Voicebridge GlobalConfig `mapstructure:"voicebridge"`
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment so viper's
// env overrides can see them. Existing variables win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from file.
// The YAML file uses `voicebridge:` as root key; env vars use the
// VOICEBRIDGE_ prefix (e.g. VOICEBRIDGE_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Voicebridge

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("voicebridge.node.to_addr", "freeswitchvoice")
	v.SetDefault("voicebridge.node.transport_name", "voice")

	v.SetDefault("voicebridge.listen.address", "0.0.0.0:8084")
	v.SetDefault("voicebridge.freeswitch.dial_timeout", "5s")

	// TTS defaults
	v.SetDefault("voicebridge.tts.type", TTSFreeswitch)
	v.SetDefault("voicebridge.tts.freeswitch.engine", "flite")
	v.SetDefault("voicebridge.tts.freeswitch.voice", "kal")
	v.SetDefault("voicebridge.tts.local.cache_dir", ".")
	v.SetDefault("voicebridge.tts.local.ext", "wav")

	v.SetDefault("voicebridge.originate.wait_for_answer", true)
	v.SetDefault("voicebridge.originate.pending_ttl", "2m")

	// Kafka defaults
	v.SetDefault("voicebridge.kafka.outbound_topic", "voicebridge.outbound")
	v.SetDefault("voicebridge.kafka.inbound_topic", "voicebridge.inbound")
	v.SetDefault("voicebridge.kafka.event_topic", "voicebridge.event")
	v.SetDefault("voicebridge.kafka.auto_offset_reset", "latest")
	v.SetDefault("voicebridge.kafka.compression", "snappy")

	// Log defaults
	v.SetDefault("voicebridge.log.level", "info")
	v.SetDefault("voicebridge.log.format", "json")
	v.SetDefault("voicebridge.log.outputs.file.enabled", false)
	v.SetDefault("voicebridge.log.outputs.file.path", "/var/log/voicebridge/voicebridge.log")
	v.SetDefault("voicebridge.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("voicebridge.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("voicebridge.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("voicebridge.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("voicebridge.metrics.enabled", true)
	v.SetDefault("voicebridge.metrics.listen", ":9092")
	v.SetDefault("voicebridge.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	// ── TTS validation ──
	switch cfg.TTS.Type {
	case TTSFreeswitch:
		if cfg.TTS.Freeswitch.Engine == "" || cfg.TTS.Freeswitch.Voice == "" {
			return fmt.Errorf("tts.freeswitch.engine and tts.freeswitch.voice are required for tts.type=freeswitch")
		}
	case TTSLocal:
		if strings.TrimSpace(cfg.TTS.Local.Command) == "" {
			return fmt.Errorf("tts.local.command is required for tts.type=local")
		}
		if cfg.TTS.Local.CacheDir == "" {
			cfg.TTS.Local.CacheDir = "."
		}
	default:
		return fmt.Errorf("unsupported tts.type: %q (must be freeswitch/local)", cfg.TTS.Type)
	}

	// ── Durations ──
	if _, err := cfg.DialTimeout(); err != nil {
		return err
	}
	if _, err := cfg.PendingTTL(); err != nil {
		return err
	}

	// ── Kafka validation ──
	if len(cfg.Kafka.Brokers) > 0 {
		if cfg.Kafka.OutboundTopic == "" || cfg.Kafka.InboundTopic == "" || cfg.Kafka.EventTopic == "" {
			return fmt.Errorf("kafka.outbound_topic, kafka.inbound_topic and kafka.event_topic are required when kafka.brokers is set")
		}
		switch cfg.Kafka.Compression {
		case "", "none", "gzip", "snappy", "lz4":
		default:
			return fmt.Errorf("invalid kafka.compression: %s (must be none/gzip/snappy/lz4)", cfg.Kafka.Compression)
		}
		if cfg.Kafka.GroupID == "" {
			cfg.Kafka.GroupID = "voicebridge-" + cfg.Node.Hostname
		}
	}

	return nil
}

// DialTimeout parses freeswitch.dial_timeout.
func (cfg *GlobalConfig) DialTimeout() (time.Duration, error) {
	return parseDuration("freeswitch.dial_timeout", cfg.Freeswitch.DialTimeout, 5*time.Second)
}

// PendingTTL parses originate.pending_ttl.
func (cfg *GlobalConfig) PendingTTL() (time.Duration, error) {
	return parseDuration("originate.pending_ttl", cfg.Originate.PendingTTL, 2*time.Minute)
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, value)
	}
	return d, nil
}
