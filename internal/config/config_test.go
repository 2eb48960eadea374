package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
voicebridge:
  node:
    hostname: "bridge-1"
  listen:
    address: "127.0.0.1:8084"
  freeswitch:
    address: "127.0.0.1:8021"
    password: "ClueCon"
    dial_timeout: "2s"
  tts:
    type: "local"
    local:
      command: "espeak -w {filename} {text}"
      cache_dir: "/tmp/voices"
  originate:
    wait_for_answer: false
    pending_ttl: "30s"
    parameters:
      call_url: "sofia/gateway/yo/{to_addr}"
      exten: "100"
      cid_name: "vb"
      cid_num: "{from_addr}"
      timeout: 30
  kafka:
    brokers:
      - "localhost:9092"
  log:
    level: "debug"
    format: "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bridge-1", cfg.Node.Hostname)
	assert.Equal(t, "freeswitchvoice", cfg.Node.ToAddr)
	assert.Equal(t, "voice", cfg.Node.TransportName)
	assert.Equal(t, "127.0.0.1:8084", cfg.Listen.Address)
	assert.Equal(t, "ClueCon", cfg.Freeswitch.Password)
	assert.Equal(t, TTSLocal, cfg.TTS.Type)
	assert.Equal(t, "/tmp/voices", cfg.TTS.Local.CacheDir)
	assert.Equal(t, "wav", cfg.TTS.Local.Ext)
	assert.False(t, cfg.Originate.WaitForAnswer)
	assert.Equal(t, "sofia/gateway/yo/{to_addr}", cfg.Originate.Parameters["call_url"])
	assert.EqualValues(t, 30, cfg.Originate.Parameters["timeout"])
	assert.Equal(t, "voicebridge-bridge-1", cfg.Kafka.GroupID)
	assert.Equal(t, "voicebridge.outbound", cfg.Kafka.OutboundTopic)
	assert.Equal(t, "debug", cfg.Log.Level)

	d, err := cfg.DialTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	ttl, err := cfg.PendingTTL()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "voicebridge: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8084", cfg.Listen.Address)
	assert.Equal(t, TTSFreeswitch, cfg.TTS.Type)
	assert.Equal(t, "flite", cfg.TTS.Freeswitch.Engine)
	assert.Equal(t, "kal", cfg.TTS.Freeswitch.Voice)
	assert.True(t, cfg.Originate.WaitForAnswer)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.NotEmpty(t, cfg.Node.Hostname)

	ttl, err := cfg.PendingTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttl)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VOICEBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("VOICEBRIDGE_FREESWITCH_PASSWORD", "secret")

	cfg, err := Load(writeConfig(t, `
voicebridge:
  log:
    level: "debug"
  freeswitch:
    password: "ClueCon"
`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Freeswitch.Password)
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("VOICEBRIDGE_LOG_FORMAT=text\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("VOICEBRIDGE_LOG_FORMAT") })

	require.NoError(t, LoadEnvFile(envPath))
	cfg, err := Load(writeConfig(t, "voicebridge: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.NoError(t, LoadEnvFile(""))
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid log level",
			content: "voicebridge:\n  log:\n    level: loud\n",
			wantErr: "invalid log level",
		},
		{
			name:    "invalid log format",
			content: "voicebridge:\n  log:\n    format: xml\n",
			wantErr: "invalid log format",
		},
		{
			name:    "unknown tts type",
			content: "voicebridge:\n  tts:\n    type: cloud\n",
			wantErr: "unsupported tts.type",
		},
		{
			name:    "local tts without command",
			content: "voicebridge:\n  tts:\n    type: local\n",
			wantErr: "tts.local.command is required",
		},
		{
			name:    "bad pending ttl",
			content: "voicebridge:\n  originate:\n    pending_ttl: soon\n",
			wantErr: "invalid originate.pending_ttl",
		},
		{
			name:    "negative dial timeout",
			content: "voicebridge:\n  freeswitch:\n    dial_timeout: -1s\n",
			wantErr: "must be positive",
		},
		{
			name:    "kafka without topic",
			content: "voicebridge:\n  kafka:\n    brokers: [\"b:9092\"]\n    event_topic: \"\"\n",
			wantErr: "kafka.outbound_topic",
		},
		{
			name:    "kafka unknown compression",
			content: "voicebridge:\n  kafka:\n    brokers: [\"b:9092\"]\n    compression: brotli\n",
			wantErr: "invalid kafka.compression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
