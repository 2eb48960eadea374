package voice

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"firestige.xyz/voicebridge/internal/metrics"
)

// TTS turns text into a playback target. The set of strategies is closed:
// FreeswitchTTS and LocalTTS.
type TTS interface {
	target(ctx context.Context, s *Session, text string) (string, error)
}

// FreeswitchTTS speaks text with the switch's own engine.
type FreeswitchTTS struct {
	Engine string
	Voice  string
}

func (t FreeswitchTTS) target(ctx context.Context, s *Session, text string) (string, error) {
	if err := s.execute(ctx, "set", "tts_engine="+t.Engine); err != nil {
		return "", err
	}
	if err := s.execute(ctx, "set", "tts_voice="+t.Voice); err != nil {
		return "", err
	}
	return "say:'" + text + "'", nil
}

// LocalTTS synthesizes voice files with an external command and caches them
// by content fingerprint. Concurrent misses for the same text may both run
// the command; the last write wins.
type LocalTTS struct {
	Command  string // split on whitespace; {filename} and {text} are substituted per argument
	CacheDir string
	Ext      string
}

func (t LocalTTS) target(ctx context.Context, s *Session, text string) (string, error) {
	filename := t.Filename(text)
	if _, err := os.Stat(filename); err == nil {
		s.log.Info("Using cached voice file", "file", filename)
		metrics.VoiceCacheTotal.WithLabelValues("hit").Inc()
		return filename, nil
	}

	s.log.Info("Generating voice file", "file", filename)
	metrics.VoiceCacheTotal.WithLabelValues("miss").Inc()
	name, args, err := t.commandLine(filename, text)
	if err != nil {
		return "", err
	}
	if out, err := exec.CommandContext(ctx, name, args...).CombinedOutput(); err != nil {
		return "", fmt.Errorf("tts command %s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return filename, nil
}

// Filename is the cache path for text.
func (t LocalTTS) Filename(text string) string {
	sum := md5.Sum([]byte(text))
	return filepath.Join(t.CacheDir, fmt.Sprintf("voice-%s.%s", hex.EncodeToString(sum[:]), t.Ext))
}

func (t LocalTTS) commandLine(filename, text string) (string, []string, error) {
	fields := strings.Fields(t.Command)
	if len(fields) == 0 {
		return "", nil, errors.New("tts command is empty")
	}
	r := strings.NewReplacer("{filename}", filename, "{text}", text)
	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, r.Replace(f))
	}
	return fields[0], args, nil
}
