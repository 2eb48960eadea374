package voice

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	defaultTries   = 1
	defaultTimeGap = 3000 // ms
	maxDigits      = 128

	silence        = "silence_stream://1"
	noTerminator   = "''"
	fileListPrefix = "file_string://"
	fileListSep    = "!"
)

// InvalidTargetError rejects a malformed speech_url.
type InvalidTargetError struct {
	Value any
	List  bool
}

func (e *InvalidTargetError) Error() string {
	if e.List {
		return "Invalid URL list " + repr(e.Value)
	}
	return "Invalid URL " + repr(e.Value)
}

// voiceOptions mirrors helper_metadata.voice on outbound messages.
type voiceOptions struct {
	SpeechURL any    `mapstructure:"speech_url"`
	WaitFor   string `mapstructure:"wait_for"`
	BargeIn   bool   `mapstructure:"barge_in"`
	Tries     int    `mapstructure:"tries"`
	TimeGap   int    `mapstructure:"time_gap"`
}

// prompt is what one outbound message asks the session to do.
type prompt struct {
	url     string // explicit audio; empty means text to speech
	waitFor string
	bargeIn bool
	tries   int
	timeGap int
}

func parsePrompt(meta map[string]any) (*prompt, error) {
	var opts voiceOptions
	if meta != nil {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &opts,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(meta); err != nil {
			return nil, fmt.Errorf("invalid voice metadata: %w", err)
		}
	}

	p := &prompt{
		waitFor: opts.WaitFor,
		bargeIn: opts.BargeIn,
		tries:   opts.Tries,
		timeGap: opts.TimeGap,
	}
	if p.tries <= 0 {
		p.tries = defaultTries
	}
	if p.timeGap <= 0 {
		p.timeGap = defaultTimeGap
	}

	url, err := speechTarget(opts.SpeechURL)
	if err != nil {
		return nil, err
	}
	p.url = url
	return p, nil
}

// speechTarget accepts a single URL or a list that is joined into one
// multi-file playback target.
func speechTarget(v any) (string, error) {
	switch u := v.(type) {
	case nil:
		return "", nil
	case string:
		if u == "" {
			return "", &InvalidTargetError{Value: u}
		}
		return u, nil
	case []string:
		items := make([]any, len(u))
		for i, s := range u {
			items[i] = s
		}
		return speechTarget(items)
	case []any:
		urls := make([]string, 0, len(u))
		for _, item := range u {
			s, ok := item.(string)
			if !ok || s == "" {
				return "", &InvalidTargetError{Value: u, List: true}
			}
			urls = append(urls, s)
		}
		if len(urls) == 0 {
			return "", &InvalidTargetError{Value: u, List: true}
		}
		return fileListPrefix + strings.Join(urls, fileListSep), nil
	default:
		return "", &InvalidTargetError{Value: u}
	}
}

// getDigitsArg builds the play_and_get_digits argument for target.
func (p *prompt) getDigitsArg(target string) string {
	lo, hi, term := 1, 1, noTerminator
	if p.waitFor != "" {
		lo, hi, term = 0, maxDigits, p.waitFor
	}
	return fmt.Sprintf("%d %d %d %d %s %s %s", lo, hi, p.tries, p.timeGap, term, target, silence)
}

// speechText normalizes line endings and turns every line break into a
// spoken pause. The text always ends with a pause.
func speechText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return " . "
	}
	return strings.Join(strings.Split(content, "\n"), " . ") + " . "
}

func repr(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = repr(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", x)
	}
}
