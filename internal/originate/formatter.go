// Package originate builds FreeSWITCH originate commands.
//
// The command format is:
//
//	originate <call_url> <exten> <dialplan> <context> <cid_name> <cid_num> <timeout>
//
// Any field may reference the placeholders {from_addr}, {to_addr} and {uuid}.
package originate

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Fields in template order.
var Fields = []string{"call_url", "exten", "dialplan", "context", "cid_name", "cid_num", "timeout"}

// Defaults applied before validation.
var Defaults = map[string]any{
	"dialplan": "XML",
	"context":  "default",
	"timeout":  60,
}

// MissingParameterError is returned when a template field is absent.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("Missing originate parameter '%s'", e.Name)
}

// Formatter renders originate commands from a fixed template.
type Formatter struct {
	template string
}

// NewFormatter merges params over Defaults and builds the template.
func NewFormatter(params map[string]any) (*Formatter, error) {
	merged := make(map[string]any, len(Defaults)+len(params))
	for k, v := range Defaults {
		merged[k] = v
	}
	for k, v := range params {
		if v != nil {
			merged[k] = v
		}
	}

	values := make(map[string]string, len(merged))
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &values,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(merged); err != nil {
		return nil, fmt.Errorf("invalid originate parameters: %w", err)
	}

	parts := make([]string, 0, len(Fields)+1)
	parts = append(parts, "originate")
	for _, name := range Fields {
		v, ok := values[name]
		if !ok || v == "" {
			return nil, &MissingParameterError{Name: name}
		}
		parts = append(parts, v)
	}
	return &Formatter{template: strings.Join(parts, " ")}, nil
}

// Template returns the unsubstituted command.
func (f *Formatter) Template() string {
	return f.template
}

// Format renders the command for a call from fromAddr to toAddr.
func (f *Formatter) Format(fromAddr, toAddr string) string {
	return f.FormatCall(fromAddr, toAddr, "")
}

// FormatCall renders the command, also substituting the locally generated
// call id for {uuid}.
func (f *Formatter) FormatCall(fromAddr, toAddr, callID string) string {
	return strings.NewReplacer(
		"{from_addr}", fromAddr,
		"{to_addr}", toAddr,
		"{uuid}", callID,
	).Replace(f.template)
}
