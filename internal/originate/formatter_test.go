package originate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(overrides map[string]any) map[string]any {
	p := map[string]any{
		"call_url": "sofia/gw/{to_addr}",
		"exten":    "100",
		"cid_name": "elcid",
		"cid_num":  "{from_addr}",
	}
	for k, v := range overrides {
		if v == nil {
			delete(p, k)
			continue
		}
		p[k] = v
	}
	return p
}

func TestFormat(t *testing.T) {
	f, err := NewFormatter(params(nil))
	require.NoError(t, err)

	assert.Equal(t, "originate sofia/gw/+1234 100 XML default elcid 100 60", f.Format("100", "+1234"))
}

func TestTemplate(t *testing.T) {
	f, err := NewFormatter(params(nil))
	require.NoError(t, err)

	assert.Equal(t, "originate sofia/gw/{to_addr} 100 XML default elcid {from_addr} 60", f.Template())
}

func TestFormatCall_UUIDPlaceholder(t *testing.T) {
	f, err := NewFormatter(params(map[string]any{
		"call_url": "{origination_uuid={uuid}}sofia/gateway/yogisip/{to_addr}",
	}))
	require.NoError(t, err)

	assert.Equal(t,
		"originate {origination_uuid=test-uuid}sofia/gateway/yogisip/+1234 100 XML default elcid 1099 60",
		f.FormatCall("1099", "+1234", "test-uuid"))
}

func TestFormat_PlaceholdersAnywhere(t *testing.T) {
	f, err := NewFormatter(params(map[string]any{
		"exten":    "{from_addr}-{to_addr}",
		"cid_name": "static",
	}))
	require.NoError(t, err)

	assert.Equal(t, "originate sofia/gw/b a-b XML default static a 60", f.Format("a", "b"))
}

func TestNewFormatter_OverridesDefaults(t *testing.T) {
	f, err := NewFormatter(params(map[string]any{
		"dialplan": "inline",
		"context":  "public",
		"timeout":  30,
	}))
	require.NoError(t, err)

	assert.Equal(t, "originate sofia/gw/x 100 inline public elcid y 30", f.Format("y", "x"))
}

func TestNewFormatter_MissingParameter(t *testing.T) {
	for _, name := range []string{"call_url", "exten", "cid_name", "cid_num"} {
		t.Run(name, func(t *testing.T) {
			_, err := NewFormatter(params(map[string]any{name: nil}))

			var missing *MissingParameterError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, name, missing.Name)
			assert.Equal(t, "Missing originate parameter '"+name+"'", err.Error())
		})
	}
}
