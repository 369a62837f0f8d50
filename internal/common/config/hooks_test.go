package config

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookTarget struct {
	Increase datasize.ByteSize
	Expiry   time.Duration
	Tags     []string
}

func decode(t *testing.T, input map[string]interface{}) hookTarget {
	var out hookTarget
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			ByteSizeDecodeHook(),
		),
		Result: &out,
	})
	require.NoError(t, err)
	require.NoError(t, decoder.Decode(input))
	return out
}

func TestByteSizeDecodeHook(t *testing.T) {
	tests := map[string]struct {
		input interface{}
		want  datasize.ByteSize
	}{
		"gigabytes string": {"2GB", 2 * datasize.GB},
		"megabytes string": {"512MB", 512 * datasize.MB},
		"plain number":     {1024, datasize.KB},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out := decode(t, map[string]interface{}{"increase": tc.input})
			assert.Equal(t, tc.want, out.Increase)
		})
	}
}

func TestDefaultHooksStillApply(t *testing.T) {
	out := decode(t, map[string]interface{}{"expiry": "8s", "tags": "general,desktop"})
	assert.Equal(t, 8*time.Second, out.Expiry)
	assert.Equal(t, []string{"general", "desktop"}, out.Tags)
}
