package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		params  Parameters
		want    int
		wantErr bool
	}{
		{name: "image defaults", model: "nano-banana-pro", want: 5},
		{name: "image 4k x2", model: "nano-banana-pro", params: Parameters{Resolution: "4k", NumImages: 2}, want: 30},
		{name: "image too many", model: "seedream-4", params: Parameters{NumImages: 5}, wantErr: true},
		{name: "image with duration", model: "seedream-4", params: Parameters{Duration: 4}, wantErr: true},
		{name: "video defaults", model: "veo-3.1", want: 16},
		{name: "video 1080p", model: "veo-3.1-fast", params: Parameters{Resolution: "1080p", Duration: 6}, want: 18},
		{name: "video 1080p rounds up", model: "kling-2.5-turbo", params: Parameters{Resolution: "1080p", Duration: 5}, want: 23},
		{name: "video audio", model: "veo-3.1", params: Parameters{Duration: 8, Audio: true}, want: 42},
		{name: "video bad duration", model: "veo-3.1", params: Parameters{Duration: 7}, wantErr: true},
		{name: "video without audio support", model: "kling-2.5-turbo", params: Parameters{Audio: true}, wantErr: true},
		{name: "unknown resolution", model: "kling-2.5-turbo", params: Parameters{Resolution: "8k"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := LookupModel(tt.model)
			require.True(t, ok)
			got, err := spec.Price(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseParameters(t *testing.T) {
	p, err := ParseParameters(json.RawMessage(`{"prompt":"cat","resolution":"2k","seed":42}`))
	require.NoError(t, err)
	assert.Equal(t, "2k", p.Resolution)

	p, err = ParseParameters(nil)
	require.NoError(t, err)
	assert.Equal(t, Parameters{}, p)

	_, err = ParseParameters(json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, 2, DefaultMax("veo-3.1"))
	assert.Equal(t, 999, DefaultMax("flux-2-pro"))
	assert.Equal(t, 1, DefaultMax("not-in-catalogue"))
	assert.Len(t, DefaultLimits(), len(Models()))
}
