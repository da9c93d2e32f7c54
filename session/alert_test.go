package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/playback"
)

func TestToneAlerter(t *testing.T) {
	var frames []codec.Frame
	sink := playback.SinkFunc(func(_ context.Context, f codec.Frame) error {
		frames = append(frames, f)
		return nil
	})

	require.NoError(t, NewToneAlerter(sink, 8000).Alert(context.Background()))
	require.Len(t, frames, 1)
	assert.Equal(t, 2400, frames[0].Len())
	assert.Equal(t, 8000, frames[0].SampleRate)

	var peak float32
	for _, v := range frames[0].Samples {
		if v > peak {
			peak = v
		}
	}
	assert.InDelta(t, 0.5, peak, 0.01)
}

func TestToneAlerter_SinkError(t *testing.T) {
	sink := playback.SinkFunc(func(context.Context, codec.Frame) error {
		return errors.New("device gone")
	})
	err := NewToneAlerter(sink, 8000).Alert(context.Background())
	assert.ErrorContains(t, err, "device gone")
}
