package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	c, err := Lookup("pcmu", 16000)
	require.NoError(t, err)
	assert.Equal(t, NamePCMU, c.Name())
	assert.Equal(t, 16000, c.SampleRate())

	c, err = Lookup("", 0)
	require.NoError(t, err)
	assert.Equal(t, 8000, c.SampleRate())

	c, err = Lookup("OPUS", 8000)
	require.NoError(t, err)
	assert.Equal(t, NameOpus, c.Name())

	_, err = Lookup("G729", 8000)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestOpus_EncodeUnsupported(t *testing.T) {
	_, err := NewOpus().Encode(NewFrame([]float32{0.1}, TrackOutbound, 48000))
	assert.ErrorIs(t, err, ErrEncodeUnsupported)
}

func TestOpus_DecodeEmpty(t *testing.T) {
	frame, err := NewOpus().Decode(nil, TrackInbound)
	require.NoError(t, err)
	assert.Empty(t, frame.Samples)
	assert.Equal(t, 48000, frame.SampleRate)
}

func TestBase64_RoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x7F, 0x80, 0xFF}
	encoded := EncodeBase64(payload)
	assert.Equal(t, "AH+A/w==", encoded)

	decoded, err := DecodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = DecodeBase64("not base64!")
	assert.Error(t, err)
}

func TestFrame_CopiesSamples(t *testing.T) {
	src := []float32{0.1, 0.2}
	frame := NewFrame(src, TrackInbound, 8000)
	src[0] = 0.9
	assert.Equal(t, float32(0.1), frame.Samples[0])
	assert.Equal(t, 2, frame.Len())
	assert.Equal(t, 250*time.Microsecond, frame.Duration())
	assert.Zero(t, Frame{}.Duration())
}

func TestOpusFrameLen(t *testing.T) {
	tests := []struct {
		name string
		toc  byte
		rate int
		want int
	}{
		{"narrowband 10 ms", 0 << 3, 24000, 240},
		{"narrowband 20 ms", 1 << 3, 24000, 480},
		{"wideband 10 ms", 8 << 3, 48000, 480},
		{"wideband 20 ms", 9 << 3, 48000, 960},
		{"wideband 60 ms capped", 11 << 3, 48000, 960},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opusFrameLen(tt.toc, tt.rate))
		})
	}
}

func TestOpus_DecodeRejectsCELT(t *testing.T) {
	// config 31 is CELT-only fullband, which the SILK decoder cannot handle
	_, err := NewOpus().Decode([]byte{31 << 3, 0x00, 0x00}, TrackInbound)
	assert.Error(t, err)
}

func TestCanEncode(t *testing.T) {
	assert.True(t, CanEncode(NewPCMU(8000)))
	assert.False(t, CanEncode(NewOpus()))
}
