package playback

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/room4-2/dialstream/codec"
)

func sine(freq float64, n, rate int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestBandPass_PassesCentre(t *testing.T) {
	bp := NewBandPass(1000, 0.7)
	in := sine(1000, 8000, 8000, 0.5)
	bp.Process(in, 8000)

	// ignore the settling period
	assert.InDelta(t, 0.5/math.Sqrt2, rms(in[800:]), 0.02)
}

func TestBandPass_RejectsDC(t *testing.T) {
	bp := NewBandPass(1000, 0.7)
	in := make([]float32, 8000)
	for i := range in {
		in[i] = 0.5
	}
	bp.Process(in, 8000)
	assert.Less(t, rms(in[4000:]), 0.001)
}

func TestCompressor_ReducesDynamicRange(t *testing.T) {
	c := NewCompressor(DefaultCompressorConfig())

	loud := sine(440, 8000, 8000, 0.9)
	c.Process(loud, 8000)
	loudOut := rms(loud[4000:])

	c = NewCompressor(DefaultCompressorConfig())
	quiet := sine(440, 8000, 8000, 0.09)
	c.Process(quiet, 8000)
	quietOut := rms(quiet[4000:])

	// 20 dB of input difference shrinks to a few dB
	ratio := 20 * math.Log10(loudOut/quietOut)
	assert.Less(t, ratio, 6.0)
	assert.Greater(t, ratio, 0.0)

	for _, s := range loud {
		assert.LessOrEqual(t, math.Abs(float64(s)), 1.0)
	}
}

func TestChain_KeepsInputIntact(t *testing.T) {
	in := codec.NewFrame(sine(1000, 160, 8000, 0.5), codec.TrackInbound, 8000)
	orig := append([]float32(nil), in.Samples...)

	out := DefaultChain().Apply(in)
	assert.Equal(t, orig, in.Samples)
	assert.Equal(t, in.Len(), out.Len())
	assert.Equal(t, in.Track, out.Track)
}

func TestChain_Nil(t *testing.T) {
	var c *Chain
	in := codec.NewFrame([]float32{0.3}, codec.TrackInbound, 8000)
	assert.Equal(t, in, c.Apply(in))
}
