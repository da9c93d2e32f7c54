package codec

import "math"

// Frames on the wire use the log-curve μ-law pair below: decode is the G.711
// inverse scaled by 32768, encode quantizes log(1+255x)/log(256) to 7 bits.
// CompressPCMU and ExpandPCMU keep the Sun segment coder for 16-bit PCM.

const (
	muLawBias = 0x84 // 132
	muLawClip = 32635

	muLawMu   = 255
	pcmuScale = 32768
)

var (
	muLawToFloat [256]float32
	muLawToPCM   [256]int16
	logOnePlusMu = math.Log(1 + muLawMu)
)

func init() {
	for i := 0; i < 256; i++ {
		v := ulawToLinear(byte(i))
		muLawToFloat[i] = float32(v) / pcmuScale
		muLawToPCM[i] = int16(v << 2)
	}
}

// ulawToLinear expands one μ-law byte to its signed 14-bit magnitude.
func ulawToLinear(u byte) int32 {
	// μ-law bytes are stored complemented
	u = ^u

	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int32(mantissa)<<1)+33)<<exponent - 33
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

// logUlaw quantizes a 16-bit scaled sample on the μ=255 log curve.
func logUlaw(pcm float64) byte {
	var sign byte
	if pcm < 0 {
		sign = 0x80
	}
	magnitude := math.Min(pcmuScale, math.Abs(pcm))
	level := math.Log(1+muLawMu*magnitude/pcmuScale) / logOnePlusMu
	q := int(math.Floor(level * 127))
	return ^byte(q) | sign
}

// linearToUlaw compresses a signed 16-bit sample with the segment coder.
func linearToUlaw(pcm int32) byte {
	var sign byte
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}
	if pcm > muLawClip {
		pcm = muLawClip
	}
	pcm += muLawBias

	exponent := 7
	for mask := int32(0x4000); pcm&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (pcm >> (exponent + 3)) & 0x0F

	return ^(sign | byte(exponent)<<4 | byte(mantissa))
}

// ExpandPCMU returns the 16-bit linear PCM value of a μ-law byte.
func ExpandPCMU(u byte) int16 {
	return muLawToPCM[u]
}

// CompressPCMU returns the G.711 segment-coded byte for a 16-bit sample.
// It is the exact inverse of ExpandPCMU, unlike EncodePCMU.
func CompressPCMU(pcm int16) byte {
	return linearToUlaw(int32(pcm))
}

// DecodePCMU converts μ-law bytes to a normalized frame. Empty input yields
// an empty frame.
func DecodePCMU(payload []byte, track Track, sampleRate int) Frame {
	samples := make([]float32, len(payload))
	for i, b := range payload {
		samples[i] = muLawToFloat[b]
	}
	return Frame{Samples: samples, Track: track, SampleRate: sampleRate}
}

// EncodePCMU converts a normalized frame to μ-law bytes. Samples outside
// [-1, 1] are clamped and NaN encodes as silence.
func EncodePCMU(f Frame) []byte {
	out := make([]byte, len(f.Samples))
	for i, s := range f.Samples {
		out[i] = logUlaw(floatToPCM16(s))
	}
	return out
}

func floatToPCM16(s float32) float64 {
	x := float64(s)
	switch {
	case math.IsNaN(x):
		return 0
	case x > 1:
		x = 1
	case x < -1:
		x = -1
	}
	if x < 0 {
		return x * 32768
	}
	return x * 32767
}
