package playback

import (
	"math"

	"github.com/room4-2/dialstream/codec"
)

// Processor transforms a frame's samples. Implementations keep state between
// frames and are not safe for concurrent use; the Player calls them from its
// single drain goroutine.
type Processor interface {
	Process(samples []float32, sampleRate int)
}

// Chain applies processors in order.
type Chain struct {
	stages []Processor
}

// NewChain returns a chain of the given processors.
func NewChain(stages ...Processor) *Chain {
	return &Chain{stages: stages}
}

// DefaultChain is the voice chain: a band-pass centred on 1 kHz followed by a
// compressor with browser-default settings.
func DefaultChain() *Chain {
	return NewChain(NewBandPass(1000, 0.7), NewCompressor(DefaultCompressorConfig()))
}

// Apply returns a processed copy of f.
func (c *Chain) Apply(f codec.Frame) codec.Frame {
	if c == nil || len(c.stages) == 0 || f.Len() == 0 {
		return f
	}
	out := codec.NewFrame(f.Samples, f.Track, f.SampleRate)
	for _, s := range c.stages {
		s.Process(out.Samples, out.SampleRate)
	}
	return out
}

// BandPass is a second-order band-pass filter (constant 0 dB peak gain).
type BandPass struct {
	freq float64
	q    float64

	rate           int
	b0, b2, a1, a2 float64
	x1, x2, y1, y2 float64
}

// NewBandPass creates a band-pass filter centred on freq Hz.
func NewBandPass(freq, q float64) *BandPass {
	return &BandPass{freq: freq, q: q}
}

func (bp *BandPass) configure(rate int) {
	bp.rate = rate
	w0 := 2 * math.Pi * bp.freq / float64(rate)
	alpha := math.Sin(w0) / (2 * bp.q)
	a0 := 1 + alpha
	bp.b0 = alpha / a0
	bp.b2 = -alpha / a0
	bp.a1 = -2 * math.Cos(w0) / a0
	bp.a2 = (1 - alpha) / a0
	bp.x1, bp.x2, bp.y1, bp.y2 = 0, 0, 0, 0
}

func (bp *BandPass) Process(samples []float32, sampleRate int) {
	if sampleRate <= 0 {
		return
	}
	// centre must stay below Nyquist
	if bp.freq >= float64(sampleRate)/2 {
		return
	}
	if sampleRate != bp.rate {
		bp.configure(sampleRate)
	}
	for i, s := range samples {
		x := float64(s)
		y := bp.b0*x + bp.b2*bp.x2 - bp.a1*bp.y1 - bp.a2*bp.y2
		bp.x2, bp.x1 = bp.x1, x
		bp.y2, bp.y1 = bp.y1, y
		samples[i] = float32(y)
	}
}

// CompressorConfig holds dynamics settings in dB and seconds.
type CompressorConfig struct {
	Threshold float64
	Knee      float64
	Ratio     float64
	Attack    float64
	Release   float64
}

// DefaultCompressorConfig mirrors the Web Audio DynamicsCompressorNode defaults.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		Threshold: -50,
		Knee:      40,
		Ratio:     12,
		Attack:    0.003,
		Release:   0.25,
	}
}

// Compressor is a soft-knee feed-forward compressor with automatic makeup gain.
type Compressor struct {
	cfg    CompressorConfig
	makeup float64
	gainDB float64
}

// NewCompressor creates a compressor.
func NewCompressor(cfg CompressorConfig) *Compressor {
	if cfg.Ratio < 1 {
		cfg.Ratio = 1
	}
	c := &Compressor{cfg: cfg}
	// makeup restores part of the reduction applied to a full-scale signal
	c.makeup = math.Pow(10, -c.staticCurve(0)*0.6/20)
	return c
}

// staticCurve maps an input level to an output level, both in dB.
func (c *Compressor) staticCurve(level float64) float64 {
	t, k, r := c.cfg.Threshold, c.cfg.Knee, c.cfg.Ratio
	over := level - t
	switch {
	case 2*over < -k:
		return level
	case k > 0 && 2*math.Abs(over) <= k:
		d := over + k/2
		return level + (1/r-1)*d*d/(2*k)
	default:
		return t + over/r
	}
}

func smoothing(seconds float64, rate int) float64 {
	if seconds <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * float64(rate)))
}

func (c *Compressor) Process(samples []float32, sampleRate int) {
	if sampleRate <= 0 {
		return
	}
	attack := smoothing(c.cfg.Attack, sampleRate)
	release := smoothing(c.cfg.Release, sampleRate)

	for i, s := range samples {
		x := float64(s)
		mag := math.Abs(x)
		if mag < 1e-6 {
			// below -120 dB: let the gain recover and pass the sample through
			c.gainDB = release * c.gainDB
			samples[i] = float32(x * c.makeup * math.Pow(10, c.gainDB/20))
			continue
		}
		level := 20 * math.Log10(mag)
		target := c.staticCurve(level) - level

		coeff := release
		if target < c.gainDB {
			coeff = attack
		}
		c.gainDB = coeff*c.gainDB + (1-coeff)*target

		y := x * c.makeup * math.Pow(10, c.gainDB/20)
		samples[i] = float32(clamp(y))
	}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
