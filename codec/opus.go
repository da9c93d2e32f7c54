package codec

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/opus"
)

const (
	opusSampleRate = 48000
	// pion/opus upsamples the SILK output by a fixed factor of three
	opusUpsample = 3
	// 20 ms of wideband SILK after upsampling
	opusMaxSamples = 320 * opusUpsample
)

// Opus decodes Opus payloads through the pure Go pion/opus decoder. The
// provider-side migration to Opus has no encoder yet, so Encode always fails.
type Opus struct {
	mu      sync.Mutex
	decoder *opus.Decoder
	out     []float32
}

// NewOpus returns an Opus codec with its own decoder state.
func NewOpus() *Opus {
	decoder := opus.NewDecoder()
	return &Opus{
		decoder: &decoder,
		out:     make([]float32, opusMaxSamples),
	}
}

func (c *Opus) Name() string    { return NameOpus }
func (c *Opus) SampleRate() int { return opusSampleRate }

func (c *Opus) Encode(Frame) ([]byte, error) {
	return nil, ErrEncodeUnsupported
}

func (c *Opus) Decode(payload []byte, track Track) (Frame, error) {
	if len(payload) == 0 {
		return Frame{Samples: []float32{}, Track: track, SampleRate: opusSampleRate}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bandwidth, _, err := c.decoder.DecodeFloat32(payload, c.out)
	if err != nil {
		return Frame{}, fmt.Errorf("opus decode failed: %w", err)
	}

	rate := bandwidth.SampleRate() * opusUpsample
	n := opusFrameLen(payload[0], rate)
	samples := make([]float32, n)
	copy(samples, c.out[:n])
	return Frame{Samples: samples, Track: track, SampleRate: rate}, nil
}

// opusFrameDuration reads the frame duration of a SILK-only TOC byte.
func opusFrameDuration(toc byte) time.Duration {
	durations := [...]time.Duration{10, 20, 40, 60}
	return durations[(toc>>3)&0x03] * time.Millisecond
}

// opusFrameLen is the decoded sample count for one packet, capped at the
// decoder's buffer.
func opusFrameLen(toc byte, rate int) int {
	n := int(int64(rate) * int64(opusFrameDuration(toc)) / int64(time.Second))
	if n > opusMaxSamples {
		n = opusMaxSamples
	}
	return n
}
