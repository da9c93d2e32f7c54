// Package codec converts between normalized audio frames and the encoded
// payloads carried on a provider media stream.
package codec

import "time"

// Track identifies which call leg a frame belongs to.
type Track string

const (
	TrackInbound  Track = "inbound"
	TrackOutbound Track = "outbound"
)

// Frame is a block of normalized samples in [-1, 1].
type Frame struct {
	Samples    []float32
	Track      Track
	SampleRate int
}

// NewFrame copies samples so the frame cannot be mutated through the caller's slice.
func NewFrame(samples []float32, track Track, sampleRate int) Frame {
	cp := make([]float32, len(samples))
	copy(cp, samples)
	return Frame{Samples: cp, Track: track, SampleRate: sampleRate}
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int {
	return len(f.Samples)
}

// Duration returns the playback length of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
