package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrDeviceUnavailable wraps failures to acquire an input source.
var ErrDeviceUnavailable = errors.New("capture: input device unavailable")

// Source is an audio input. ReadFrame fills buf with up to len(buf) samples
// in [-1, 1] and returns io.EOF once the input is exhausted.
type Source interface {
	ReadFrame(ctx context.Context, buf []float32) (int, error)
	SampleRate() int
	Close() error
}

// Opener acquires a source. It may block, like a permission prompt.
type Opener func(ctx context.Context) (Source, error)

// SilenceSource yields zeros forever.
type SilenceSource struct {
	Rate int
}

func (s *SilenceSource) ReadFrame(ctx context.Context, buf []float32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

func (s *SilenceSource) SampleRate() int { return s.Rate }
func (s *SilenceSource) Close() error    { return nil }

// ToneSource yields a continuous sine wave.
type ToneSource struct {
	Rate      int
	Frequency float64
	Amplitude float32

	phase float64
}

// NewToneSource creates a tone generator.
func NewToneSource(rate int, freq float64, amplitude float32) *ToneSource {
	return &ToneSource{Rate: rate, Frequency: freq, Amplitude: amplitude}
}

func (s *ToneSource) ReadFrame(ctx context.Context, buf []float32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	step := 2 * math.Pi * s.Frequency / float64(s.Rate)
	for i := range buf {
		buf[i] = s.Amplitude * float32(math.Sin(s.phase))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return len(buf), nil
}

func (s *ToneSource) SampleRate() int { return s.Rate }
func (s *ToneSource) Close() error    { return nil }

// WAVSource reads PCM samples from a WAV file, mixing to mono.
type WAVSource struct {
	path     string
	file     *os.File
	dec      *wav.Decoder
	rate     int
	channels int
	scale    float32

	mu     sync.Mutex
	buf    *audio.IntBuffer
	closed bool
}

// OpenWAV opens a PCM WAV file.
func OpenWAV(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close() // read-only, the format error is returned
		return nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrDeviceUnavailable, path)
	}
	if err := dec.FwdToPCM(); err != nil {
		_ = f.Close() // read-only, the format error is returned
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrDeviceUnavailable, path, err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth < 8 || bitDepth > 32 {
		_ = f.Close() // read-only, the format error is returned
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDeviceUnavailable, bitDepth)
	}

	return &WAVSource{
		path:     path,
		file:     f,
		dec:      dec,
		rate:     int(dec.SampleRate),
		channels: channels,
		scale:    float32(math.Pow(2, float64(bitDepth-1))),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

// WAVOpener returns an Opener for the file at path.
func WAVOpener(path string) Opener {
	return func(ctx context.Context) (Source, error) {
		return OpenWAV(path)
	}
}

func (s *WAVSource) ReadFrame(ctx context.Context, buf []float32) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}

	want := len(buf) * s.channels
	if cap(s.buf.Data) < want {
		s.buf.Data = make([]int, want)
	}
	s.buf.Data = s.buf.Data[:want]

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	frames := n / s.channels
	if frames == 0 {
		return 0, io.EOF
	}

	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < s.channels; ch++ {
			sum += s.buf.Data[i*s.channels+ch]
		}
		buf[i] = clamp(float32(sum) / float32(s.channels) / s.scale)
	}
	return frames, nil
}

func (s *WAVSource) SampleRate() int { return s.rate }

func (s *WAVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
