package playback

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/codec"
)

// Sink renders frames to an output. Render returns once the frame has been
// consumed.
type Sink interface {
	Render(ctx context.Context, f codec.Frame) error
	Close() error
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, f codec.Frame) error

func (fn SinkFunc) Render(ctx context.Context, f codec.Frame) error { return fn(ctx, f) }
func (fn SinkFunc) Close() error                                    { return nil }

// DiscardSink drops every frame.
type DiscardSink struct{}

func (DiscardSink) Render(context.Context, codec.Frame) error { return nil }
func (DiscardSink) Close() error                              { return nil }

// PacedSink holds each frame for its real-time duration after the wrapped
// sink consumes it, standing in for an output device clock.
type PacedSink struct {
	Sink
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacedSink wraps inner with real-time pacing.
func NewPacedSink(inner Sink) *PacedSink {
	return &PacedSink{Sink: inner, sleep: sleepContext}
}

func (p *PacedSink) Render(ctx context.Context, f codec.Frame) error {
	if err := p.Sink.Render(ctx, f); err != nil {
		return err
	}
	return p.sleep(ctx, f.Duration())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WAVSink writes frames to a 16-bit mono WAV file.
type WAVSink struct {
	path       string
	sampleRate int

	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples int
	closed  bool
}

// NewWAVSink creates the file at path. Frames at other sample rates are
// written unchanged.
func NewWAVSink(path string, sampleRate int) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}
	return &WAVSink{
		path:       path,
		sampleRate: sampleRate,
		file:       f,
		enc:        wav.NewEncoder(f, sampleRate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Path returns the file being written.
func (s *WAVSink) Path() string {
	return s.path
}

// Samples returns the number of samples written so far.
func (s *WAVSink) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func (s *WAVSink) Render(_ context.Context, f codec.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if f.SampleRate != 0 && f.SampleRate != s.sampleRate {
		logrus.WithFields(logrus.Fields{
			"function":    "WAVSink.Render",
			"path":        s.path,
			"frame_rate":  f.SampleRate,
			"output_rate": s.sampleRate,
		}).Debug("Frame sample rate differs from recording")
	}

	if cap(s.buf.Data) < f.Len() {
		s.buf.Data = make([]int, f.Len())
	}
	s.buf.Data = s.buf.Data[:f.Len()]
	for i, v := range f.Samples {
		s.buf.Data[i] = int(toPCM16(v))
	}
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	s.samples += f.Len()
	return nil
}

// Close finalizes the WAV header and closes the file.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	encErr := s.enc.Close()
	fileErr := s.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finalize recording: %w", encErr)
	}
	return fileErr
}

func toPCM16(v float32) int16 {
	switch {
	case v != v:
		return 0
	case v >= 1:
		return 32767
	case v <= -1:
		return -32768
	case v < 0:
		return int16(v * 32768)
	default:
		return int16(v * 32767)
	}
}
