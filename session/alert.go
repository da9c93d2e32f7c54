package session

import (
	"context"
	"fmt"
	"time"

	"github.com/room4-2/dialstream/capture"
	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/playback"
)

// Alerter signals a call failure to the local user.
type Alerter interface {
	Alert(ctx context.Context) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context) error

func (fn AlerterFunc) Alert(ctx context.Context) error { return fn(ctx) }

// ToneAlerter renders a short sine beep into a playback sink.
type ToneAlerter struct {
	Sink       playback.Sink
	SampleRate int
	Frequency  float64
	Amplitude  float32
	Duration   time.Duration
}

// NewToneAlerter returns an 880 Hz, 300 ms beep at the given rate.
func NewToneAlerter(sink playback.Sink, sampleRate int) *ToneAlerter {
	return &ToneAlerter{
		Sink:       sink,
		SampleRate: sampleRate,
		Frequency:  880,
		Amplitude:  0.5,
		Duration:   300 * time.Millisecond,
	}
}

func (a *ToneAlerter) Alert(ctx context.Context) error {
	n := int(int64(a.SampleRate) * int64(a.Duration) / int64(time.Second))
	if n <= 0 {
		return nil
	}
	src := capture.NewToneSource(a.SampleRate, a.Frequency, a.Amplitude)
	buf := make([]float32, n)
	read, err := src.ReadFrame(ctx, buf)
	if err != nil {
		return fmt.Errorf("failed to synthesize alert tone: %w", err)
	}
	f := codec.NewFrame(buf[:read], codec.TrackInbound, a.SampleRate)
	if err := a.Sink.Render(ctx, f); err != nil {
		return fmt.Errorf("failed to play alert tone: %w", err)
	}
	return nil
}
