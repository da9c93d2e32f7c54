// Package capture turns an audio input into outbound media messages: fixed
// size frames, optionally level-normalized, encoded, RTP framed and handed to
// a transport without ever blocking on the network.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gobwas/pool/pbytes"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/metrics"
	"github.com/room4-2/dialstream/rtp"
)

const (
	DefaultSampleRate = 8000
	DefaultFrameSize  = 2048
)

var ErrAlreadyRunning = errors.New("capture: pipeline already running")

// Sender is the outbound side of a transport.
type Sender interface {
	Send(msg *messages.TransportMessage) error
	IsConnected() bool
}

// Config controls framing and level handling.
type Config struct {
	SampleRate int
	FrameSize  int
	Normalize  bool
	// Realtime paces reads at the frame duration, like a device callback.
	Realtime bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCodec sets the payload codec. Defaults to PCMU at the capture rate.
func WithCodec(c codec.Codec) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithTimeline keeps outbound timestamps on the inbound leg's clock.
func WithTimeline(tl *rtp.Timeline) Option {
	return func(p *Pipeline) {
		p.timeline = tl
	}
}

// WithStreamID sets the provider stream id lookup used on every message.
func WithStreamID(fn func() string) Option {
	return func(p *Pipeline) {
		p.streamID = fn
	}
}

// Pipeline reads frames from a Source and sends them as outbound media.
type Pipeline struct {
	cfg      Config
	sender   Sender
	codec    codec.Codec
	timeline *rtp.Timeline
	streamID func() string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu sync.Mutex
	sent    uint64
	dropped uint64
}

// NewPipeline creates a stopped pipeline.
func NewPipeline(cfg Config, sender Sender, opts ...Option) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	p := &Pipeline{
		cfg:      cfg,
		sender:   sender,
		streamID: func() string { return "" },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.codec == nil {
		p.codec = codec.NewPCMU(cfg.SampleRate)
	}
	return p
}

// Start acquires a source and begins capturing. A failure to acquire the
// source is returned to the caller; nothing is left running.
func (p *Pipeline) Start(ctx context.Context, open Opener) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()

	src, err := open(ctx)
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	packetizer, err := rtp.NewPacketizer(p.timeline)
	if err != nil {
		_ = src.Close() // the packetizer error is returned instead
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.run(loopCtx, src, packetizer, done)

	logrus.WithFields(logrus.Fields{
		"function":    "Pipeline.Start",
		"sample_rate": p.cfg.SampleRate,
		"frame_size":  p.cfg.FrameSize,
		"codec":       p.codec.Name(),
		"ssrc":        packetizer.SSRC(),
	}).Info("Capture started")
	return nil
}

// Stop ends capture and releases the source. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the current capture loop exits. Nil before Start.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Running reports whether a capture loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns the number of frames sent and dropped.
func (p *Pipeline) Stats() (sent, dropped uint64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.sent, p.dropped
}

func (p *Pipeline) run(ctx context.Context, src Source, packetizer *rtp.Packetizer, done chan struct{}) {
	log := logrus.WithField("function", "Pipeline.run")
	defer func() {
		if err := src.Close(); err != nil {
			log.WithError(err).Warn("Failed to release capture source")
		}
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	var tick <-chan time.Time
	if p.cfg.Realtime {
		interval := time.Duration(p.cfg.FrameSize) * time.Second / time.Duration(p.cfg.SampleRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	buf := make([]float32, p.cfg.FrameSize)
	var chunk uint64
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		}

		n, err := src.ReadFrame(ctx, buf)
		switch {
		case errors.Is(err, io.EOF):
			log.Info("Capture source exhausted")
			return
		case ctx.Err() != nil:
			return
		case err != nil:
			log.WithError(err).Warn("Capture read failed")
			return
		case n == 0:
			continue
		}

		samples := buf[:n]
		if p.cfg.Normalize {
			Normalize(samples)
		}
		chunk++
		p.send(codec.NewFrame(samples, codec.TrackOutbound, p.cfg.SampleRate), packetizer, chunk)
	}
}

func (p *Pipeline) send(f codec.Frame, packetizer *rtp.Packetizer, chunk uint64) {
	seq, ts := packetizer.Next(f.Len())

	buf := pbytes.GetCap(rtp.HeaderSize + f.Len())
	packet, err := rtp.AppendPacket(buf, p.codec, f, seq, ts, packetizer.SSRC())
	if err != nil {
		pbytes.Put(buf)
		p.drop(metrics.StatusError)
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.send",
			"codec":    p.codec.Name(),
		}).WithError(err).Warn("Failed to encode frame")
		return
	}
	payload := codec.EncodeBase64(packet)
	pbytes.Put(packet)

	if !p.sender.IsConnected() {
		p.drop(metrics.StatusDropped)
		return
	}

	msg := messages.NewMediaMessage(p.streamID(), string(codec.TrackOutbound), payload, uint64(ts), chunk, chunk)
	if err := p.sender.Send(msg); err != nil {
		p.drop(metrics.StatusDropped)
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.send",
			"chunk":    chunk,
		}).WithError(err).Debug("Dropping outbound frame")
		return
	}

	p.statsMu.Lock()
	p.sent++
	p.statsMu.Unlock()
}

func (p *Pipeline) drop(status string) {
	metrics.RecordFrame(metrics.DirectionSent, status)
	p.statsMu.Lock()
	p.dropped++
	p.statsMu.Unlock()
}
