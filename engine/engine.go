// Package engine assembles a call session from configuration: provider
// client, media legs, playback, capture and call persistence.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/callcontrol"
	"github.com/room4-2/dialstream/capture"
	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/config"
	"github.com/room4-2/dialstream/events"
	"github.com/room4-2/dialstream/metrics"
	"github.com/room4-2/dialstream/playback"
	"github.com/room4-2/dialstream/rtp"
	"github.com/room4-2/dialstream/session"
	"github.com/room4-2/dialstream/transport"
)

// Engine owns every component of one call session.
type Engine struct {
	Session  *session.Session
	Inbound  *transport.AudioTransport
	Outbound *transport.AudioTransport
	Capture  *capture.Pipeline
	Registry *prometheus.Registry
	Store    session.Store

	cfg        *config.Config
	recordings atomic.Int64
}

// Option adjusts how the engine is built.
type Option func(*options)

type options struct {
	api     session.CallControl
	opener  capture.Opener
	store   session.Store
	newSink func(rate int) (playback.Sink, error)
}

// WithCallControl replaces the REST client.
func WithCallControl(api session.CallControl) Option {
	return func(o *options) { o.api = api }
}

// WithOpener replaces the capture source.
func WithOpener(open capture.Opener) Option {
	return func(o *options) { o.opener = open }
}

// WithStore replaces the Redis-or-memory store.
func WithStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSink sets the far-end playback output. It is called once per inbound
// connection.
func WithSink(newSink func(rate int) (playback.Sink, error)) Option {
	return func(o *options) { o.newSink = newSink }
}

// New builds an idle engine.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.api == nil {
		client, err := callcontrol.New(&callcontrol.Config{APIKey: cfg.APIKey, BaseURL: cfg.APIURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create call-control client: %w", err)
		}
		o.api = client
	}

	streamCodec, err := codec.Lookup(cfg.StreamCodec, cfg.StreamSampleRate)
	if err != nil {
		return nil, err
	}

	if o.store == nil {
		o.store = session.ConnectStore(ctx, cfg.RedisURL, cfg.RedisPassword, session.WithTTL(cfg.SessionTTL))
	}

	e := &Engine{
		Registry: metrics.NewRegistry(),
		Store:    o.store,
		cfg:      cfg,
	}

	if o.newSink == nil {
		o.newSink = e.defaultSink
	}
	if o.opener == nil {
		o.opener = defaultOpener(cfg)
	}

	timeline := rtp.NewTimeline()
	rate := streamCodec.SampleRate()
	newPlayer := func() *playback.Player {
		sink, err := o.newSink(rate)
		if err != nil {
			logrus.WithField("function", "newPlayer").WithError(err).Warn("Playback sink unavailable, discarding far-end audio")
			sink = playback.DiscardSink{}
		}
		return playback.NewPlayer(sink,
			playback.WithMaxQueue(cfg.PlaybackMaxQueue),
			playback.WithChain(playback.DefaultChain()),
			playback.WithTrack(codec.TrackInbound),
		)
	}

	e.Inbound = transport.New(
		transport.WithName("inbound"),
		transport.WithCodec(streamCodec),
		transport.WithTrack(codec.TrackInbound),
		transport.WithPlayer(newPlayer),
		transport.WithTimeline(timeline),
	)
	// the outbound leg declares what capture actually sends: PCMU at the
	// capture rate unless the stream codec can encode at that rate
	outCodec := codec.Codec(codec.NewPCMU(cfg.CaptureSampleRate))
	if codec.CanEncode(streamCodec) && streamCodec.SampleRate() == cfg.CaptureSampleRate {
		outCodec = streamCodec
	}

	e.Outbound = transport.New(
		transport.WithName("outbound"),
		transport.WithCodec(outCodec),
		transport.WithTrack(codec.TrackOutbound),
	)

	e.Capture = capture.NewPipeline(capture.Config{
		SampleRate: cfg.CaptureSampleRate,
		FrameSize:  cfg.CaptureFrameSize,
		Normalize:  cfg.CaptureNormalize,
		Realtime:   true,
	}, e.Outbound,
		capture.WithCodec(outCodec),
		capture.WithTimeline(timeline),
		capture.WithStreamID(func() string {
			return e.Session.StreamID(codec.TrackOutbound)
		}),
	)

	alerter := session.NewToneAlerter(playback.NewPacedSink(playback.DiscardSink{}), rate)

	e.Session = session.New(session.Config{
		ConnectionID:       cfg.ConnectionID,
		DisplayName:        cfg.DisplayName,
		WebhookURL:         cfg.WebhookURL,
		InboundStreamURL:   cfg.InboundStreamURL,
		OutboundStreamURL:  cfg.OutboundStreamURL,
		Codec:              streamCodec.Name(),
		SampleRate:         rate,
		OutboundCodec:      outCodec.Name(),
		OutboundSampleRate: outCodec.SampleRate(),
		AutoHangup:         cfg.AutoHangup,
		SkipRecording:      !cfg.Record,
	}, o.api,
		session.WithTransports(e.Inbound, e.Outbound),
		session.WithCapture(e.Capture, o.opener),
		session.WithStore(o.store),
		session.WithAlerter(alerter),
	)

	return e, nil
}

// defaultSink records far-end audio to RECORDING_DIR, or paces it into
// nothing when no directory is set.
func (e *Engine) defaultSink(rate int) (playback.Sink, error) {
	if e.cfg.RecordingDir == "" {
		return playback.NewPacedSink(playback.DiscardSink{}), nil
	}
	if err := os.MkdirAll(e.cfg.RecordingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording dir: %w", err)
	}
	n := e.recordings.Add(1)
	name := fmt.Sprintf("inbound-%s-%d.wav", time.Now().UTC().Format("20060102T150405"), n)
	return playback.NewWAVSink(filepath.Join(e.cfg.RecordingDir, name), rate)
}

func defaultOpener(cfg *config.Config) capture.Opener {
	if cfg.CaptureWAV != "" {
		return capture.WAVOpener(cfg.CaptureWAV)
	}
	return func(context.Context) (capture.Source, error) {
		return &capture.SilenceSource{Rate: cfg.CaptureSampleRate}, nil
	}
}

// Relay returns an event relay feeding the session, or nil when no
// control socket is configured.
func (e *Engine) Relay() *events.Relay {
	if e.cfg.ControlWSURL == "" {
		return nil
	}
	return events.NewRelay(e.Session)
}

// Close hangs up any live call and releases the store.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Session.Close(ctx)
	if c, ok := e.Store.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
