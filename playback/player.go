// Package playback renders decoded call audio in arrival order, one frame at
// a time, through a voice processing chain into a Sink.
package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/metrics"
)

// DefaultMaxQueue bounds the number of frames waiting to be rendered.
const DefaultMaxQueue = 500

// ErrClosed is returned when rendering to a closed sink.
var ErrClosed = errors.New("playback: closed")

// Option configures a Player.
type Option func(*Player)

// WithMaxQueue sets the queue bound. When full, the oldest frame is dropped.
func WithMaxQueue(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.maxQueue = n
		}
	}
}

// WithChain replaces the processing chain. A nil chain renders frames as-is.
func WithChain(c *Chain) Option {
	return func(p *Player) {
		p.chain = c
	}
}

// WithTrack labels the player's metrics and logs.
func WithTrack(track codec.Track) Option {
	return func(p *Player) {
		p.track = track
	}
}

// Player is a FIFO jitter queue feeding a Sink. At most one frame renders at
// a time; frames render strictly in enqueue order.
type Player struct {
	sink     Sink
	chain    *Chain
	maxQueue int
	track    codec.Track

	mu        sync.Mutex
	queue     []codec.Frame
	rendering bool
	closed    bool
	dropped   uint64
	idle      chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPlayer creates a player rendering into sink.
func NewPlayer(sink Sink, opts ...Option) *Player {
	if sink == nil {
		sink = DiscardSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		sink:     sink,
		chain:    DefaultChain(),
		maxQueue: DefaultMaxQueue,
		track:    codec.TrackInbound,
		idle:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	close(p.idle)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue appends a frame and starts draining if idle.
func (p *Player) Enqueue(f codec.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if len(p.queue) >= p.maxQueue {
		p.queue[0] = codec.Frame{}
		p.queue = p.queue[1:]
		p.dropped++
		metrics.RecordPlaybackDrop(string(p.track))
	}
	p.queue = append(p.queue, f)
	metrics.SetPlaybackQueueDepth(string(p.track), len(p.queue))

	if !p.rendering {
		p.rendering = true
		p.idle = make(chan struct{})
		p.wg.Add(1)
		go p.drain(p.idle)
	}
}

// drain renders queued frames until the queue is empty.
func (p *Player) drain(idle chan struct{}) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.rendering = false
			close(idle)
			p.mu.Unlock()
			return
		}
		f := p.queue[0]
		p.queue[0] = codec.Frame{}
		p.queue = p.queue[1:]
		metrics.SetPlaybackQueueDepth(string(p.track), len(p.queue))
		p.mu.Unlock()

		if err := p.sink.Render(p.ctx, p.chain.Apply(f)); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Player.drain",
				"track":    p.track,
				"error":    err.Error(),
			}).Warn("Failed to render frame")
		}
	}
}

// Flush blocks until every queued frame has rendered or ctx is done.
func (p *Player) Flush(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of frames waiting to render.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Rendering reports whether a drain is in progress.
func (p *Player) Rendering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rendering
}

// Dropped returns the number of frames evicted from a full queue.
func (p *Player) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// IsClosed reports whether Close has been called.
func (p *Player) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close discards queued frames, waits for the frame in flight and closes the
// sink. Safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	metrics.SetPlaybackQueueDepth(string(p.track), 0)

	return p.sink.Close()
}
