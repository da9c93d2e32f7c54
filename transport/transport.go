// Package transport carries framed call audio over a provider media-stream
// WebSocket.
//
// An AudioTransport owns one socket at a time. Inbound frames are parsed,
// fanned out to subscribers in arrival order and, for the inbound leg,
// depacketized, decoded and queued on the transport's player. Outbound
// messages go through a buffered write pump so callers never block on the
// network.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/metrics"
	"github.com/room4-2/dialstream/playback"
	"github.com/room4-2/dialstream/rtp"
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrSendQueueFull = errors.New("transport: send queue full")
)

const (
	writeBufferSize         = 256
	writeTimeout            = 10 * time.Second
	readLimit               = 512 * 1024
	handshakeTimeout        = 10 * time.Second
	defaultSubscriberBuffer = 64

	// CloseReasonManual is sent in the close frame on Disconnect.
	CloseReasonManual = "Manual disconnect"
)

// Option configures an AudioTransport.
type Option func(*AudioTransport)

// WithCodec sets the payload codec. Defaults to 8 kHz PCMU.
func WithCodec(c codec.Codec) Option {
	return func(t *AudioTransport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithTrack sets the leg this transport carries.
func WithTrack(track codec.Track) Option {
	return func(t *AudioTransport) {
		t.track = track
	}
}

// WithPlayer sets the factory for the playback graph created on every
// connect. Without one, inbound audio is not rendered.
func WithPlayer(newPlayer func() *playback.Player) Option {
	return func(t *AudioTransport) {
		t.newPlayer = newPlayer
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *AudioTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithTimeline reports inbound RTP timestamps to tl.
func WithTimeline(tl *rtp.Timeline) Option {
	return func(t *AudioTransport) {
		t.timeline = tl
	}
}

// WithSubscriberBuffer sets each subscription's channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(t *AudioTransport) {
		if n > 0 {
			t.subBuffer = n
		}
	}
}

// WithName labels log entries.
func WithName(name string) Option {
	return func(t *AudioTransport) {
		t.name = name
	}
}

// AudioTransport is a reconnectable media-stream socket client.
type AudioTransport struct {
	codec     codec.Codec
	track     codec.Track
	newPlayer func() *playback.Player
	dialer    *websocket.Dialer
	timeline  *rtp.Timeline
	subBuffer int
	name      string

	mu   sync.RWMutex
	conn *connection

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// connection is one live socket with its pumps and playback graph.
type connection struct {
	ws     *websocket.Conn
	url    string
	player *playback.Player

	writeChan chan *messages.TransportMessage
	closeChan chan struct{}
	readDone  chan struct{}
	closed    bool
}

// New creates a disconnected transport.
func New(opts ...Option) *AudioTransport {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	t := &AudioTransport{
		codec:     codec.NewPCMU(8000),
		track:     codec.TrackInbound,
		dialer:    &dialer,
		subBuffer: defaultSubscriberBuffer,
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		t.name = string(t.track)
	}
	return t
}

func (t *AudioTransport) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":  function,
		"transport": t.name,
	})
}

// Connect dials url, replacing any existing connection.
func (t *AudioTransport) Connect(ctx context.Context, url string) error {
	if err := t.Disconnect(); err != nil {
		t.logger("Connect").WithError(err).Warn("Failed to tear down previous connection")
	}

	ws, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)

	c := &connection{
		ws:        ws,
		url:       url,
		writeChan: make(chan *messages.TransportMessage, writeBufferSize),
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	if t.newPlayer != nil {
		c.player = t.newPlayer()
	}

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()

	go t.writePump(c)
	go t.readLoop(c)

	t.logger("Connect").WithField("url", url).Info("Media stream connected")
	return nil
}

// Disconnect closes the socket with a normal close frame and releases the
// playback graph. Safe to call in any state.
func (t *AudioTransport) Disconnect() error {
	t.mu.RLock()
	c := t.conn
	t.mu.RUnlock()
	if c == nil {
		return nil
	}

	err := t.teardown(c, true)
	<-c.readDone
	return err
}

// teardown releases c once. A manual teardown sends a close frame first.
func (t *AudioTransport) teardown(c *connection, manual bool) error {
	t.mu.Lock()
	if c.closed {
		t.mu.Unlock()
		return nil
	}
	c.closed = true
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()

	close(c.closeChan)

	if manual {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReasonManual)
		// the peer may already be gone
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	err := c.ws.Close()

	if c.player != nil {
		if perr := c.player.Close(); perr != nil {
			t.logger("teardown").WithError(perr).Warn("Failed to close player")
		}
	}

	t.logger("teardown").WithFields(logrus.Fields{
		"url":    c.url,
		"manual": manual,
	}).Info("Media stream disconnected")

	if err != nil && manual {
		return fmt.Errorf("failed to close socket: %w", err)
	}
	return nil
}

// IsConnected reports whether a socket is open.
func (t *AudioTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// IsConnectedTo reports whether the open socket was dialed to url.
func (t *AudioTransport) IsConnectedTo(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil && t.conn.url == url
}

// URL returns the address of the open socket, or "".
func (t *AudioTransport) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.url
}

// Player returns the playback graph of the open connection, if any.
func (t *AudioTransport) Player() *playback.Player {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.player
}

// Track returns the leg this transport carries.
func (t *AudioTransport) Track() codec.Track {
	return t.track
}

// Codec returns the payload codec.
func (t *AudioTransport) Codec() codec.Codec {
	return t.codec
}

// Send queues msg for writing without blocking.
func (t *AudioTransport) Send(msg *messages.TransportMessage) error {
	t.mu.RLock()
	c := t.conn
	t.mu.RUnlock()

	if c == nil {
		t.logger("Send").Debug("Dropping message, not connected")
		return ErrNotConnected
	}

	select {
	case <-c.closeChan:
		t.logger("Send").Debug("Dropping message, connection closing")
		return ErrNotConnected
	default:
	}

	select {
	case c.writeChan <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writePump handles all outgoing messages in a single goroutine
func (t *AudioTransport) writePump(c *connection) {
	for {
		select {
		case <-c.closeChan:
			return
		case msg := <-c.writeChan:
			data, err := msg.Marshal()
			if err != nil {
				t.logger("writePump").WithError(err).Warn("Failed to encode message")
				continue
			}

			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger("writePump").WithError(err).Warn("Write failed, closing media stream")
				if terr := t.teardown(c, false); terr != nil {
					t.logger("writePump").WithError(terr).Debug("Teardown after failed write")
				}
				return
			}
			if msg.IsMedia() {
				metrics.RecordFrame(metrics.DirectionSent, metrics.StatusOK)
			}
		}
	}
}

// readLoop is the only producer for subscribers and the player.
func (t *AudioTransport) readLoop(c *connection) {
	defer close(c.readDone)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !t.isClosed(c) {
				log := t.logger("readLoop").WithField("url", c.url)
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info("Media stream closed by peer")
				} else {
					log.WithError(err).Warn("Media stream read failed")
				}
				if terr := t.teardown(c, false); terr != nil {
					log.WithError(terr).Debug("Teardown after read failure")
				}
			}
			return
		}
		t.handleFrame(c, mt, data)
	}
}

func (t *AudioTransport) isClosed(c *connection) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return c.closed
}

func (t *AudioTransport) handleFrame(c *connection, mt int, data []byte) {
	msg, err := messages.ParseTransportMessage(data)
	var raw []byte
	switch {
	case err == nil:
	case mt == websocket.BinaryMessage:
		raw = data
		msg = messages.NewMediaMessage("", string(t.track), codec.EncodeBase64(data), 0, 0, 0)
	default:
		metrics.RecordFrame(metrics.DirectionReceived, metrics.StatusError)
		t.logger("handleFrame").WithError(err).Warn("Dropping malformed message")
		return
	}

	if t.isClosed(c) {
		return
	}
	t.dispatch(msg)

	if !msg.IsMedia() {
		t.logger("handleFrame").WithField("event", msg.Event).Debug("Stream event")
		return
	}

	if raw == nil {
		raw, err = codec.DecodeBase64(msg.Media.Payload)
		if err != nil {
			metrics.RecordFrame(metrics.DirectionReceived, metrics.StatusError)
			t.logger("handleFrame").WithError(err).Warn("Dropping media with bad payload")
			return
		}
	}
	t.play(c, msg, raw)
}

// play decodes an inbound-leg payload onto the connection's player.
func (t *AudioTransport) play(c *connection, msg *messages.TransportMessage, payload []byte) {
	track := codec.Track(msg.Media.Track)
	if track == "" {
		track = t.track
	}
	if track != codec.TrackInbound {
		return
	}

	frame, hdr, err := rtp.Depacketize(t.codec, payload, track)
	if err != nil {
		metrics.RecordFrame(metrics.DirectionReceived, metrics.StatusError)
		t.logger("play").WithError(err).Warn("Failed to decode media")
		return
	}
	metrics.RecordFrame(metrics.DirectionReceived, metrics.StatusOK)

	if t.timeline != nil {
		if hdr != nil {
			t.timeline.Observe(hdr.Timestamp)
		} else if msg.Media.Timestamp != 0 {
			t.timeline.Observe(uint32(msg.Media.Timestamp))
		}
	}

	if c.player != nil && frame.Len() > 0 {
		c.player.Enqueue(frame)
	}
}
