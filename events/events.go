// Package events feeds provider call events to a handler, either from a
// webhook body or from the provider's control WebSocket.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/messages"
)

const (
	handshakeTimeout = 10 * time.Second
	readLimit        = 256 * 1024
)

var ErrRelayRunning = errors.New("events: relay already running")

// Handler consumes provider events in arrival order.
type Handler interface {
	HandleEvent(ctx context.Context, ev messages.ProviderEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev messages.ProviderEvent)

func (fn HandlerFunc) HandleEvent(ctx context.Context, ev messages.ProviderEvent) { fn(ctx, ev) }

// ParseEnvelope decodes a {"data":{"event_type":...,"payload":{...}}} frame.
func ParseEnvelope(data []byte) (messages.ProviderEvent, error) {
	return messages.ParseProviderEvent(data)
}

// Relay reads events from the control socket. It does not reconnect.
type Relay struct {
	handler Handler
	dialer  *websocket.Dialer

	mu      sync.Mutex
	running bool
}

// NewRelay creates a relay that delivers to h.
func NewRelay(h Handler) *Relay {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	return &Relay{handler: h, dialer: &dialer}
}

// Run dials url and delivers events until ctx is done or the peer closes.
// A normal close or cancellation returns nil.
func (r *Relay) Run(ctx context.Context, url string) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "Relay.Run",
		"url":      url,
	})

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRelayRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ws, _, err := r.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to event channel: %w", err)
	}
	ws.SetReadLimit(readLimit)

	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
	})
	defer stop()
	defer ws.Close()

	log.Info("Event channel connected")
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Event channel closed")
				return nil
			}
			return fmt.Errorf("event channel read failed: %w", err)
		}

		ev, err := ParseEnvelope(data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed event")
			continue
		}
		log.WithField("event_type", ev.Type()).Debug("Event received")
		r.handler.HandleEvent(ctx, ev)
	}
}
