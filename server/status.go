package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/session"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// statusClient streams session status updates to one WebSocket peer.
type statusClient struct {
	conn      *websocket.Conn
	sub       *session.StatusSubscription
	closeChan chan struct{}
	closeOnce sync.Once
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("function", "handleStatus").WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &statusClient{
		conn:      conn,
		sub:       s.calls.Subscribe(),
		closeChan: make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	c.close()
	<-done
	conn.Close()
}

// readPump only watches for the peer going away.
func (c *statusClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump handles all outgoing messages in a single goroutine
func (c *statusClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		// Send close message before exiting
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-c.closeChan:
			return
		case st, ok := <-c.sub.C:
			if !ok {
				return
			}
			data, err := sonic.Marshal(st)
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.sub.Unsubscribe()
	})
}
