package transport

import (
	"sync"

	"github.com/room4-2/dialstream/messages"
)

// Subscription receives every inbound message in arrival order. A
// subscriber that falls behind loses messages rather than stalling the
// socket.
type Subscription struct {
	C <-chan *messages.TransportMessage

	ch   chan *messages.TransportMessage
	t    *AudioTransport
	once sync.Once
}

// Subscribe registers a new subscriber.
func (t *AudioTransport) Subscribe() *Subscription {
	ch := make(chan *messages.TransportMessage, t.subBuffer)
	s := &Subscription{C: ch, ch: ch, t: t}

	t.subMu.Lock()
	t.subs[s] = struct{}{}
	t.subMu.Unlock()
	return s
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.t.subMu.Lock()
		delete(s.t.subs, s)
		close(s.ch)
		s.t.subMu.Unlock()
	})
}

func (t *AudioTransport) dispatch(msg *messages.TransportMessage) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for s := range t.subs {
		select {
		case s.ch <- msg:
		default:
			t.logger("dispatch").WithField("event", msg.Event).Debug("Subscriber full, dropping message")
		}
	}
}
