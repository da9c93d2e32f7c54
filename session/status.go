package session

import (
	"sync"

	"github.com/room4-2/dialstream/messages"
)

const defaultStatusBuffer = 32

// StatusSubscription receives status updates in publish order.
type StatusSubscription struct {
	C <-chan messages.Status

	ch   chan messages.Status
	bus  *statusBus
	once sync.Once
}

// Unsubscribe stops delivery and closes C.
func (s *StatusSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// statusBus fans status updates out to subscribers. A new subscriber first
// receives the latest status.
type statusBus struct {
	mu     sync.Mutex
	subs   map[*StatusSubscription]struct{}
	last   *messages.Status
	buffer int
}

func newStatusBus(buffer int) *statusBus {
	if buffer <= 0 {
		buffer = defaultStatusBuffer
	}
	return &statusBus{
		subs:   make(map[*StatusSubscription]struct{}),
		buffer: buffer,
	}
}

func (b *statusBus) subscribe() *StatusSubscription {
	ch := make(chan messages.Status, b.buffer)
	sub := &StatusSubscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last != nil {
		ch <- *b.last
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *statusBus) remove(sub *StatusSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// publish never blocks; a subscriber that falls behind misses updates.
func (b *statusBus) publish(st messages.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &st
	for sub := range b.subs {
		select {
		case sub.ch <- st:
		default:
		}
	}
}

func (b *statusBus) latest() (messages.Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return messages.Status{}, false
	}
	return *b.last, true
}

func (b *statusBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
