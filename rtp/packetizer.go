package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// Packetizer assigns sequence numbers and timestamps to outgoing frames of
// one stream.
type Packetizer struct {
	ssrc      uint32
	sequencer rtp.Sequencer
	timeline  *Timeline
}

// NewPacketizer creates a packetizer with a random SSRC. When timeline is nil
// the packetizer keeps its own clock.
func NewPacketizer(timeline *Timeline) (*Packetizer, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	return NewPacketizerWithSSRC(binary.BigEndian.Uint32(b[:]), 0, timeline), nil
}

// NewPacketizerWithSSRC creates a packetizer with fixed identifiers.
func NewPacketizerWithSSRC(ssrc uint32, firstSeq uint16, timeline *Timeline) *Packetizer {
	if timeline == nil {
		timeline = NewTimeline()
	}
	return &Packetizer{
		ssrc:      ssrc,
		sequencer: rtp.NewFixedSequencer(firstSeq),
		timeline:  timeline,
	}
}

// SSRC returns the stream's synchronization source.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// Next returns the sequence number and timestamp for a frame of the given
// sample count.
func (p *Packetizer) Next(samples int) (uint16, uint32) {
	return p.sequencer.NextSequenceNumber(), p.timeline.Advance(samples)
}

// Timeline keeps the outbound leg on the inbound leg's clock.
type Timeline struct {
	mu       sync.Mutex
	current  uint32
	started  bool
	observed uint32
	pending  bool
}

// NewTimeline returns a timeline starting at zero.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Observe records the timestamp of an inbound packet.
func (t *Timeline) Observe(ts uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed = ts
	t.pending = true
}

// Advance returns the timestamp for the next outbound frame. It resyncs to
// the latest inbound timestamp when one arrived since the previous call and
// otherwise steps by the previous frame's sample count.
func (t *Timeline) Advance(samples int) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.pending:
		t.current = t.observed
		t.pending = false
	case t.started:
		t.current += uint32(samples)
	}
	t.started = true
	return t.current
}
