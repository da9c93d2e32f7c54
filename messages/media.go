package messages

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// Transport events
const (
	EventMedia     = "media"
	EventStart     = "start"
	EventStop      = "stop"
	EventConnected = "connected"
	EventMark      = "mark"
	EventError     = "error"
)

// Counter is a wire counter. The provider sends counters as decimal strings;
// plain JSON numbers are accepted as well. Counters are always emitted as
// strings.
type Counter uint64

func (c Counter) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatUint(uint64(c), 10) + `"`), nil
}

func (c *Counter) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("invalid counter %s: %w", b, err)
		}
		if s == "" {
			*c = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid counter %s: %w", b, err)
	}
	*c = Counter(v)
	return nil
}

// Media is the audio part of a transport message
type Media struct {
	Track          string  `json:"track"`   // "inbound" or "outbound"
	Payload        string  `json:"payload"` // Base64-encoded codec payload, optionally RTP framed
	Timestamp      Counter `json:"timestamp"`
	Chunk          Counter `json:"chunk"`
	SequenceNumber Counter `json:"sequence_number"`
}

// TransportMessage is a frame on the media stream socket
type TransportMessage struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	Media          *Media `json:"media,omitempty"`
	StreamID       string `json:"stream_id,omitempty"`
}

// IsMedia reports whether the message carries audio.
func (m *TransportMessage) IsMedia() bool {
	return m != nil && m.Event == EventMedia && m.Media != nil
}

// NewMediaMessage creates an outbound media message
func NewMediaMessage(streamID, track, payload string, timestamp, chunk, seq uint64) *TransportMessage {
	return &TransportMessage{
		Event:    EventMedia,
		StreamID: streamID,
		Media: &Media{
			Track:          track,
			Payload:        payload,
			Timestamp:      Counter(timestamp),
			Chunk:          Counter(chunk),
			SequenceNumber: Counter(seq),
		},
	}
}

// ParseTransportMessage decodes a media stream frame.
func ParseTransportMessage(data []byte) (*TransportMessage, error) {
	var msg TransportMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid transport message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("invalid transport message: missing event")
	}
	return &msg, nil
}

// Marshal encodes the message for the wire.
func (m *TransportMessage) Marshal() ([]byte, error) {
	return sonic.Marshal(m)
}
