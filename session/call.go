package session

import (
	"time"

	"github.com/room4-2/dialstream/codec"
)

// Call holds the provider identifiers of the live call.
type Call struct {
	ConnectionID     string    `json:"connection_id,omitempty"`
	CallControlID    string    `json:"call_control_id"`
	ClientState      string    `json:"client_state"`
	CallSessionID    string    `json:"call_session_id"`
	CallLegID        string    `json:"call_leg_id"`
	InboundStreamID  string    `json:"inbound_stream_id,omitempty"`
	OutboundStreamID string    `json:"outbound_stream_id,omitempty"`
	To               string    `json:"to,omitempty"`
	From             string    `json:"from,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// StreamID returns the provider stream id for a leg.
func (c *Call) StreamID(track codec.Track) string {
	if c == nil {
		return ""
	}
	if track == codec.TrackOutbound {
		return c.OutboundStreamID
	}
	return c.InboundStreamID
}

func (c *Call) clone() *Call {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// DialRequest describes an outbound call.
type DialRequest struct {
	To           string
	From         string
	ConnectionID string
	DisplayName  string
}
