package messages

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Provider event types
const (
	EventCallInitiated         = "call.initiated"
	EventCallAnswered          = "call.answered"
	EventCallHangup            = "call.hangup"
	EventStreamingStarted      = "streaming.started"
	EventStreamingStopped      = "streaming.stopped"
	EventCallSpeakEnded        = "call.speak.ended"
	EventMachineDetectionEnded = "call.machine.detection.ended"
	EventRecordingSaved        = "call.recording.saved"
)

// ProviderEvent is the call-control event envelope delivered by webhook or
// control socket.
type ProviderEvent struct {
	Data EventData `json:"data"`
}

type EventData struct {
	ID         string       `json:"id,omitempty"`
	RecordType string       `json:"record_type,omitempty"`
	EventType  string       `json:"event_type"`
	OccurredAt string       `json:"occurred_at,omitempty"`
	Payload    EventPayload `json:"payload"`
}

// EventPayload holds the fields of interest across all event types.
type EventPayload struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id,omitempty"`
	CallSessionID string `json:"call_session_id,omitempty"`
	ConnectionID  string `json:"connection_id,omitempty"`
	ClientState   string `json:"client_state,omitempty"`
	CommandID     string `json:"command_id,omitempty"`
	From          string `json:"from,omitempty"`
	To            string `json:"to,omitempty"`
	State         string `json:"state,omitempty"`
	HangupCause   string `json:"hangup_cause,omitempty"`
	HangupSource  string `json:"hangup_source,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
	StreamURL     string `json:"stream_url,omitempty"`
	StreamTrack   string `json:"stream_track,omitempty"`
	Result        string `json:"result,omitempty"`
}

// Type returns the event type.
func (e ProviderEvent) Type() string {
	return e.Data.EventType
}

// NewProviderEvent builds an envelope, mostly for tests and replays.
func NewProviderEvent(eventType string, payload EventPayload) ProviderEvent {
	return ProviderEvent{Data: EventData{EventType: eventType, Payload: payload}}
}

// ParseProviderEvent decodes an event envelope. An envelope without an event
// type is rejected; unknown types are returned as-is.
func ParseProviderEvent(data []byte) (ProviderEvent, error) {
	var ev ProviderEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return ProviderEvent{}, fmt.Errorf("invalid event envelope: %w", err)
	}
	if ev.Data.EventType == "" {
		return ProviderEvent{}, fmt.Errorf("invalid event envelope: missing event_type")
	}
	return ev, nil
}
