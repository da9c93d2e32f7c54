package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviderEvent(t *testing.T) {
	raw := `{"data":{"event_type":"call.answered","id":"e1","payload":{"call_control_id":"cc-1","call_leg_id":"leg","call_session_id":"sess","client_state":"aGk=","connection_id":"conn"}}}`

	ev, err := ParseProviderEvent([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, EventCallAnswered, ev.Type())
	assert.Equal(t, "cc-1", ev.Data.Payload.CallControlID)
	assert.Equal(t, "leg", ev.Data.Payload.CallLegID)
	assert.Equal(t, "sess", ev.Data.Payload.CallSessionID)
	assert.Equal(t, "aGk=", ev.Data.Payload.ClientState)
}

func TestParseProviderEvent_UnknownType(t *testing.T) {
	ev, err := ParseProviderEvent([]byte(`{"data":{"event_type":"call.bridged","payload":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, "call.bridged", ev.Type())
}

func TestParseProviderEvent_Invalid(t *testing.T) {
	_, err := ParseProviderEvent([]byte(`{"data":{"payload":{}}}`))
	assert.Error(t, err)

	_, err = ParseProviderEvent([]byte(`[]`))
	assert.Error(t, err)
}

func TestNewStatus(t *testing.T) {
	s := NewErrorStatus("dial failed")
	assert.Equal(t, Status{Status: "Error", Type: TypeError, Message: "dial failed"}, s)

	s = NewInfoStatus("Ringing", "")
	assert.Equal(t, TypeInfo, s.Type)
}
