package messages

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransportMessage_StringCounters(t *testing.T) {
	raw := `{"event":"media","media":{"track":"inbound","payload":"/38=","timestamp":"160","chunk":"2","sequence_number":"7"},"stream_id":"abc"}`

	msg, err := ParseTransportMessage([]byte(raw))
	require.NoError(t, err)
	require.True(t, msg.IsMedia())
	assert.Equal(t, "abc", msg.StreamID)
	assert.Equal(t, "inbound", msg.Media.Track)
	assert.Equal(t, "/38=", msg.Media.Payload)
	assert.Equal(t, Counter(160), msg.Media.Timestamp)
	assert.Equal(t, Counter(2), msg.Media.Chunk)
	assert.Equal(t, Counter(7), msg.Media.SequenceNumber)
}

func TestParseTransportMessage_NumericCounters(t *testing.T) {
	raw := `{"event":"media","media":{"track":"outbound","payload":"","timestamp":320,"chunk":3,"sequence_number":4}}`

	msg, err := ParseTransportMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, Counter(320), msg.Media.Timestamp)
	assert.Equal(t, Counter(3), msg.Media.Chunk)
	assert.Equal(t, Counter(4), msg.Media.SequenceNumber)
}

func TestParseTransportMessage_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event":`,
		"missing event": `{"media":{"track":"inbound"}}`,
		"bad counter":   `{"event":"media","media":{"chunk":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTransportMessage([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestMediaMessage_EmitsStringCounters(t *testing.T) {
	msg := NewMediaMessage("s1", "outbound", "AAAA", 160, 1, 2)

	data, err := msg.Marshal()
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, sonic.Unmarshal(data, &generic))
	assert.Equal(t, "media", generic["event"])
	assert.Equal(t, "s1", generic["stream_id"])

	media := generic["media"].(map[string]interface{})
	assert.Equal(t, "outbound", media["track"])
	assert.Equal(t, "160", media["timestamp"])
	assert.Equal(t, "1", media["chunk"])
	assert.Equal(t, "2", media["sequence_number"])
}

func TestTransportMessage_NonMedia(t *testing.T) {
	msg, err := ParseTransportMessage([]byte(`{"event":"start","stream_id":"x"}`))
	require.NoError(t, err)
	assert.False(t, msg.IsMedia())

	var nilMsg *TransportMessage
	assert.False(t, nilMsg.IsMedia())
}
