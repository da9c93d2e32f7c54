package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/playback"
	"github.com/room4-2/dialstream/rtp"
)

// peer is a provider-side media stream endpoint.
type peer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	url   string
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	up := websocket.Upgrader{}
	p := &peer{conns: make(chan *websocket.Conn, 4)}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- c
	}))
	t.Cleanup(p.srv.Close)
	p.url = "ws" + strings.TrimPrefix(p.srv.URL, "http")
	return p
}

func (p *peer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func framesPlayer(frames chan codec.Frame) func() *playback.Player {
	return func() *playback.Player {
		return playback.NewPlayer(playback.SinkFunc(func(ctx context.Context, f codec.Frame) error {
			frames <- f
			return nil
		}), playback.WithChain(nil))
	}
}

func inboundMedia(t *testing.T, samples []float32, seq uint16, ts uint32) []byte {
	t.Helper()
	c := codec.NewPCMU(8000)
	packet, err := rtp.Packetize(c, codec.NewFrame(samples, codec.TrackInbound, 8000), seq, ts, 99)
	require.NoError(t, err)
	msg := messages.NewMediaMessage("stream-1", "inbound", codec.EncodeBase64(packet), uint64(ts), 1, uint64(seq))
	data, err := msg.Marshal()
	require.NoError(t, err)
	return data
}

func connect(t *testing.T, tr *AudioTransport, p *peer) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, p.url))
	t.Cleanup(func() { tr.Disconnect() })
	return p.accept(t)
}

func TestTransport_InboundMediaReachesSubscriberAndPlayer(t *testing.T) {
	p := newPeer(t)
	frames := make(chan codec.Frame, 4)
	tl := rtp.NewTimeline()
	tr := New(WithTrack(codec.TrackInbound), WithPlayer(framesPlayer(frames)), WithTimeline(tl))
	sub := tr.Subscribe()
	defer sub.Unsubscribe()

	server := connect(t, tr, p)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, inboundMedia(t, []float32{0.5, -0.5}, 7, 1600)))

	select {
	case msg := <-sub.C:
		require.True(t, msg.IsMedia())
		assert.Equal(t, "stream-1", msg.StreamID)
		assert.Equal(t, messages.Counter(7), msg.Media.SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber received nothing")
	}

	select {
	case f := <-frames:
		require.Equal(t, 2, f.Len())
		want := codec.DecodePCMU(codec.EncodePCMU(codec.NewFrame([]float32{0.5, -0.5}, codec.TrackInbound, 8000)), codec.TrackInbound, 8000)
		assert.Equal(t, want.Samples, f.Samples)
	case <-time.After(2 * time.Second):
		t.Fatal("player rendered nothing")
	}

	assert.Equal(t, uint32(1600), tl.Advance(160))
}

func TestTransport_SubscriberOrder(t *testing.T) {
	p := newPeer(t)
	tr := New()
	sub := tr.Subscribe()
	defer sub.Unsubscribe()

	server := connect(t, tr, p)
	for i := uint16(1); i <= 5; i++ {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, inboundMedia(t, []float32{0}, i, uint32(i)*160)))
	}

	for i := 1; i <= 5; i++ {
		select {
		case msg := <-sub.C:
			assert.Equal(t, messages.Counter(i), msg.Media.SequenceNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing message %d", i)
		}
	}
}

func TestTransport_OutboundTrackNotPlayed(t *testing.T) {
	p := newPeer(t)
	frames := make(chan codec.Frame, 4)
	tr := New(WithPlayer(framesPlayer(frames)))
	sub := tr.Subscribe()
	defer sub.Unsubscribe()

	server := connect(t, tr, p)
	msg := messages.NewMediaMessage("s", "outbound", codec.EncodeBase64([]byte{0xFF, 0xFF}), 0, 1, 1)
	data, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, data))

	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber received nothing")
	}
	select {
	case <-frames:
		t.Fatal("outbound track must not be played")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_BinaryRawFrame(t *testing.T) {
	p := newPeer(t)
	frames := make(chan codec.Frame, 4)
	tr := New(WithPlayer(framesPlayer(frames)))
	sub := tr.Subscribe()
	defer sub.Unsubscribe()

	server := connect(t, tr, p)
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x80, 0x00}))

	select {
	case msg := <-sub.C:
		require.True(t, msg.IsMedia())
		assert.Equal(t, "inbound", msg.Media.Track)
		assert.Equal(t, codec.EncodeBase64([]byte{0xFF, 0x80, 0x00}), msg.Media.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber received nothing")
	}

	select {
	case f := <-frames:
		require.Equal(t, 3, f.Len())
		assert.Equal(t, float32(0), f.Samples[0])
	case <-time.After(2 * time.Second):
		t.Fatal("player rendered nothing")
	}
}

func TestTransport_MalformedMessageDropped(t *testing.T) {
	p := newPeer(t)
	tr := New()
	sub := tr.Subscribe()
	defer sub.Unsubscribe()

	server := connect(t, tr, p)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"event":`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, inboundMedia(t, []float32{0}, 2, 0)))

	select {
	case msg := <-sub.C:
		assert.Equal(t, messages.Counter(2), msg.Media.SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed one was not delivered")
	}
	assert.True(t, tr.IsConnected())
}

func TestSend_WritesMessage(t *testing.T) {
	p := newPeer(t)
	tr := New(WithTrack(codec.TrackOutbound))
	server := connect(t, tr, p)

	require.NoError(t, tr.Send(messages.NewMediaMessage("s", "outbound", "/w==", 160, 1, 1)))

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.JSONEq(t, `{"event":"media","media":{"track":"outbound","payload":"/w==","timestamp":"160","chunk":"1","sequence_number":"1"},"stream_id":"s"}`, string(data))
}

func TestSend_NotConnected(t *testing.T) {
	tr := New()
	assert.ErrorIs(t, tr.Send(messages.NewMediaMessage("", "outbound", "", 0, 0, 0)), ErrNotConnected)
}

func TestDisconnect_Idempotent(t *testing.T) {
	p := newPeer(t)
	frames := make(chan codec.Frame, 1)
	tr := New(WithPlayer(framesPlayer(frames)))
	server := connect(t, tr, p)
	player := tr.Player()
	require.NotNil(t, player)

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	assert.False(t, tr.IsConnected())
	assert.True(t, player.IsClosed())
	assert.Equal(t, "", tr.URL())
	assert.ErrorIs(t, tr.Send(messages.NewMediaMessage("", "outbound", "", 0, 0, 0)), ErrNotConnected)

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := server.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, CloseReasonManual, closeErr.Text)
}

func TestDisconnect_NeverConnected(t *testing.T) {
	tr := New()
	assert.NoError(t, tr.Disconnect())
	assert.False(t, tr.IsConnected())
}

func TestConnect_ReplacesConnection(t *testing.T) {
	first := newPeer(t)
	second := newPeer(t)
	tr := New()

	oldServer := connect(t, tr, first)
	assert.True(t, tr.IsConnectedTo(first.url))

	connect(t, tr, second)
	assert.True(t, tr.IsConnectedTo(second.url))
	assert.False(t, tr.IsConnectedTo(first.url))

	oldServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := oldServer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestTransport_PeerCloseClearsConnection(t *testing.T) {
	p := newPeer(t)
	tr := New(WithPlayer(framesPlayer(make(chan codec.Frame, 1))))
	server := connect(t, tr, p)
	player := tr.Player()

	require.NoError(t, server.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")))

	require.Eventually(t, func() bool { return !tr.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, player.IsClosed())
}

func TestConnect_Failure(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tr.Connect(ctx, "ws://127.0.0.1:1/nothing")
	assert.Error(t, err)
	assert.False(t, tr.IsConnected())
}

func TestSubscription_UnsubscribeClosesChannel(t *testing.T) {
	tr := New()
	sub := tr.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C
	assert.False(t, ok)
}
