package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/dialstream/callcontrol"
	"github.com/room4-2/dialstream/config"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/metrics"
	"github.com/room4-2/dialstream/session"
)

type fakeAPI struct {
	mu      sync.Mutex
	dialErr error
	hangups int
}

func (f *fakeAPI) Dial(_ context.Context, p *callcontrol.DialParams) (*callcontrol.CallData, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &callcontrol.CallData{CallControlID: "v3:call-1", CallLegID: "leg-1", ClientState: p.ClientState}, nil
}

func (f *fakeAPI) Hangup(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	return nil
}

func (f *fakeAPI) StartStreaming(context.Context, string, *callcontrol.StreamingParams) error {
	return nil
}

func (f *fakeAPI) StartRecording(context.Context, string, *callcontrol.RecordingParams) error {
	return nil
}

func setupServer(t *testing.T) (*httptest.Server, *session.Session, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	sess := session.New(session.Config{}, api)
	t.Cleanup(func() { sess.Close(context.Background()) })

	cfg := &config.Config{Port: 0, AllowedOrigins: []string{"*"}}
	srv := NewServer(cfg, sess, metrics.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sess, api
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestMakeCall(t *testing.T) {
	ts, sess, _ := setupServer(t)

	resp, body := post(t, ts.URL+"/calls", `{"to":"+15550001","from":"+15550002"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, body, `"call_control_id":"v3:call-1"`)
	assert.Equal(t, session.StateDialed, sess.State())

	resp, body = post(t, ts.URL+"/calls", `{"to":"+15550001","from":"+15550002"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, messages.ErrCodeCallInProgress)
}

func TestMakeCall_BadRequests(t *testing.T) {
	ts, _, _ := setupServer(t)

	resp, body := post(t, ts.URL+"/calls", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, messages.ErrCodeInvalidMessage)

	resp, _ = post(t, ts.URL+"/calls", `{"to":"+15550001"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMakeCall_ProviderFailure(t *testing.T) {
	ts, sess, api := setupServer(t)
	api.dialErr = errors.New("rejected")

	resp, body := post(t, ts.URL+"/calls", `{"to":"+15550001","from":"+15550002"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, messages.ErrCodeCallFailed)
	assert.Equal(t, session.StateEnded, sess.State())
}

func TestHangUp_CurrentCall(t *testing.T) {
	ts, _, api := setupServer(t)

	resp, _ := get(t, ts.URL+"/calls/current")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/calls/hangup", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	post(t, ts.URL+"/calls", `{"to":"+15550001","from":"+15550002"}`)

	resp, body := get(t, ts.URL+"/calls/current")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var current CurrentCallResponse
	require.NoError(t, sonic.UnmarshalString(body, &current))
	assert.Equal(t, "Dialed", current.State)
	assert.Equal(t, "v3:call-1", current.Call.CallControlID)

	resp, body = post(t, ts.URL+"/calls/hangup", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, session.StatusCallEnded)
	assert.Equal(t, 1, api.hangups)

	resp, _ = get(t, ts.URL+"/calls/current")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhook(t *testing.T) {
	ts, sess, _ := setupServer(t)
	post(t, ts.URL+"/calls", `{"to":"+15550001","from":"+15550002"}`)

	resp, _ := post(t, ts.URL+"/webhook", `{"data":{"event_type":"call.initiated","payload":{"call_control_id":"v3:call-1"}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateInitiated, sess.State())

	resp, _ = post(t, ts.URL+"/webhook", `{"data":{"event_type":"call.answered","payload":{"call_control_id":"v3:call-1"}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateAnswered, sess.State())

	resp, _ = post(t, ts.URL+"/webhook", `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"v3:call-1"}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateEnded, sess.State())

	resp, _ = post(t, ts.URL+"/webhook", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusStream(t *testing.T) {
	ts, sess, _ := setupServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_, err = sess.MakeCall(context.Background(), session.DialRequest{To: "+1", From: "+2"})
	require.NoError(t, err)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var st messages.Status
	require.NoError(t, sonic.Unmarshal(data, &st))
	assert.Equal(t, session.StatusCallInitiated, st.Status)
	assert.Equal(t, messages.TypeSuccess, st.Type)
}

func TestStatusStream_OriginRejected(t *testing.T) {
	sess := session.New(session.Config{}, &fakeAPI{})
	srv := NewServer(&config.Config{AllowedOrigins: []string{"https://ok.example"}}, sess, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealth_Metrics(t *testing.T) {
	ts, _, _ := setupServer(t)

	resp, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","state":"Idle"}`, body)

	post(t, ts.URL+"/calls", `{"to":"+15550001","from":"+15550002"}`)
	resp, body = get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "dialstream_call_state_transitions_total")
	assert.Contains(t, body, "go_goroutines")
}
