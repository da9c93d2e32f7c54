// Package callcontrol is a client for the provider's call-control REST API.
package callcontrol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/metrics"
)

// DefaultBaseURL is the provider API root.
const DefaultBaseURL = "https://api.telnyx.com/v2"

// Stream tracks
const (
	TrackInbound  = "inbound_track"
	TrackOutbound = "outbound_track"
	TrackBoth     = "both_tracks"
)

var ErrMissingCallControlID = errors.New("callcontrol: call control id missing in response")

// Client is a call-control API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config configures the client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client. The API key falls back to TELNYX_API_KEY.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("TELNYX_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("TELNYX_API_KEY is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// CallData is the call resource returned by Dial.
type CallData struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	ClientState   string `json:"client_state"`
	IsAlive       bool   `json:"is_alive"`
	RecordType    string `json:"record_type"`
}

// DialParams are parameters for an outbound call.
type DialParams struct {
	To              string
	From            string
	FromDisplayName string
	ConnectionID    string
	WebhookURL      string
	ClientState     string
	TimeoutSecs     int // ring timeout
	TimeLimitSecs   int // maximum call length
}

type dialRequest struct {
	To               string `json:"to"`
	From             string `json:"from"`
	FromDisplayName  string `json:"from_display_name,omitempty"`
	ConnectionID     string `json:"connection_id"`
	TimeoutSecs      int    `json:"timeout_secs"`
	TimeoutLimitSecs int    `json:"timeout_limit_secs"`
	WebhookURL       string `json:"webhook_url,omitempty"`
	WebhookURLMethod string `json:"webhook_url_method,omitempty"`
	MediaEncryption  string `json:"media_encryption"`
	ClientState      string `json:"client_state,omitempty"`
	CommandID        string `json:"command_id"`
}

// Dial places an outbound call.
func (c *Client) Dial(ctx context.Context, params *DialParams) (*CallData, error) {
	req := dialRequest{
		To:               params.To,
		From:             params.From,
		FromDisplayName:  params.FromDisplayName,
		ConnectionID:     params.ConnectionID,
		TimeoutSecs:      params.TimeoutSecs,
		TimeoutLimitSecs: params.TimeLimitSecs,
		WebhookURL:       params.WebhookURL,
		MediaEncryption:  "disabled",
		ClientState:      params.ClientState,
		CommandID:        uuid.NewString(),
	}
	if req.TimeoutSecs <= 0 {
		req.TimeoutSecs = 60
	}
	if req.TimeoutLimitSecs <= 0 {
		req.TimeoutLimitSecs = 60
	}
	if req.WebhookURL != "" {
		req.WebhookURLMethod = http.MethodPost
	}

	var resp struct {
		Data CallData `json:"data"`
	}
	if err := c.post(ctx, "dial", "/calls", req, &resp); err != nil {
		return nil, err
	}
	if resp.Data.CallControlID == "" {
		return nil, ErrMissingCallControlID
	}
	return &resp.Data, nil
}

type commandRequest struct {
	ClientState string `json:"client_state,omitempty"`
	CommandID   string `json:"command_id"`
}

// Hangup ends a call.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	return c.action(ctx, callControlID, "hangup", commandRequest{CommandID: uuid.NewString()})
}

// StreamingParams configure a bidirectional media stream.
type StreamingParams struct {
	StreamURL           string
	StreamTrack         string // TrackInbound, TrackOutbound or TrackBoth
	Codec               string // PCMU or OPUS
	SamplingRate        int
	TargetLegs          string
	SendSilenceWhenIdle bool
	ClientState         string
}

type streamingRequest struct {
	StreamURL           string `json:"stream_url"`
	StreamTrack         string `json:"stream_track"`
	Mode                string `json:"stream_bidirectional_mode"`
	Codec               string `json:"stream_bidirectional_codec"`
	TargetLegs          string `json:"stream_bidirectional_target_legs"`
	SamplingRate        string `json:"stream_bidirectional_sampling_rate"`
	SendSilenceWhenIdle bool   `json:"send_silence_when_idle"`
	ClientState         string `json:"client_state,omitempty"`
	CommandID           string `json:"command_id"`
}

// StartStreaming asks the provider to fork call audio to a WebSocket.
func (c *Client) StartStreaming(ctx context.Context, callControlID string, params *StreamingParams) error {
	req := streamingRequest{
		StreamURL:           params.StreamURL,
		StreamTrack:         params.StreamTrack,
		Mode:                "rtp",
		Codec:               params.Codec,
		TargetLegs:          params.TargetLegs,
		SamplingRate:        strconv.Itoa(params.SamplingRate),
		SendSilenceWhenIdle: params.SendSilenceWhenIdle,
		ClientState:         params.ClientState,
		CommandID:           uuid.NewString(),
	}
	if req.StreamTrack == "" {
		req.StreamTrack = TrackBoth
	}
	if req.Codec == "" {
		req.Codec = "PCMU"
	}
	if req.TargetLegs == "" {
		req.TargetLegs = "both"
	}
	if params.SamplingRate <= 0 {
		req.SamplingRate = "8000"
	}
	return c.action(ctx, callControlID, "streaming_start", req)
}

// RecordingParams configure call recording.
type RecordingParams struct {
	Format   string // wav or mp3
	Channels string // single or dual
	PlayBeep bool
}

type recordingRequest struct {
	Format    string `json:"format"`
	Channels  string `json:"channels"`
	PlayBeep  bool   `json:"play_beep"`
	CommandID string `json:"command_id"`
}

// StartRecording starts recording the call.
func (c *Client) StartRecording(ctx context.Context, callControlID string, params *RecordingParams) error {
	req := recordingRequest{
		Format:    params.Format,
		Channels:  params.Channels,
		PlayBeep:  params.PlayBeep,
		CommandID: uuid.NewString(),
	}
	if req.Format == "" {
		req.Format = "wav"
	}
	if req.Channels == "" {
		req.Channels = "single"
	}
	return c.action(ctx, callControlID, "record_start", req)
}

// action posts a call command.
func (c *Client) action(ctx context.Context, callControlID, name string, body any) error {
	if callControlID == "" {
		return fmt.Errorf("callcontrol: %s requires a call control id", name)
	}
	path := fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(callControlID), name)
	return c.post(ctx, name, path, body, nil)
}

// ErrorDetail is one entry of the provider error envelope.
type ErrorDetail struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int           `json:"-"`
	Errors     []ErrorDetail `json:"errors"`
	Body       string        `json:"-"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		d := e.Errors[0]
		msg := d.Title
		if d.Detail != "" {
			msg = d.Title + ": " + d.Detail
		}
		return fmt.Sprintf("call control error %d (%s): %s", e.StatusCode, d.Code, msg)
	}
	return fmt.Sprintf("call control error %d: %s", e.StatusCode, e.Body)
}

// post performs a POST request with a JSON body.
func (c *Client) post(ctx context.Context, action, path string, body, result any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	err = c.do(req, result)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderRequest(action, status, time.Since(start).Seconds())

	logrus.WithFields(logrus.Fields{
		"function": "Client.post",
		"action":   action,
		"path":     path,
		"status":   status,
	}).Debug("Call control request")

	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	return nil
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		_ = sonic.Unmarshal(body, apiErr)
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := sonic.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
