// Package session drives one outbound call: dialing, reacting to provider
// events, opening the media legs and tearing everything down again.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/callcontrol"
	"github.com/room4-2/dialstream/capture"
	"github.com/room4-2/dialstream/codec"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/metrics"
)

const (
	DefaultAutoHangup = 120 * time.Second
	hangupTimeout     = 10 * time.Second
)

// User-visible status labels.
const (
	StatusCallInitiated = "Call Initiated"
	StatusCallAnswered  = "Call Answered"
	StatusStreaming     = "Streaming"
	StatusCallEnded     = "Call Ended"
	StatusSpeakEnded    = "Speak Ended"
	StatusMachineResult = "Machine Detection Ended"
	StatusMicrophone    = "Microphone Unavailable"
	StatusAudio         = "Audio Unavailable"
)

var (
	ErrMissingNumber  = errors.New("session: both to and from numbers are required")
	ErrCallInProgress = errors.New("session: a call is already in progress")
	ErrClosed         = errors.New("session: closed")
)

// CallControl is the provider's call command API.
type CallControl interface {
	Dial(ctx context.Context, params *callcontrol.DialParams) (*callcontrol.CallData, error)
	Hangup(ctx context.Context, callControlID string) error
	StartStreaming(ctx context.Context, callControlID string, params *callcontrol.StreamingParams) error
	StartRecording(ctx context.Context, callControlID string, params *callcontrol.RecordingParams) error
}

// MediaTransport is one media leg.
type MediaTransport interface {
	Connect(ctx context.Context, url string) error
	Disconnect() error
	IsConnected() bool
}

// Capture is the local audio input.
type Capture interface {
	Start(ctx context.Context, open capture.Opener) error
	Stop()
}

// Timer is a pending auto-hangup.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules f after d.
type TimerFactory func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config holds the per-call settings.
type Config struct {
	ConnectionID      string
	DisplayName       string
	WebhookURL        string
	InboundStreamURL  string
	OutboundStreamURL string
	Codec             string
	SampleRate        int
	// OutboundCodec and OutboundSampleRate describe what capture sends;
	// empty means the same as Codec and SampleRate.
	OutboundCodec      string
	OutboundSampleRate int
	AutoHangup         time.Duration
	// SkipRecording disables the provider-side recording on answer.
	SkipRecording bool
}

// Option configures a Session.
type Option func(*Session)

// WithTransports sets the inbound and outbound media legs.
func WithTransports(inbound, outbound MediaTransport) Option {
	return func(s *Session) {
		s.inbound = inbound
		s.outbound = outbound
	}
}

// WithCapture sets the microphone pipeline and the source it opens.
func WithCapture(c Capture, open capture.Opener) Option {
	return func(s *Session) {
		s.capture = c
		s.opener = open
	}
}

// WithStore sets where the current call is persisted.
func WithStore(store Store) Option {
	return func(s *Session) {
		if store != nil {
			s.store = store
		}
	}
}

// WithAlerter sets the failure signal.
func WithAlerter(a Alerter) Option {
	return func(s *Session) {
		s.alerter = a
	}
}

// WithTimerFactory replaces time.AfterFunc for the auto-hangup.
func WithTimerFactory(f TimerFactory) Option {
	return func(s *Session) {
		if f != nil {
			s.newTimer = f
		}
	}
}

// WithStatusBuffer sets the per-subscriber status queue length.
func WithStatusBuffer(n int) Option {
	return func(s *Session) {
		s.status = newStatusBus(n)
	}
}

// Session is the call state machine. All transitions are serialized by mu;
// provider requests and media setup run outside it.
type Session struct {
	cfg      Config
	api      CallControl
	inbound  MediaTransport
	outbound MediaTransport
	capture  Capture
	opener   capture.Opener
	store    Store
	alerter  Alerter
	newTimer TimerFactory
	status   *statusBus

	mu       sync.Mutex
	state    State
	call     *Call
	dialing  bool
	closed   bool
	timer    Timer
	timerGen uint64
}

// New creates an idle session.
func New(cfg Config, api CallControl, opts ...Option) *Session {
	if cfg.AutoHangup <= 0 {
		cfg.AutoHangup = DefaultAutoHangup
	}
	if cfg.Codec == "" {
		cfg.Codec = codec.NamePCMU
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = capture.DefaultSampleRate
	}
	s := &Session{
		cfg:      cfg,
		api:      api,
		store:    NewMemoryStore(),
		newTimer: afterFunc,
		status:   newStatusBus(defaultStatusBuffer),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) logger(function string) *logrus.Entry {
	fields := logrus.Fields{"function": function, "state": s.state}
	if s.call != nil {
		fields["call_control_id"] = s.call.CallControlID
	}
	return logrus.WithFields(fields)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a status stream. The latest status, if any, arrives first.
func (s *Session) Subscribe() *StatusSubscription {
	return s.status.subscribe()
}

// LastStatus returns the most recent status.
func (s *Session) LastStatus() (messages.Status, bool) {
	return s.status.latest()
}

// CurrentCall returns the live call, or the persisted one after a restart.
// It returns nil when there is no call.
func (s *Session) CurrentCall(ctx context.Context) (*Call, error) {
	s.mu.Lock()
	call := s.call.clone()
	s.mu.Unlock()
	if call != nil {
		return call, nil
	}
	return s.store.Load(ctx)
}

// StreamID returns the provider stream id of a leg, used to address
// outbound media.
func (s *Session) StreamID(track codec.Track) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.StreamID(track)
}

// setState must be called with mu held.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.logger("setState").WithField("next", next).Debug("Call state transition")
	s.state = next
	metrics.RecordStateTransition(string(next))
}

func (s *Session) publish(st messages.Status) {
	s.status.publish(st)
}

// MakeCall dials req.To and moves to Dialed. A failed dial is fatal: the
// session reports the error and ends.
func (s *Session) MakeCall(ctx context.Context, req DialRequest) (*Call, error) {
	req.To = strings.TrimSpace(req.To)
	req.From = strings.TrimSpace(req.From)
	if req.To == "" || req.From == "" {
		return nil, ErrMissingNumber
	}
	if req.ConnectionID == "" {
		req.ConnectionID = s.cfg.ConnectionID
	}
	if req.DisplayName == "" {
		req.DisplayName = s.cfg.DisplayName
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.dialing || !s.state.CanDial() {
		s.mu.Unlock()
		return nil, ErrCallInProgress
	}
	s.dialing = true
	s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"function": "MakeCall",
		"to":       req.To,
		"from":     req.From,
	})
	s.publish(messages.NewStatus(StatusCallInitiated, messages.TypeSuccess, ""))

	data, err := s.api.Dial(ctx, &callcontrol.DialParams{
		To:              req.To,
		From:            req.From,
		FromDisplayName: req.DisplayName,
		ConnectionID:    req.ConnectionID,
		WebhookURL:      s.cfg.WebhookURL,
		ClientState:     uuid.NewString(),
	})

	s.mu.Lock()
	s.dialing = false
	if err != nil {
		s.mu.Unlock()
		log.WithError(err).Error("Failed to place call")
		s.fail(ctx, fmt.Errorf("failed to place call: %w", err))
		return nil, fmt.Errorf("failed to place call: %w", err)
	}

	call := &Call{
		ConnectionID:  req.ConnectionID,
		CallControlID: data.CallControlID,
		ClientState:   data.ClientState,
		CallSessionID: data.CallSessionID,
		CallLegID:     data.CallLegID,
		To:            req.To,
		From:          req.From,
		CreatedAt:     time.Now(),
	}
	s.call = call
	s.setState(StateDialed)
	s.mu.Unlock()

	metrics.RecordCallStart()
	s.persist(ctx, call)
	log.WithField("call_control_id", call.CallControlID).Info("Call placed")
	return call.clone(), nil
}

// HandleEvent applies a provider event to the current call. Events for
// other calls, and events with no call in progress, are ignored.
func (s *Session) HandleEvent(ctx context.Context, ev messages.ProviderEvent) {
	p := ev.Data.Payload

	s.mu.Lock()
	if s.call == nil || s.closed {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "HandleEvent",
			"event_type": ev.Type(),
		}).Debug("Ignoring event with no call in progress")
		return
	}
	if p.CallControlID != "" && p.CallControlID != s.call.CallControlID {
		log := s.logger("HandleEvent")
		s.mu.Unlock()
		log.WithFields(logrus.Fields{
			"event_type": ev.Type(),
			"event_call": p.CallControlID,
		}).Debug("Ignoring event for another call")
		return
	}

	log := s.logger("HandleEvent").WithField("event_type", ev.Type())

	switch ev.Type() {
	case messages.EventCallInitiated:
		if s.state == StateDialed {
			s.setState(StateInitiated)
		}
		s.mu.Unlock()
		s.publish(messages.NewInfoStatus(StatusCallInitiated, ""))

	case messages.EventCallAnswered:
		s.handleAnswered(ctx, p, log)

	case messages.EventStreamingStarted:
		track := s.streamTrack(p)
		if track == codec.TrackOutbound {
			s.call.OutboundStreamID = p.StreamID
		} else {
			s.call.InboundStreamID = p.StreamID
		}
		if s.state == StateAnswered {
			s.setState(StateStreaming)
		}
		call := s.call.clone()
		s.mu.Unlock()
		log.WithFields(logrus.Fields{
			"stream_id": p.StreamID,
			"track":     track,
		}).Info("Media stream started")
		s.persist(ctx, call)
		s.publish(messages.NewInfoStatus(StatusStreaming, string(track)))

	case messages.EventStreamingStopped:
		track := s.streamTrack(p)
		if track == codec.TrackOutbound {
			s.call.OutboundStreamID = ""
		} else {
			s.call.InboundStreamID = ""
		}
		call := s.call.clone()
		s.mu.Unlock()
		log.WithFields(logrus.Fields{
			"stream_id": p.StreamID,
			"track":     track,
		}).Info("Media stream stopped")
		s.persist(ctx, call)

	case messages.EventCallHangup:
		s.mu.Unlock()
		log.WithFields(logrus.Fields{
			"hangup_cause":  p.HangupCause,
			"hangup_source": p.HangupSource,
		}).Info("Call hung up by provider")
		s.publish(messages.NewStatus(StatusCallEnded, messages.TypeSuccess, p.HangupCause))
		s.end(ctx, false)

	case messages.EventCallSpeakEnded:
		s.mu.Unlock()
		s.publish(messages.NewInfoStatus(StatusSpeakEnded, ""))

	case messages.EventMachineDetectionEnded:
		s.mu.Unlock()
		s.publish(messages.NewInfoStatus(StatusMachineResult, p.Result))

	default:
		s.mu.Unlock()
		log.Debug("Ignoring unhandled event")
	}
}

// handleAnswered is called with mu held and releases it.
func (s *Session) handleAnswered(ctx context.Context, p messages.EventPayload, log *logrus.Entry) {
	s.armTimer()
	if s.state != StateDialed && s.state != StateInitiated {
		s.mu.Unlock()
		log.Debug("Duplicate answer, auto-hangup re-armed")
		return
	}
	if p.ClientState != "" {
		s.call.ClientState = p.ClientState
	}
	if p.CallSessionID != "" {
		s.call.CallSessionID = p.CallSessionID
	}
	if p.CallLegID != "" {
		s.call.CallLegID = p.CallLegID
	}
	s.setState(StateAnswered)
	call := s.call.clone()
	s.mu.Unlock()

	log.Info("Call answered")
	s.persist(ctx, call)
	s.publish(messages.NewStatus(StatusCallAnswered, messages.TypeSuccess, ""))
	s.startMedia(ctx, call)
}

// streamTrack maps a streaming event to a leg by its URL, then by its
// declared track. Called with mu held.
func (s *Session) streamTrack(p messages.EventPayload) codec.Track {
	switch {
	case p.StreamURL != "" && p.StreamURL == s.cfg.OutboundStreamURL:
		return codec.TrackOutbound
	case p.StreamURL != "" && p.StreamURL == s.cfg.InboundStreamURL:
		return codec.TrackInbound
	case p.StreamTrack == callcontrol.TrackOutbound:
		return codec.TrackOutbound
	case p.StreamTrack == callcontrol.TrackInbound:
		return codec.TrackInbound
	case p.StreamID != "" && p.StreamID == s.call.OutboundStreamID:
		return codec.TrackOutbound
	case s.call.InboundStreamID != "" && s.call.InboundStreamID != p.StreamID:
		return codec.TrackOutbound
	}
	return codec.TrackInbound
}

// startMedia opens both legs, requests the provider streams and starts
// capture. Only a streaming request failure is reported as an error.
func (s *Session) startMedia(ctx context.Context, call *Call) {
	log := logrus.WithFields(logrus.Fields{
		"function":        "startMedia",
		"call_control_id": call.CallControlID,
	})

	outCodec, outRate := s.cfg.OutboundCodec, s.cfg.OutboundSampleRate
	if outCodec == "" {
		outCodec = s.cfg.Codec
	}
	if outRate <= 0 {
		outRate = s.cfg.SampleRate
	}

	legs := []struct {
		transport MediaTransport
		url       string
		track     string
		codec     string
		rate      int
	}{
		{s.inbound, s.cfg.InboundStreamURL, callcontrol.TrackInbound, s.cfg.Codec, s.cfg.SampleRate},
		{s.outbound, s.cfg.OutboundStreamURL, callcontrol.TrackOutbound, outCodec, outRate},
	}

	streaming := true
	for _, leg := range legs {
		if leg.url == "" {
			continue
		}
		if leg.transport != nil {
			if err := leg.transport.Connect(ctx, leg.url); err != nil {
				log.WithError(err).WithField("track", leg.track).Warn("Failed to open media leg")
				s.publish(messages.NewInfoStatus(StatusAudio, err.Error()))
			}
		}
		err := s.api.StartStreaming(ctx, call.CallControlID, &callcontrol.StreamingParams{
			StreamURL:           leg.url,
			StreamTrack:         leg.track,
			Codec:               leg.codec,
			SamplingRate:        leg.rate,
			SendSilenceWhenIdle: true,
			ClientState:         call.ClientState,
		})
		if err != nil {
			log.WithError(err).WithField("track", leg.track).Error("Failed to start streaming")
			s.reportError(ctx, fmt.Errorf("failed to start streaming: %w", err))
			s.disconnect()
			streaming = false
			break
		}
	}

	if !s.cfg.SkipRecording {
		if err := s.api.StartRecording(ctx, call.CallControlID, &callcontrol.RecordingParams{}); err != nil {
			log.WithError(err).Warn("Failed to start recording")
		}
	}
	if !streaming {
		return
	}

	if s.capture != nil && s.opener != nil {
		if err := s.capture.Start(ctx, s.opener); err != nil {
			log.WithError(err).Warn("Microphone unavailable, continuing without capture")
			s.publish(messages.NewInfoStatus(StatusMicrophone, err.Error()))
		}
	}

	// a hangup may have raced with setup
	s.mu.Lock()
	ended := s.call == nil || s.call.CallControlID != call.CallControlID
	s.mu.Unlock()
	if ended {
		s.stopMedia()
	}
}

// armTimer replaces any pending auto-hangup. Called with mu held.
func (s *Session) armTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = s.newTimer(s.cfg.AutoHangup, func() {
		s.autoHangup(gen)
	})
}

// clearTimer must be called with mu held.
func (s *Session) clearTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) autoHangup(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	log := s.logger("autoHangup")
	s.mu.Unlock()

	log.WithField("after", s.cfg.AutoHangup).Info("Call time limit reached, hanging up")
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := s.HangUp(ctx); err != nil {
		log.WithError(err).Warn("Auto-hangup failed")
	}
}

// HangUp ends the call from any state. Once ended, further calls do nothing.
func (s *Session) HangUp(ctx context.Context) error {
	return s.end(ctx, true)
}

// end tears the call down once. When local is true the provider is asked
// to hang up.
func (s *Session) end(ctx context.Context, local bool) error {
	s.mu.Lock()
	if s.state == StateEnded && s.call == nil {
		s.mu.Unlock()
		return nil
	}
	call := s.call
	live := call != nil
	s.call = nil
	s.clearTimer()
	s.setState(StateEnded)
	s.mu.Unlock()

	s.stopMedia()

	if !live && local {
		// a call persisted by an earlier process is still up at the provider
		stored, lerr := s.store.Load(ctx)
		if lerr != nil {
			logrus.WithField("function", "HangUp").WithError(lerr).Warn("Failed to load persisted call")
		}
		call = stored
	}

	var err error
	if call != nil {
		if live {
			metrics.RecordCallEnd()
		}
		if local {
			if herr := s.api.Hangup(ctx, call.CallControlID); herr != nil {
				err = fmt.Errorf("failed to hang up: %w", herr)
				logrus.WithFields(logrus.Fields{
					"function":        "HangUp",
					"call_control_id": call.CallControlID,
				}).WithError(herr).Error("Failed to hang up call")
				s.reportError(ctx, err)
			}
		}
	}
	if cerr := s.store.Clear(ctx); cerr != nil {
		logrus.WithField("function", "HangUp").WithError(cerr).Warn("Failed to clear persisted call")
	}
	if local && err == nil {
		s.publish(messages.NewStatus(StatusCallEnded, messages.TypeSuccess, ""))
	}
	return err
}

// fail moves through Error to Ended after a fatal failure.
func (s *Session) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.setState(StateError)
	s.mu.Unlock()

	s.reportError(ctx, err)
	s.stopMedia()

	s.mu.Lock()
	s.call = nil
	s.clearTimer()
	s.setState(StateEnded)
	s.mu.Unlock()

	if cerr := s.store.Clear(ctx); cerr != nil {
		logrus.WithField("function", "fail").WithError(cerr).Warn("Failed to clear persisted call")
	}
}

// reportError publishes an error status and plays the failure tone.
func (s *Session) reportError(ctx context.Context, err error) {
	s.publish(messages.NewErrorStatus(err.Error()))
	if s.alerter == nil {
		return
	}
	if aerr := s.alerter.Alert(ctx); aerr != nil {
		logrus.WithField("function", "reportError").WithError(aerr).Warn("Failed to play alert")
	}
}

func (s *Session) stopMedia() {
	if s.capture != nil {
		s.capture.Stop()
	}
	s.disconnect()
}

func (s *Session) disconnect() {
	for _, t := range []MediaTransport{s.inbound, s.outbound} {
		if t == nil {
			continue
		}
		if err := t.Disconnect(); err != nil {
			logrus.WithField("function", "disconnect").WithError(err).Warn("Failed to close media leg")
		}
	}
}

func (s *Session) persist(ctx context.Context, call *Call) {
	if err := s.store.Save(ctx, call); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "persist",
			"call_control_id": call.CallControlID,
		}).WithError(err).Warn("Failed to persist call")
	}
}

// Close hangs up any live call and stops publishing status.
func (s *Session) Close(ctx context.Context) error {
	err := s.HangUp(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.mu.Unlock()

	s.status.close()
	return err
}
