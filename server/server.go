package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/config"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/session"
)

const maxBodySize = 64 * 1024

// CallService is the session surface exposed over HTTP.
type CallService interface {
	MakeCall(ctx context.Context, req session.DialRequest) (*session.Call, error)
	HangUp(ctx context.Context) error
	CurrentCall(ctx context.Context) (*session.Call, error)
	HandleEvent(ctx context.Context, ev messages.ProviderEvent)
	Subscribe() *session.StatusSubscription
	State() session.State
}

type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	calls      CallService
	config     *config.Config
	gatherer   prometheus.Gatherer
}

// CurrentCallResponse is the body of GET /calls/current.
type CurrentCallResponse struct {
	State string        `json:"state"`
	Call  *session.Call `json:"call"`
}

func NewServer(cfg *config.Config, calls CallService, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		calls:    calls,
		config:   cfg,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No WriteTimeout: the status stream is long-lived and sets its own deadlines.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls", s.handleMakeCall)
	mux.HandleFunc("POST /calls/hangup", s.handleHangUp)
	mux.HandleFunc("GET /calls/current", s.handleCurrentCall)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	logrus.WithFields(logrus.Fields{
		"function": "Server.Start",
		"port":     s.config.Port,
	}).Info("HTTP server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	logrus.WithField("function", "Server.Shutdown").Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req messages.CallRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, messages.ErrCodeInvalidMessage, "Invalid request body")
		return
	}

	call, err := s.calls.MakeCall(r.Context(), session.DialRequest{
		To:           req.To,
		From:         req.From,
		ConnectionID: req.ConnectionID,
		DisplayName:  req.DisplayName,
	})
	switch {
	case errors.Is(err, session.ErrMissingNumber):
		writeError(w, http.StatusBadRequest, messages.ErrCodeInvalidMessage, err.Error())
	case errors.Is(err, session.ErrCallInProgress):
		writeError(w, http.StatusConflict, messages.ErrCodeCallInProgress, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, messages.ErrCodeCallFailed, err.Error())
	default:
		writeJSON(w, http.StatusCreated, call)
	}
}

func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	call, err := s.calls.CurrentCall(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, messages.ErrCodeInternal, err.Error())
		return
	}
	if call == nil {
		writeError(w, http.StatusNotFound, messages.ErrCodeNoActiveCall, "No active call")
		return
	}
	if err := s.calls.HangUp(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, messages.ErrCodeCallFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messages.NewStatus(session.StatusCallEnded, messages.TypeSuccess, ""))
}

func (s *Server) handleCurrentCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.calls.CurrentCall(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, messages.ErrCodeInternal, err.Error())
		return
	}
	if call == nil {
		writeError(w, http.StatusNotFound, messages.ErrCodeNoActiveCall, "No active call")
		return
	}
	writeJSON(w, http.StatusOK, CurrentCallResponse{State: s.calls.State().String(), Call: call})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.calls.State().String(),
	})
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return sonic.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		logrus.WithField("function", "writeJSON").WithError(err).Error("Failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, messages.NewErrorResponse(code, message))
}
