package server

import (
	"context"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/room4-2/dialstream/events"
	"github.com/room4-2/dialstream/messages"
)

// handleWebhook applies a provider event before acknowledging it, so events
// are processed in delivery order.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := parseEvent(r)
	if err != nil {
		logrus.WithField("function", "handleWebhook").WithError(err).Warn("Rejecting malformed event")
		writeError(w, http.StatusBadRequest, messages.ErrCodeInvalidMessage, err.Error())
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":        "handleWebhook",
		"event_type":      ev.Type(),
		"call_control_id": ev.Data.Payload.CallControlID,
	}).Debug("Event received")

	// media setup outlives a provider that stops waiting for the response
	s.calls.HandleEvent(context.WithoutCancel(r.Context()), ev)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func parseEvent(r *http.Request) (messages.ProviderEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return messages.ProviderEvent{}, err
	}
	return events.ParseEnvelope(body)
}
