package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/dialstream/callcontrol"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/session"
)

type rejectingAPI struct{}

func (rejectingAPI) Dial(context.Context, *callcontrol.DialParams) (*callcontrol.CallData, error) {
	return nil, errors.New("403 forbidden destination")
}

func (rejectingAPI) Hangup(context.Context, string) error { return nil }

func (rejectingAPI) StartStreaming(context.Context, string, *callcontrol.StreamingParams) error {
	return nil
}

func (rejectingAPI) StartRecording(context.Context, string, *callcontrol.RecordingParams) error {
	return nil
}

func TestDrainStatuses_PrintsErrorAfterFailedDial(t *testing.T) {
	sess := session.New(session.Config{}, rejectingAPI{})
	sub := sess.Subscribe()
	defer sub.Unsubscribe()

	_, err := sess.MakeCall(context.Background(), session.DialRequest{To: "+15550001", From: "+15550002"})
	require.Error(t, err)
	require.Equal(t, session.StateEnded, sess.State())

	var out bytes.Buffer
	printStatus(&out, <-sub.C)
	drainStatuses(&out, sub)

	assert.Contains(t, out.String(), "[success] "+session.StatusCallInitiated)
	assert.Contains(t, out.String(), "[error] Error:")
	assert.Contains(t, out.String(), "403 forbidden destination")
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, messages.NewStatus(session.StatusCallEnded, messages.TypeSuccess, ""))
	printStatus(&out, messages.NewInfoStatus(session.StatusMicrophone, "no device"))
	assert.Equal(t, "[success] Call Ended\n[info] Microphone Unavailable: no device\n", out.String())
}
