// Command dial places one call, speaks a WAV file into it and records the far
// end, printing status updates until the call ends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/dialstream/config"
	"github.com/room4-2/dialstream/engine"
	"github.com/room4-2/dialstream/messages"
	"github.com/room4-2/dialstream/server"
	"github.com/room4-2/dialstream/session"
)

func main() {
	// Flags
	to := flag.String("to", "", "Number to call (E.164)")
	from := flag.String("from", "", "Caller number (E.164)")
	audioFile := flag.String("file", "", "WAV file to speak into the call (silence when empty)")
	recordDir := flag.String("record", "", "Directory for far-end WAV recordings")
	eventsURL := flag.String("events", "", "Control WebSocket URL for call events")
	serve := flag.Bool("serve", true, "Serve the webhook endpoint on PORT")
	flag.Parse()

	if *to == "" || *from == "" {
		fmt.Fprintln(os.Stderr, "usage: dial -to +15550001 -from +15550002 [-file speech.wav] [-record dir]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logrus.SetLevel(cfg.LogLevel)
	if *audioFile != "" {
		cfg.CaptureWAV = *audioFile
	}
	if *recordDir != "" {
		cfg.RecordingDir = *recordDir
	}
	if *eventsURL != "" {
		cfg.ControlWSURL = *eventsURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build call engine")
	}

	sub := eng.Session.Subscribe()
	defer sub.Unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	var srv *server.Server
	if *serve {
		srv = server.NewServer(cfg, eng.Session, eng.Registry)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if relay := eng.Relay(); relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, cfg.ControlWSURL)
		})
	}

	if _, err := eng.Session.MakeCall(ctx, session.DialRequest{To: *to, From: *from}); err != nil {
		logrus.WithError(err).Error("Call failed")
	}

	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := eng.Close(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("Call teardown error")
			}
			if srv != nil {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Warn("Webhook server shutdown error")
				}
			}
			stop()
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case st, ok := <-sub.C:
				if !ok {
					return nil
				}
				printStatus(os.Stdout, st)
				if eng.Session.State() == session.StateEnded {
					drainStatuses(os.Stdout, sub)
					return nil
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("Dial error")
	}
}

// drainStatuses prints statuses already queued when the call ended, such as
// the error that follows a failed dial.
func drainStatuses(w io.Writer, sub *session.StatusSubscription) {
	for {
		select {
		case st, ok := <-sub.C:
			if !ok {
				return
			}
			printStatus(w, st)
		default:
			return
		}
	}
}

func printStatus(w io.Writer, st messages.Status) {
	line := st.Status
	if st.Message != "" {
		line += ": " + st.Message
	}
	fmt.Fprintf(w, "[%s] %s\n", st.Type, line)
}
