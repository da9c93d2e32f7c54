package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/dialstream/config"
	"github.com/room4-2/dialstream/engine"
	"github.com/room4-2/dialstream/server"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logrus.SetLevel(cfg.LogLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build call engine")
	}

	srv := server.NewServer(cfg, eng.Session, eng.Registry)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if relay := eng.Relay(); relay != nil {
		g.Go(func() error {
			// the relay does not reconnect; a lost control socket leaves the webhook path
			if err := relay.Run(gctx, cfg.ControlWSURL); err != nil {
				logrus.WithError(err).Warn("Event relay stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Received shutdown signal...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Call teardown error")
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("Server error")
	}
	logrus.Info("Server stopped")
}
