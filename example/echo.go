package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/sockmux"
)

func main() {
	engine, err := sockmux.New("echo",
		sockmux.MessageMaxSize(64*1024),
		sockmux.OnDisconnectOption(func(ep sockmux.EndpointID, client sockmux.ClientID, err error) {
			slog.Info("client gone", "endpoint", ep, "client", client, "error", err)
		}),
	)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer engine.Shutdown()

	ep, err := engine.OpenServer(12345)
	if err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	slog.Info("server started", "port", 12345)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			slog.Info("shutting down...")
			stats := engine.Stats()
			slog.Info("bye", "frames_in", stats.FramesRead, "frames_out", stats.FramesWritten)
			return
		default:
		}

		msg, err := engine.GetMessage(100 * time.Millisecond)
		if errors.Is(err, sockmux.ErrNoMessage) {
			continue
		}
		if err != nil {
			slog.Error("engine failed", "error", err)
			return
		}

		// Echo
		if err := engine.SendMessage(time.Second, ep, msg.Client, msg.Header.ID, msg.Body); err != nil {
			slog.Warn("echo failed", "client", msg.Client, "error", err)
		}
	}
}
