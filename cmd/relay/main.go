// Command relay is the entrypoint for the live-chat relay. It loads
// configuration, initializes logging/metrics/tracing, and serves the
// websocket front door until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Hambonethewise/yt-chat-relay/bootstrap"
	"github.com/Hambonethewise/yt-chat-relay/config"
	"github.com/Hambonethewise/yt-chat-relay/session"
	"github.com/Hambonethewise/yt-chat-relay/telemetry"
	"github.com/Hambonethewise/yt-chat-relay/transport"
	"github.com/Hambonethewise/yt-chat-relay/upstream"
)

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	telemetry.InitLogging()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	telemetry.Init()

	shutdownTracing, err := telemetry.InitTracing("yt-chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller := upstream.NewPoller()
	registry := session.NewRegistry(cfg, poller)
	bootstrapper := session.NewBootstrapper(bootstrap.NewClient())

	srv := transport.NewServer(cfg, registry, bootstrapper)

	slog.Info("relay starting", "listen_addr", cfg.ListenAddr)
	go func() {
		if err := srv.StartAndServe(ctx); err != nil {
			slog.Error("http server exited with error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("relay shutting down")
}
