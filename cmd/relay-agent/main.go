// Command relay-agent runs the presenter-side agent: it registers with
// the relay server, shares its screen with connected viewers, applies
// their input, and serves file transfers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avaropoint/relay/internal/identity"
	"github.com/avaropoint/relay/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// reconnectDelay is the pause between connection attempts.
const reconnectDelay = 5 * time.Second

func main() {
	serverURL := pflag.String("server", "ws://localhost:8080", "relay server WebSocket URL")
	name := pflag.String("name", "", "display name (defaults to hostname)")
	identityPath := pflag.String("identity", "relay-identity.json", "path to the client identity file")
	downloadsDir := pflag.String("downloads", "downloads", "directory for received files")
	frameRate := pflag.Int("fps", 0, "capture frame rate (0 = default)")
	logLevel := pflag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	logger.Info().
		Str("version", version.Version).
		Str("built", version.BuildTime).
		Str("server", *serverURL).
		Msg("agent starting")

	if *name == "" {
		if host, err := os.Hostname(); err == nil {
			*name = host
		}
	}

	id, err := identity.LoadOrCreate(*identityPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *identityPath).Msg("load identity")
	}
	logger.Info().Str("clientId", id.ClientID.String()).Str("fingerprint", id.Fingerprint()).Msg("identity loaded")

	if err := os.MkdirAll(*downloadsDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", *downloadsDir).Msg("create downloads directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := newAgent(logger, *serverURL, *name, id, *downloadsDir, *frameRate)

	for {
		if err := agent.run(ctx); err != nil {
			logger.Warn().Err(err).Msg("connection lost")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("agent stopped")
			return
		case <-time.After(reconnectDelay):
			logger.Info().Msg("reconnecting")
		}
	}
}
