// Command cloakroomd runs the cloakroom relay server: a WebSocket endpoint
// that registers ephemeral identities, brokers room creation and owner-gated
// joins, and fans encrypted messages out to room members without ever holding
// plaintext.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/cloakroom-chat/cloakroom/internal/auth"
	"github.com/cloakroom-chat/cloakroom/internal/config"
	"github.com/cloakroom-chat/cloakroom/internal/logging"
	"github.com/cloakroom-chat/cloakroom/internal/session"
	"github.com/cloakroom-chat/cloakroom/internal/store"
	"github.com/cloakroom-chat/cloakroom/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		// Logger not built yet; bootstrap one with defaults to report the
		// failure.
		logger := logging.New(logging.Config{Level: "info", Format: "json"})
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	if cfg.TokenSecret == "" {
		logger.Warn().Msg("CLOAKROOM_TOKEN_SECRET not set, tokens use an empty secret (development only)")
	}

	tokens := auth.NewManager(cfg.TokenSecret, cfg.TokenIssuer, cfg.UploadTokenTTL)
	st := store.NewMemory(cfg.HistoryLimit)

	coordinator := session.NewCoordinator(session.Limits{
		EventRateMax:    cfg.EventRateMax,
		EventRateWindow: cfg.EventRateWindow,
		JoinRequestTTL:  cfg.JoinRequestTTL,
		HistoryLimit:    cfg.HistoryLimit,
	}, st, tokens, logger)

	server := transport.NewServer(transport.Config{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
		FloodRate:      cfg.FloodRate,
		FloodBurst:     cfg.FloodBurst,
		ShutdownGrace:  cfg.ShutdownGrace,
	}, coordinator, tokens, logger)
	coordinator.Bind(server)

	ctx, cancel := context.WithCancel(context.Background())
	go coordinator.Run(ctx)

	if err := server.Start(); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	cancel()
	logger.Info().Msg("Server stopped")
}
