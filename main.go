package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/aM5431/wasel/config"
	"github.com/aM5431/wasel/internal/dispatch"
	"github.com/aM5431/wasel/internal/health"
	"github.com/aM5431/wasel/internal/model"
	"github.com/aM5431/wasel/internal/service"
	"github.com/aM5431/wasel/internal/transport"
)

func main() {
	// Load .env if present; in production the environment is already set.
	_ = godotenv.Load()

	cfg := config.Load()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)

	monitor := health.NewMonitor(health.Config{
		FailureWindow:    cfg.FailureWindow,
		FailureThreshold: cfg.FailureThreshold,
	}, logger)
	factory := transport.NewWhatsmeowFactory(logger)
	versions := transport.NewHTTPVersionResolver(cfg.VersionURL, cfg.VersionTimeout, logger)
	manager := service.NewManager(cfg, logger, factory, versions, monitor)
	queue := dispatch.NewQueue(manager, dispatch.Config{
		Pacing:     cfg.SendPacing,
		RetryDelay: cfg.SendRetryDelay,
		MaxRetries: cfg.MaxSendRetries,
	}, logger)

	callbacks := service.Callbacks{
		OnQR: func(id string, png []byte) {
			logger.Info().Str("session", id).Int("png_bytes", len(png)).
				Msg("qr code ready, fetch it via the session manager and scan")
		},
		OnConnected: func(info model.SessionInfo) {
			logger.Info().Str("session", info.SessionID).Str("phone", info.PhoneNumber).
				Str("name", info.Name).Msg("session online")
		},
		OnDisconnected: func(id string, reason service.DisconnectReason) {
			evt := logger.Warn().Str("session", id).Str("reason", reason.Message)
			if reason.Corrupted {
				evt.Msg("session offline: re-pair required")
				return
			}
			evt.Bool("logged_out", reason.LoggedOut).Msg("session offline")
		},
	}

	// Debug echo responder; handy while pairing a fresh session.
	if os.Getenv("WASEL_ECHO") == "true" {
		callbacks.OnMessage = func(id string, msg transport.MessageEvent) {
			queue.Enqueue(dispatch.Task{
				SessionID: id,
				Recipient: msg.From,
				Payload:   transport.TextPayload{Text: msg.Text},
			})
		}
	}

	logger.Info().Str("creds_root", cfg.CredsRoot).Msg("restoring persisted sessions")
	if err := manager.RestoreSessions(context.Background(), callbacks); err != nil {
		logger.Error().Err(err).Msg("session restore failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down, disconnecting sessions")
	for _, info := range manager.GetAllSessions() {
		manager.DisconnectSession(info.SessionID)
	}
}
