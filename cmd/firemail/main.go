package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/zeroornull/FireMail/internal/api"
	"github.com/zeroornull/FireMail/internal/cache"
	"github.com/zeroornull/FireMail/internal/config"
	"github.com/zeroornull/FireMail/internal/credential"
	"github.com/zeroornull/FireMail/internal/notify"
	"github.com/zeroornull/FireMail/internal/realtime"
	"github.com/zeroornull/FireMail/internal/session"
	"github.com/zeroornull/FireMail/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting firemail sync client")

	// Open local snapshot cache
	db, err := cache.New(cfg.CachePath)
	if err != nil {
		logger.Error("failed to open snapshot cache", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run cache migrations", "error", err)
		os.Exit(1)
	}

	// Session layer: credential keyring + identity claims
	tokens := credential.Store{}
	var sessions *session.Manager

	apiClient := api.NewClient(api.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.HTTPTimeout,
		RetryMax:   cfg.ConfigRetryMax,
		RetryDelay: cfg.ConfigRetryDelay,
		RetryCap:   cfg.ConfigRetryCap,
	}, func() string { return sessions.Token() }, logger)

	sessions = session.NewManager(apiClient, tokens, logger)
	apiClient.SetUnauthorizedHook(sessions.Invalidate)

	// Event channel
	manager := realtime.NewManager(realtime.Options{
		URL:               cfg.WSURL,
		ConnectTimeout:    cfg.ConnectTimeout,
		SettleDelay:       cfg.SettleDelay,
		AuthRetryDelay:    cfg.AuthRetryDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxSilence:        cfg.MaxSilence,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, realtime.WebsocketDialer{}, sessions.Token, logger)

	// Notifications flow to the log
	notifications := notify.NewCenter(5 * time.Second)
	notifications.Subscribe(func(n notify.Notification) {
		switch n.Kind {
		case notify.KindError:
			logger.Error(n.Message, "title", n.Title)
		case notify.KindWarning:
			logger.Warn(n.Message, "title", n.Title)
		default:
			logger.Info(n.Message, "title", n.Title, "kind", n.Kind)
		}
	})

	// Synchronization store
	syncStore := store.New(manager, apiClient, db, notifierAdapter{notifications}, store.Options{
		CheckSettleDelay: cfg.CheckSettleDelay,
		ImportTimeout:    cfg.ImportTimeout,
	}, logger)
	syncStore.Start()
	defer syncStore.Close()
	syncStore.LoadCached(ctx)

	manager.OnDisconnected(func() {
		logger.Warn("realtime channel degraded, request channel fallback active")
	})

	// Session changes drive the event channel lifecycle
	sessions.OnChange(func(authenticated bool) {
		if authenticated {
			manager.Connect()
		} else {
			manager.Disconnect()
			syncStore.Reset()
		}
	})

	// Registration-allowed flag; retried with backoff inside the client
	if err := sessions.LoadServerConfig(ctx); err != nil {
		logger.Warn("failed to load server config", "error", err)
	}

	// Restore a persisted session, which connects the event channel
	sessions.Restore()
	if !sessions.IsAuthenticated() {
		logger.Info("no persisted session, waiting for login")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", "signal", sig.String())
	manager.Disconnect()
	logger.Info("firemail sync client stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// notifierAdapter bridges *notify.Center to store.Notifier, which does not
// use the notification ID returned by Center.Push.
type notifierAdapter struct {
	center *notify.Center
}

func (a notifierAdapter) Push(kind, title, message string) {
	a.center.Push(kind, title, message)
}
