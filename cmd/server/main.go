package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makt28/plugwatch/internal/config"
	"github.com/makt28/plugwatch/internal/ingest"
	"github.com/makt28/plugwatch/internal/monitor"
	"github.com/makt28/plugwatch/internal/notify"
	"github.com/makt28/plugwatch/internal/storage"
	"github.com/makt28/plugwatch/internal/telegram"
	"github.com/makt28/plugwatch/internal/tuya"
	"github.com/makt28/plugwatch/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the optional YAML config file")
	once := flag.Bool("once", false, "run a single check cycle and exit")
	flag.Parse()

	// --- 1. Load Config ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		setupLogger("info")
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// --- 2. Setup Logger ---
	setupLogger(cfg.System.LogLevel)
	slog.Info("starting plugwatch",
		"device_id", cfg.Tuya.DeviceID,
		"storage", cfg.Storage.Backend,
		"update_source", cfg.Telegram.UpdateSource,
		"once", *once,
	)

	// --- 3. Open Storage ---
	backend, err := openBackend(cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	// --- 4. Wire the cycle ---
	runner, webhook := buildRunner(cfg, backend)

	if *once {
		if cfg.Telegram.UpdateSource == config.SourcePush {
			slog.Warn("push update source is not served in single-cycle mode")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.System.CycleTimeout)*time.Second)
		res, err := runner.RunCycle(ctx)
		cancel()
		if err != nil {
			slog.Error("cycle failed", "error", err)
			backend.Close()
			os.Exit(1)
		}
		slog.Info("cycle finished", "outcome", res.Outcome, "state", res.State)
		return
	}

	// --- 5. Scheduler ---
	var scheduler *monitor.Scheduler
	if cfg.System.CheckInterval > 0 {
		scheduler = monitor.NewScheduler(runner,
			time.Duration(cfg.System.CheckInterval)*time.Second,
			time.Duration(cfg.System.CycleTimeout)*time.Second)
		scheduler.Start()
	} else {
		slog.Info("periodic checks disabled, cycles run on /check only")
	}

	// --- 6. HTTP Server ---
	router := web.NewRouter(web.Deps{
		Runner:       runner,
		Webhook:      webhook,
		Admin:        cfg.Admin,
		CycleTimeout: time.Duration(cfg.System.CycleTimeout) * time.Second,
	})
	srv := &http.Server{
		Addr:              cfg.System.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("plugwatch is running", "address", cfg.System.BindAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// --- 7. Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig)

	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}

	slog.Info("plugwatch stopped gracefully")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func openBackend(sc config.StorageConfig) (*storage.Backend, error) {
	switch sc.Backend {
	case config.BackendNATS:
		return storage.NewNatsBackend(context.Background(), storage.NatsOptions{
			URL:    sc.NatsURL,
			Bucket: sc.NatsBucket,
		})
	case config.BackendFile:
		b, err := storage.NewFileBackend(sc.Dir)
		if err != nil {
			return nil, err
		}
		if err := storage.MigrateLegacyFiles(context.Background(), sc.Dir, b); err != nil {
			b.Close()
			return nil, fmt.Errorf("legacy import: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// buildRunner wires the device client, the messaging client, the update
// source and the dispatcher into a Runner. The returned webhook handler is
// nil unless updates arrive by push.
func buildRunner(cfg config.Config, backend *storage.Backend) (*monitor.Runner, http.Handler) {
	device := tuya.NewClient(tuya.Config{
		ClientID: cfg.Tuya.AccessID,
		Secret:   cfg.Tuya.AccessSecret,
		DeviceID: cfg.Tuya.DeviceID,
		Region:   cfg.Tuya.Region,
		BaseURL:  cfg.Tuya.BaseURL,
		Policy:   tuya.CredentialPolicy(cfg.Tuya.CredentialPolicy),
		Timeout:  time.Duration(cfg.Tuya.Timeout) * time.Second,
	})

	poll := time.Duration(cfg.Telegram.PollTimeout) * time.Second
	bot := telegram.NewClient(telegram.Config{
		BotToken: cfg.Telegram.BotToken,
		APIURL:   cfg.Telegram.APIURL,
		// long polls must not be cut short by the client timeout
		Timeout: time.Duration(cfg.Telegram.Timeout)*time.Second + poll,
	})

	var welcome notify.Sender = bot
	if cfg.Telegram.DisableWelcome {
		welcome = nil
	}
	registrar := ingest.NewRegistrar(backend.Subscribers, welcome, cfg.Telegram.Command, cfg.Telegram.WelcomeText)

	deps := monitor.Deps{
		Status: device,
		State:  backend.State,
	}

	var webhook http.Handler
	switch cfg.Telegram.UpdateSource {
	case config.SourcePull:
		deps.Ingester = ingest.NewPoller(bot, backend.Cursor, registrar, poll)
	case config.SourcePush:
		webhook = ingest.NewWebhook(registrar, cfg.Telegram.WebhookSecret)
	}

	var targets notify.TargetSource = notify.SubscriberTargets{Registry: backend.Subscribers}
	if cfg.SingleChannel() {
		targets = notify.FixedTarget(cfg.Telegram.ChatID)
	}
	deps.Notifier = notify.NewDispatcher(bot, targets, time.Duration(cfg.Telegram.Timeout)*time.Second)

	return monitor.NewRunner(deps), webhook
}
