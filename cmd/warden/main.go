// warden is the supervisor daemon: it watches project inboxes, delivers
// notifications, serves the operator API and drives container lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/ask"
	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/dedup"
	"github.com/projectwarden/warden/internal/dispatch"
	"github.com/projectwarden/warden/internal/docker"
	"github.com/projectwarden/warden/internal/httpapi"
	"github.com/projectwarden/warden/internal/metrics"
	"github.com/projectwarden/warden/internal/notify"
	"github.com/projectwarden/warden/internal/retryq"
	"github.com/projectwarden/warden/internal/supervisor"
	"github.com/projectwarden/warden/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info().Str("environment", cfg.Environment).Msg("starting warden")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("warden exited")
	}
	logger.Info().Msg("warden stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	registry := config.LoadRegistry(cfg.RegistryPath(), logger)
	met := metrics.New()

	mgr := docker.NewManager(docker.Config{
		Bin:            cfg.DockerBin,
		Workers:        cfg.ManagerWorkers,
		CommandTimeout: cfg.CommandTimeout,
	}, logger)

	sup := supervisor.New(registry, mgr, cfg.AskLogTail, logger)
	asker := ask.NewRunner(registry, mgr, cfg.AskMaxWait, cfg.AskPollInterval, cfg.AskLogTail, logger)
	store := dedup.NewStore(cfg.ProcessedDir(), logger)
	queue := retryq.Load(cfg.RetryQueuePath(), logger)

	events := make(chan watch.Event, 256)
	updates := make(chan notify.Update, 64)

	notifier, err := buildNotifier(ctx, cfg, updates, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("channel", notifier.Name()).Msg("notification channel ready")

	dispatcher := dispatch.New(registry, notifier, store, queue, sup, asker, met,
		events, updates,
		dispatch.Options{MaxAttempts: cfg.MaxAttempts, RedriveInterval: cfg.RedriveInterval},
		logger)
	go dispatcher.Run(ctx)

	watchers := watch.NewManager(registry, cfg.WatchExtension, events, logger)
	watchers.StartAll(ctx)

	api := httpapi.New(registry, sup, asker, &watcherControl{ctx: ctx, mgr: watchers}, met, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start(cfg.APIAddr) }()

	health := healthServer(cfg.HTTPPort, met)
	healthErr := make(chan error, 1)
	go func() { healthErr <- health.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		return fmt.Errorf("api server: %w", err)
	case err := <-healthErr:
		return fmt.Errorf("health server: %w", err)
	}

	logger.Info().Msg("shutting down")
	watchers.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown")
	}
	if err := health.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("health shutdown")
	}
	return nil
}

// watcherControl lets the API start and stop project watchers. Watcher
// goroutines must outlive the request, so they run under the daemon context
// rather than the request context.
type watcherControl struct {
	ctx context.Context
	mgr *watch.Manager
}

func (w *watcherControl) Start(project string) error { return w.mgr.Start(w.ctx, project) }
func (w *watcherControl) Stop(project string)        { w.mgr.Stop(project) }

// buildNotifier selects the notification channel: Telegram when configured
// (it also carries inbound replies and callbacks), Slack otherwise.
func buildNotifier(ctx context.Context, cfg *config.Config, updates chan notify.Update, logger zerolog.Logger) (notify.Notifier, error) {
	switch {
	case cfg.TelegramEnabled():
		tg := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err := tg.Subscribe(ctx, updates); err != nil {
			return nil, fmt.Errorf("subscribing to telegram updates: %w", err)
		}
		return tg, nil
	case cfg.SlackEnabled():
		return notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannel, logger), nil
	default:
		return nil, fmt.Errorf("no notification channel configured")
	}
}

func healthServer(port int, met *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.Handle("/metrics", met.Handler())
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
