package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"polybot/internal/config"
	"polybot/internal/crypto"
	"polybot/internal/gateway"
	"polybot/internal/metrics"
	"polybot/internal/providers"
	"polybot/internal/providers/registry"
	"polybot/internal/queue"
	"polybot/internal/state"
	"polybot/internal/storage"
	"polybot/internal/telegram"
	"polybot/internal/telegraph"
	"polybot/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Int64("admin_user_id", cfg.AdminUserID).
		Msg("starting polybot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlStore, err := storage.Open(ctx, storage.Options{
		Driver:        cfg.DB.Driver,
		DSN:           cfg.DB.DSN,
		AutoMigrate:   cfg.DB.AutoMigrate,
		MigrationsDir: "migrations",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer sqlStore.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	stateStore := openState(cfg, cryptoManager)
	persistDone := make(chan struct{})
	go func() {
		stateStore.Run(ctx)
		close(persistDone)
	}()

	m := metrics.Global()

	httpClient := providers.NewClient(providers.ClientConfig{
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
	})
	gw := gateway.New(gateway.Config{
		Store:     stateStore,
		Registry:  registry.New(httpClient),
		Logger:    log.Logger,
		Metrics:   m,
		MaxTokens: cfg.Gateway.MaxTokens,
	})
	paste := telegraph.New(telegraph.Config{
		Store:      stateStore,
		Metrics:    m,
		Logger:     log.Logger,
		AuthorName: cfg.Gateway.TelegraphAuthor,
	})

	bot, err := gotgbot.NewBot(cfg.BotToken, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create telegram bot")
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	errCh := make(chan error, 4)
	deps := appDeps{
		cfg:      cfg,
		bot:      bot,
		redis:    rdb,
		sqlStore: sqlStore,
		state:    stateStore,
		gateway:  gw,
		queue:    jobQueue,
		metrics:  m,
	}

	updater, webhookRoute, webhookHandler := startIngress(deps)
	httpServer := startHTTP(cfg, webhookRoute, webhookHandler, errCh)

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Bot:            bot,
			Gateway:        gw,
			Store:          sqlStore,
			Queue:          jobQueue,
			Telegraph:      paste,
			TelegraphLimit: cfg.Gateway.TelegraphThreshold,
			MaxJobRetries:  cfg.Worker.MaxRetries,
			Logger:         log.Logger,
			Metrics:        m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	// The persistence loop flushes once more on shutdown before exiting.
	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		log.Error().Msg("timed out waiting for state flush")
	}

	log.Info().Msg("stopped")
}

type appDeps struct {
	cfg      *config.Config
	bot      *gotgbot.Bot
	redis    *redis.Client
	sqlStore *storage.Store
	state    *state.Store
	gateway  *gateway.Gateway
	queue    *queue.StreamQueue
	metrics  *metrics.Metrics
}

func openState(cfg *config.Config, cryptoManager *crypto.Manager) *state.Store {
	if dir := filepath.Dir(cfg.Gateway.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create state directory")
		}
	}
	st, err := state.Open(state.Config{
		Path:     cfg.Gateway.StatePath,
		Crypto:   cryptoManager,
		Debounce: cfg.Gateway.StateDebounce,
		Logger:   log.Logger,
		Metrics:  metrics.Global(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load state document")
	}
	return st
}

// startIngress wires the Telegram update path when this process serves it.
// Polling is a dev convenience and takes precedence over webhook mode;
// worker-only processes skip ingress entirely.
func startIngress(deps appDeps) (*ext.Updater, string, http.HandlerFunc) {
	cfg := deps.cfg
	runPolling := cfg.DevPolling && cfg.AppMode != config.ModeWorker
	runWebhook := !runPolling && (cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll)
	if !runPolling && !runWebhook {
		return nil, "", nil
	}

	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}
	allowedUserID := int64(0)
	if cfg.BotAccessMode == config.AccessModePrivate {
		allowedUserID = cfg.AdminUserID
	}
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:        queue.NewUpdateDeduplicator(deps.redis, cfg.Redis.UpdateTTL),
			Metrics:       deps.metrics,
			Logger:        log.Logger,
			AllowedUserID: allowedUserID,
		},
	})
	telegram.NewService(telegram.Config{
		Store:         deps.sqlStore,
		State:         deps.state,
		Gateway:       deps.gateway,
		Queue:         deps.queue,
		RateLimiter:   queue.NewRateLimiter(deps.redis, cfg.Rate.Limit, cfg.Rate.Window),
		Redis:         deps.redis,
		Logger:        log.Logger,
		Metrics:       deps.metrics,
		AdminCacheTTL: cfg.Redis.AdminCacheTTL,
		WizardTTL:     cfg.Redis.WizardTTL,
		BotUsername:   deps.bot.User.Username,
		AccessMode:    cfg.BotAccessMode,
		AdminUserID:   cfg.AdminUserID,
	}).Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
		UnhandledErrFunc: logTelegramErr,
	})

	if runPolling {
		if err := updater.StartPolling(deps.bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to start polling")
		}
		log.Info().Msg("polling mode started")
		return updater, "", nil
	}

	path := strings.Trim(cfg.Webhook.SecretPath, "/")
	if path == "" {
		path = "telegram"
	}
	if cfg.Webhook.PublicURL == "" {
		log.Fatal().Msg("WEBHOOK_URL is required in webhook mode")
	}
	if err := updater.AddWebhook(deps.bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
		log.Fatal().Err(err).Msg("failed to configure webhook handler")
	}

	webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
	if _, err := deps.bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
		DropPendingUpdates: false,
		SecretToken:        cfg.Webhook.SecretToken,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to set telegram webhook")
	}
	log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
	return updater, "/" + path, updater.GetHandlerFunc("/")
}

// startHTTP serves health, metrics and, when webhook mode is active, the
// Telegram update route.
func startHTTP(cfg *config.Config, webhookRoute string, webhookHandler http.HandlerFunc, errCh chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if webhookHandler != nil && webhookRoute != "" {
		mux.HandleFunc(webhookRoute, webhookHandler)
	}

	srv := &http.Server{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Webhook.WebhookTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Webhook.ListenAddr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	return srv
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
