package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fx-dashboard/internal/amqp"
	"fx-dashboard/internal/api"
	"fx-dashboard/internal/backend"
	"fx-dashboard/internal/cache"
	"fx-dashboard/internal/candlecache"
	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/config"
	"fx-dashboard/internal/db"
	"fx-dashboard/internal/livechannel"
	"fx-dashboard/internal/model"
	"fx-dashboard/internal/poller"
	"fx-dashboard/internal/slogx"
	"fx-dashboard/internal/state"
	"fx-dashboard/internal/tasksync"
	"fx-dashboard/internal/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := slogx.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Dashboard exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting FX dashboard", "listen", cfg.ListenAddr, "push", cfg.PushEnabled)

	// --- 1. Backend access ---
	tokens := backend.StaticToken(cfg.APIToken)
	client := backend.NewClient(cfg.BackendURL, tokens, nil, logger)

	var fetcher api.CandleFetcher = candles.NewPipeline(client, logger)
	if cfg.RedisAddr != "" {
		rc, err := candlecache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("Candle cache disabled", "error", err)
		} else {
			defer rc.Close()
			fetcher = candlecache.New(fetcher, candlecache.NewRedisStore(rc), cfg.CandleCacheTTL, logger)
			logger.Info("Candle cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CandleCacheTTL)
		}
	}

	accounts := cache.New[[]model.Account](cfg.AccountCacheTTL, client.Accounts)

	// --- 2. Optional event store ---
	var events api.EventSource
	var logSink func(string, model.LogEntry)
	if cfg.DatabaseURL != "" {
		store, err := db.NewStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Warn("Event store disabled", "error", err)
		} else {
			defer store.Close()
			events = store
			logSink = store.LogExecutionLine
		}
	}

	// --- 3. Task sync ---
	board := state.NewTaskBoard()

	var channels tasksync.Channels
	if cfg.PushEnabled {
		pool := livechannel.NewPool(livechannel.Config{
			URL:    cfg.PushURL,
			Tokens: tokens,
			Logger: logger,
		})
		defer pool.Close()
		channels = pool
	}

	coord := tasksync.New(tasksync.Config{
		PushEnabled: cfg.PushEnabled,
		StatusTopic: cfg.StatusTopic,
		Poll: poller.Config{
			Interval:   cfg.PollInterval,
			MaxRetries: cfg.PollMaxRetries,
			Multiplier: cfg.PollBackoffMultiplier,
			MaxBackoff: cfg.PollMaxBackoff,
		},
		StatsInterval: statsInterval,
		LogSink:       logSink,
		Logger:        logger,
	}, board, client, channels)
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	// --- 4. Optional messaging ---
	var backfill api.BackfillRequester
	if cfg.AMQPURI != "" {
		publisher, err := amqp.NewPublisher(ctx, cfg.AMQPURI, cfg.Instruments, logger)
		if err != nil {
			logger.Warn("Backfill requests disabled", "error", err)
		} else {
			defer publisher.Close()
			backfill = publisher
		}

		consumer, err := amqp.NewConsumer(ctx, cfg.AMQPURI, func(m livechannel.Message) {
			coord.Route(m, state.SourceQueue)
		}, logger)
		if err != nil {
			logger.Warn("Task event queue disabled", "error", err)
		} else {
			defer consumer.Close()
			if err := consumer.Start(); err != nil {
				logger.Warn("Task event consumer failed to start", "error", err)
			}
		}
	}

	// --- 5. Browser feed ---
	hub := websocket.NewHub(logger,
		websocket.WithAllowedOrigins(cfg.CorsOrigins...),
		websocket.WithCommandHandler(func(cmd websocket.Command) {
			coord.RequestRefresh(cmd.TaskID)
		}),
		websocket.WithInitial(func() ([]byte, error) {
			return websocket.SnapshotMessage(board)
		}),
	)
	go hub.Run(ctx)
	go hub.Feed(ctx, board)

	// --- 6. HTTP API ---
	handler := api.NewAPIHandler(api.Deps{
		Candles:     fetcher,
		Events:      events,
		Backfill:    backfill,
		Tasks:       coord,
		Accounts:    accounts,
		Hub:         http.HandlerFunc(hub.ServeWs),
		CorsOrigins: cfg.CorsOrigins,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// --- 7. Wait for shutdown ---
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, closing connections")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}
	return nil
}
