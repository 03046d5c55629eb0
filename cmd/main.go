package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"protocol-notifier/internal/adherence"
	"protocol-notifier/internal/api"
	"protocol-notifier/internal/config"
	"protocol-notifier/internal/db"
	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/history"
	"protocol-notifier/internal/kafka"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/notification"
	"protocol-notifier/internal/preferences"
	"protocol-notifier/internal/providers"
	"protocol-notifier/internal/quiethours"
	"protocol-notifier/internal/retry"
	"protocol-notifier/internal/scheduler"
	"protocol-notifier/internal/store"
)

const frequencyAdjustSpec = "30 4 * * *"

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Config load failed:", err)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatal("Logger init failed:", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store
	client, err := store.Connect(ctx, cfg.Redis.Addr)
	if err != nil {
		logger.Errorf("Redis connect failed: %v", err)
		log.Fatal("Redis connect failed:", err)
	}
	st := store.NewRedisStore(client, cfg.Redis.Prefix)
	defer st.Close()

	// Optional PostgreSQL backend for history and protocol data
	var backend history.Repository
	var protocol adherence.ProtocolSource = adherence.NoProtocolData{}
	if cfg.DB.DSN != "" {
		dbConn, err := db.New(ctx, cfg.DB.DSN)
		if err != nil {
			logger.Errorf("DB connect failed: %v", err)
			log.Fatal("DB connect failed:", err)
		}
		defer dbConn.Close()
		if err := dbConn.EnsureSchema(ctx); err != nil {
			logger.Errorf("DB schema failed: %v", err)
			log.Fatal("DB schema failed:", err)
		}
		backend = dbConn.History()
		protocol = dbConn.Protocol()
		logger.Info("History backend: PostgreSQL")
	} else {
		logger.Warn("DB_DSN not set, history is kept in the local store only")
	}

	// Delivery channels
	var local *delivery.Local
	respond := func(id, action string) {
		local.Respond(id, action, delivery.Content{})
	}
	senders := providers.NewMultiSender()
	ws := providers.NewWebSocketManager(logger, respond)
	senders.Add("websocket", ws)
	var tg *providers.TelegramSender
	if cfg.TelegramEnabled() {
		tg, err = providers.NewTelegramSender(providers.TelegramConfig{
			BotToken:      cfg.Telegram.BotToken,
			ChatID:        cfg.Telegram.ChatID,
			RatePerSecond: cfg.Telegram.RateLimit,
		}, logger, respond)
		if err != nil {
			logger.Errorf("Telegram init failed: %v", err)
			log.Fatal("Telegram init failed:", err)
		}
		senders.Add("telegram", tg)
	}
	local = delivery.NewLocal(senders, logger, cfg.Location, cfg.Notification.QueueSize)
	defer local.Close()

	// Engine
	quiet := quiethours.New(models.DefaultQuietHours(), cfg.Location, nil)
	queue := retry.New(st, logger, retry.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, nil)
	queue.OnPermanentFailure(func(e models.RetryQueueEntry) {
		logger.Errorf("Giving up on %s for %s after %d attempts: %s", e.Operation, e.Target, e.AttemptCount, e.LastError)
	})
	repo := history.NewFallbackRepository(backend, st, logger)
	analytics := history.NewAnalytics(repo, st, cfg.Location, nil)
	analyzer := adherence.New(protocol, repo, st, logger, adherence.Options{
		WindowDays: cfg.Adherence.WindowDays,
		CacheTTL:   cfg.Adherence.CacheTTL,
		Location:   cfg.Location,
	}, nil)
	optimizer, err := history.NewStorageOptimizer(repo, st, analytics, cfg.UserID, logger, history.OptimizerOptions{
		Retention:  cfg.History.Retention,
		MaxBackups: cfg.History.MaxBackups,
		CronSpec:   cfg.History.CronSpec,
		Location:   cfg.Location,
	}, nil)
	if err != nil {
		logger.Errorf("Storage optimizer init failed: %v", err)
		log.Fatal("Storage optimizer init failed:", err)
	}

	svc := notification.New(notification.Deps{
		Scheduler:   scheduler.New(local, quiet, queue, st, logger, nil),
		Retries:     queue,
		Quiet:       quiet,
		Analyzer:    analyzer,
		Preferences: preferences.New(st, logger),
		Permissions: local,
		History:     repo,
		Analytics:   analytics,
		Events:      local.Events(),
		Fallback:    ws,
	}, logger, notification.Config{
		UserID:     cfg.UserID,
		QueueSize:  cfg.Notification.QueueSize,
		MaxWorkers: cfg.Notification.MaxWorkers,
	}, nil)
	if err := svc.Init(ctx); err != nil {
		logger.Errorf("Service init failed: %v", err)
		log.Fatal("Service init failed:", err)
	}

	var wg sync.WaitGroup
	svc.Start(&wg)

	wg.Add(3)
	go func() {
		defer wg.Done()
		queue.Run(ctx, cfg.Retry.Interval)
	}()
	go func() {
		defer wg.Done()
		optimizer.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		runFrequencyAdjustment(ctx, svc, logger, cfg.Location)
	}()
	if tg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tg.Start(ctx)
		}()
	}

	// Start Kafka consumer
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, svc, logger)
		if err != nil {
			logger.Errorf("Kafka init failed: %v", err)
			log.Fatal("Kafka init failed:", err)
		}
		defer consumer.Close()
		consumer.Start(ctx, &wg)
	}

	// Start API server
	r := api.NewRouter(svc, logger, api.Options{
		BasePath:  cfg.API.BasePath,
		UserID:    cfg.UserID,
		WebSocket: ws,
		Optimizer: optimizer,
	})
	srv := &http.Server{Addr: cfg.API.Port, Handler: r}
	go func() {
		logger.Infof("API started on %s", cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API run failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API shutdown failed: %v", err)
	}
	svc.Stop()
	wg.Wait()
	logger.Info("Service stopped")
}

// runFrequencyAdjustment applies the adherence recommendation once a day.
func runFrequencyAdjustment(ctx context.Context, svc *notification.Service, logger *logging.Logger, loc *time.Location) {
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(frequencyAdjustSpec, func() {
		rec, changed, err := svc.AdjustNotificationFrequency(ctx)
		if err != nil {
			logger.Errorf("Frequency adjustment failed: %v", err)
			return
		}
		if !changed {
			logger.Infof("Frequency unchanged at %s (%s)", rec.Current, rec.Reason)
		}
	}); err != nil {
		logger.Errorf("Invalid frequency adjustment schedule: %v", err)
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
