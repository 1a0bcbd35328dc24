package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"blast/internal/authstate"
	"blast/internal/broadcast"
	"blast/internal/cache"
	"blast/internal/config"
	"blast/internal/events"
	"blast/internal/httpapi"
	"blast/internal/plan"
	"blast/internal/queue"
	"blast/internal/storage"
	"blast/internal/wa"
	"blast/internal/webhook"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	defer rdb.Close()

	connCache := cache.New(rdb, cfg.ConnCacheTTL)
	auth := authstate.New(rdb, cfg.AuthStateTTL)

	q := queue.New(rdb, queue.Config{RatePerSec: cfg.QueueRatePerSec}, log)
	go q.Run(ctx)

	container, err := wa.NewContainer(ctx, cfg.DBDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("whatsapp device store")
	}
	factory := wa.NewClientFactory(container, auth, log)

	bus := events.NewBus()
	registry := wa.NewRegistry(store, connCache, auth, factory, bus, wa.SessionConfig{
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		ReconnectMax:      cfg.ReconnectMax,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)
	if err := registry.LoadAll(ctx); err != nil {
		log.Error().Err(err).Msg("restore sessions")
	}

	notifier := webhook.NewDispatcher(store, bus, log)
	go notifier.Run(ctx)

	worker := broadcast.NewWorker(store, q, registry,
		broadcast.NewHTTPResolver(cfg.MediaTimeout, cfg.AssetBaseURL),
		plan.NewStoreResolver(store),
		broadcast.NewCooldownBreaker(),
		notifier,
		broadcast.WorkerConfig{
			Concurrency:    cfg.WorkerConcurrency,
			CooldownWindow: cfg.CooldownWindow,
		}, log)
	go worker.Run(ctx)

	intake := broadcast.NewIntake(store, q, log)
	router := httpapi.NewRouter(store, registry, intake, q, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	registry.Shutdown()
}
