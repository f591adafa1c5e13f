package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/owolfdev/chatiq/internal/config"
	"github.com/owolfdev/chatiq/internal/handlers"
	"github.com/owolfdev/chatiq/internal/i18n"
	"github.com/owolfdev/chatiq/internal/middleware"
	"github.com/owolfdev/chatiq/internal/pipeline"
	"github.com/owolfdev/chatiq/internal/services/completion"
	"github.com/owolfdev/chatiq/internal/services/moderation"
	"github.com/owolfdev/chatiq/internal/services/pattern"
	"github.com/owolfdev/chatiq/internal/services/quota"
	"github.com/owolfdev/chatiq/internal/services/retriever"
	"github.com/owolfdev/chatiq/internal/services/semcache"
	"github.com/owolfdev/chatiq/internal/store"
	"github.com/owolfdev/chatiq/pkg/logger"
	"github.com/sirupsen/logrus"
)

func main() {
	var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env file if present (development convenience)
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded .env file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting chatiq server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(ctx, &cfg.Postgres, cfg.Postgres.DSN, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to postgres")
	}
	defer pg.Close()

	st := store.NewCached(pg, 1*time.Minute)

	// Optional service-role pool for writes made on behalf of callers without
	// an authenticated session. The pipeline picks the handle per request.
	var elevated *store.Postgres
	if cfg.Postgres.ElevatedDSN != "" {
		elevated, err = store.NewPostgres(ctx, &cfg.Postgres, cfg.Postgres.ElevatedDSN, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to postgres (elevated role)")
		}
		defer elevated.Close()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("Failed to connect to redis")
	}
	defer rdb.Close()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize localizer")
	}

	metrics := middleware.NewMetrics()
	limiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	matcher := pattern.NewMatcher(log)
	embedder := semcache.NewHTTPEmbedder(&cfg.Embedding, log)
	cache := semcache.NewCache(&cfg.Cache, rdb, st, embedder, log)
	source := retriever.NewHTTPSource(&cfg.Retrieval, log)
	ret := retriever.New(source, cfg.Retrieval.TopK, cfg.Retrieval.ExcerptLength, log)
	guard := quota.NewGuard(rdb, st, cfg.Quota.Limits, log)
	completer := completion.NewClient(&cfg.Models, log)
	policy := completion.NewModelPolicy(&cfg.Models)
	validator := moderation.NewValidator(&cfg.Moderation, log)

	pipe := pipeline.New(
		st,
		matcher,
		cache,
		ret,
		guard,
		completer,
		policy,
		validator,
		localizer,
		metrics,
		pipeline.OptionsFromConfig(cfg),
		log,
	)
	if elevated != nil {
		pipe.SetElevatedStore(elevated)
	}

	chatHandler := handlers.NewChatHandler(pipe, st, limiter, localizer, metrics, cfg.Auth.JWTSecret, log)
	router := handlers.NewRouter(chatHandler)

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithField("port", cfg.Monitoring.Metrics.Port).Info("Starting metrics server")
			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("Chat server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logrus.Fields{"signal": sig.String()}).Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}

	log.Info("Server stopped gracefully")
}
