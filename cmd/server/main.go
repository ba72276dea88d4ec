package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/matchmaker/internal/api"
	"github.com/playmatatu/matchmaker/internal/api/handlers"
	"github.com/playmatatu/matchmaker/internal/config"
	"github.com/playmatatu/matchmaker/internal/database"
	"github.com/playmatatu/matchmaker/internal/maintenance"
	"github.com/playmatatu/matchmaker/internal/matchmaking"
	"github.com/playmatatu/matchmaker/internal/metrics"
	"github.com/playmatatu/matchmaker/internal/migrations"
	"github.com/playmatatu/matchmaker/internal/redis"
	"github.com/playmatatu/matchmaker/internal/store"
	"github.com/playmatatu/matchmaker/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer st.Close()

	hub := ws.NewHub()
	go hub.Run(ctx)

	// Without Redis, notifications go straight to this instance's hub and joins are not rate limited.
	var notifier matchmaking.Notifier = hub
	var limiter handlers.JoinLimiter
	if cfg.RedisURL != "" {
		rdb, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logrus.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()

		if err := ws.StartEventSubscriber(ctx, rdb, hub); err != nil {
			logrus.Fatalf("Failed to subscribe to %s: %v", ws.EventsChannel, err)
		}
		notifier = ws.NewRedisNotifier(rdb)
		limiter = redis.NewLimiter(rdb, "join_rate", cfg.JoinRateLimit())
	} else {
		logrus.Info("[REDIS] REDIS_URL not set - using local notifications, join rate limit disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheus(registry)

	svc := matchmaking.NewService(st, matchmaking.Options{
		OpenSessionScanLimit: cfg.OpenSessionScanLimit,
		QueueCandidateWindow: cfg.QueueCandidateWindow,
		MatchRetryLimit:      cfg.MatchRetryLimit,
		Notifier:             notifier,
		Metrics:              rec,
	})

	sweeper := maintenance.NewSweeper(svc.Queue(), cfg.QueueStaleAfter(), cfg.SweepInterval(), rec)
	if err := sweeper.Start(); err != nil {
		logrus.Fatalf("Failed to start queue sweep: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, api.Deps{
		Config:   cfg,
		Service:  svc,
		Hub:      hub,
		Limiter:  limiter,
		Gatherer: registry,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.Infof("Starting matchmaker on port %s (store=%s)", cfg.Port, cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}
	if err := sweeper.Stop(); err != nil {
		logrus.WithError(err).Warn("[SWEEP] Scheduler shutdown failed")
	}
	svc.Wait()
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Invalid LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.IsProduction() {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logrus.Warn("[DB] Using in-memory store - state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.Pool{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		logrus.Info("[MIGRATE] Running DB migrations on startup...")
		if err := migrations.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store.NewPostgresStore(db), nil
}
