package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/delivery"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/realtime"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := db.MigrateUp(cfg.PostgresDSN); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
	}

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	health := api.NewHealthHandler(pgPool.Ping, nil, cfg.Env, version)

	var locker appointment.Locker
	var enqueuer automation.Enqueuer
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Fatal("redis connection error", zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		}()
		logger.Info("connected to Redis")

		locker = redisclient.NewKeyLocker(rdb, redisclient.LockOptions{
			TTL:           cfg.LockTTL,
			RetryAttempts: cfg.LockRetryAttempts,
			RetryBackoff:  cfg.LockRetryBackoff,
		})
		health = api.NewHealthHandler(pgPool.Ping, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, cfg.Env, version)

		queue := delivery.NewQueue(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		}, cfg.DeliveryMaxRetry)
		defer queue.Close()
		enqueuer = queue
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process booking lock and leaving messages queued")
	}

	reg := prometheus.DefaultRegisterer

	svc := appointment.NewService(appointment.NewPgRepository(pgPool), locker, cfg, logger.Named("booking"))
	svc.SetRecorder(metrics.NewBookingMetrics(reg))

	automations := automation.NewService(automation.NewPgStore(pgPool), svc, enqueuer, logger)
	hub := realtime.NewHub(cfg.ChangeHistoryLimit, logger, metrics.NewRealtimeMetrics(reg))
	sink := audit.NewSink(pgPool, logger)
	svc.Use(automations, hub, sink)

	router := api.NewRouter(api.RouterConfig{
		Service:        svc,
		Automation:     automations,
		Realtime:       hub,
		Health:         health,
		Logger:         logger.Named("http"),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		logger.Warn("side effects still running at shutdown", zap.Error(err))
	}
}
