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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/audit"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/delivery"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR or REDIS_URL is required for the delivery queue")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("automation-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("reminder_interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}

	store := automation.NewPgStore(pgPool)
	queue := delivery.NewQueue(redisOpt, cfg.DeliveryMaxRetry)
	defer queue.Close()

	bookings := appointment.NewService(appointment.NewPgRepository(pgPool), nil, cfg, logger.Named("booking"))
	automations := automation.NewService(store, bookings, queue, logger)
	sink := audit.NewSink(pgPool, logger)

	worker := delivery.NewWorker(store, channels(cfg, logger), logger,
		metrics.NewDeliveryMetrics(prometheus.DefaultRegisterer))
	srv := delivery.NewServer(redisOpt, 10, logger.Named("asynq"))
	if err := srv.Start(worker.Mux()); err != nil {
		logger.Fatal("start delivery server", zap.Error(err))
	}
	defer srv.Shutdown()

	go serveMetrics(cfg.HTTPPort, logger)

	runOnce(rootCtx, cfg, bookings, automations, sink, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping automation worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, cfg, bookings, automations, sink, logger)
		}
	}
}

func serveMetrics(port string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics listener stopped", zap.Error(err))
	}
}

func channels(cfg config.Config, logger *zap.Logger) map[automation.Channel]delivery.Channel {
	var sender delivery.EmailSender = delivery.NewStubEmailSender(logger.Named("email"))
	if sg := delivery.NewSendGridSender(delivery.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger.Named("email")); sg != nil {
		sender = sg
	} else {
		logger.Warn("SENDGRID_API_KEY not set, emails are only logged")
	}

	return map[automation.Channel]delivery.Channel{
		automation.ChannelEmail:   delivery.EmailChannel{Sender: sender, Timeout: cfg.DeliveryTimeout},
		automation.ChannelWebhook: delivery.NewWebhookChannel(cfg.DeliveryTimeout),
		automation.ChannelWhatsApp: delivery.NewWhatsAppChannel(delivery.WhatsAppConfig{
			APIBase:       cfg.WhatsAppAPIBase,
			Token:         cfg.WhatsAppToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			Timeout:       cfg.DeliveryTimeout,
		}, logger.Named("whatsapp")),
	}
}

// runOnce sends reminders for tomorrow's pending appointments in every
// clinic. Reminders already sent are skipped, so overlapping runs are safe.
func runOnce(ctx context.Context, cfg config.Config, bookings *appointment.Service, automations *automation.Service, sink *audit.Sink, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()
	clinics, err := bookings.ListClinicIDs(runCtx)
	if err != nil {
		logger.Error("reminder run: list clinics", zap.Error(err))
		return
	}

	total := 0
	for _, clinicID := range clinics {
		sched, err := bookings.ClinicScheduleOrDefault(runCtx, clinicID)
		if err != nil {
			logger.Error("reminder run: load schedule", zap.String("clinic_id", clinicID), zap.Error(err))
			continue
		}
		tomorrow := schedule.Today(time.Now(), sched.Timezone).AddDate(0, 0, 1)

		msgs, err := automations.SendReminders(runCtx, clinicID, cfg.ReminderTrigger, tomorrow)
		if err != nil {
			logger.Error("reminder run", zap.String("clinic_id", clinicID), zap.Error(err))
			sink.RecordEvent(runCtx, audit.Event{
				ClinicID:  clinicID,
				EventType: "reminder_run_failed",
				Severity:  audit.SeverityWarning,
				Message:   err.Error(),
			})
			continue
		}
		total += len(msgs)
		if len(msgs) > 0 {
			sink.RecordEvent(runCtx, audit.Event{
				ClinicID:  clinicID,
				EventType: "reminders_sent",
				Message:   "reminders queued",
				Details: map[string]any{
					"date":     schedule.FormatDate(tomorrow),
					"messages": len(msgs),
				},
			})
		}
	}

	logger.Info("reminder run complete",
		zap.Int("clinics", len(clinics)),
		zap.Int("messages", total),
		zap.Duration("took", time.Since(start)),
	)
}
