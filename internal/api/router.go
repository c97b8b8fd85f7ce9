package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// BookingService is the part of appointment.Service the HTTP surface uses.
type BookingService interface {
	AvailableSlots(ctx context.Context, clinicID string, date time.Time, treatmentID uuid.UUID, allowOverbooking bool) ([]schedule.Clock, error)
	AvailableDates(ctx context.Context, clinicID string, treatmentID uuid.UUID, daysAhead int) ([]appointment.DateAvailability, error)

	CreateAppointment(ctx context.Context, in appointment.CreateAppointmentInput) (*appointment.Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, newDate time.Time, newTime schedule.Clock) (*appointment.Appointment, error)
	ConfirmAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.AppointmentFilter) ([]appointment.Appointment, error)
	AppointmentHistory(ctx context.Context, id uuid.UUID) ([]appointment.AppointmentChange, error)

	ClinicSchedule(ctx context.Context, clinicID string) (*appointment.ClinicSchedule, error)
	ClinicScheduleOrDefault(ctx context.Context, clinicID string) (*appointment.ClinicSchedule, error)
	SaveClinicSchedule(ctx context.Context, sched appointment.ClinicSchedule) (*appointment.ClinicSchedule, error)
	AddBlockedDates(ctx context.Context, clinicID string, dates []time.Time) error
	RemoveBlockedDate(ctx context.Context, clinicID string, date time.Time) error
	AddBlockedPeriod(ctx context.Context, clinicID string, p appointment.BlockedPeriod) (*appointment.BlockedPeriod, error)
	RemoveBlockedPeriod(ctx context.Context, clinicID string, id uuid.UUID) error

	CreateTreatment(ctx context.Context, t appointment.Treatment) (*appointment.Treatment, error)
	ListTreatments(ctx context.Context, clinicID string) ([]appointment.Treatment, error)
}

type AutomationService interface {
	ListRules(ctx context.Context, clinicID string) ([]automation.Rule, error)
	CreateRule(ctx context.Context, r automation.Rule) (*automation.Rule, error)
	UpdateRule(ctx context.Context, id uuid.UUID, u automation.RuleUpdate) (*automation.Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error
	RunForAppointment(ctx context.Context, trigger string, appointmentID uuid.UUID) ([]automation.Message, error)
	RunForDate(ctx context.Context, clinicID, trigger string, date time.Time) ([]automation.Message, error)
}

// Viewers is the realtime hub as seen by the router.
type Viewers interface {
	ActiveConnections(clinicID string) int
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

type RouterConfig struct {
	Service    BookingService
	Automation AutomationService
	Realtime   Viewers // nil disables /ws
	Health     *HealthHandler
	Logger     *zap.Logger
	Metrics    http.Handler // defaults to promhttp.Handler()

	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	r.Handle("/metrics", metrics)

	if cfg.Realtime != nil {
		r.Get("/ws", cfg.Realtime.HandleWebSocket)
		r.Get("/realtime/active", activeViewersHandler(cfg.Realtime))
	}

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
		r.Use(OriginMiddleware)

		svc := cfg.Service

		r.Get("/availability/slots", availableSlotsHandler(svc, logger))
		r.Get("/availability/dates", availableDatesHandler(svc, logger))
		r.Get("/availability/summary", availabilitySummaryHandler(svc, logger))

		r.Post("/appointments", createAppointmentHandler(svc, logger))
		r.Get("/appointments", listAppointmentsHandler(svc, logger))
		r.Get("/appointments/{id}", getAppointmentHandler(svc, logger))
		r.Get("/appointments/{id}/history", appointmentHistoryHandler(svc, logger))
		r.Patch("/appointments/{id}/reschedule", rescheduleAppointmentHandler(svc, logger))
		r.Patch("/appointments/{id}/confirm", confirmAppointmentHandler(svc, logger))
		r.Delete("/appointments/{id}", cancelAppointmentHandler(svc, logger))

		r.Route("/clinic-settings/{clinic_id}", func(r chi.Router) {
			r.Get("/", getClinicSettingsHandler(svc, logger))
			r.Put("/", updateClinicSettingsHandler(svc, logger))
			r.Post("/blocked-dates", addBlockedDatesHandler(svc, logger))
			r.Delete("/blocked-dates/{date}", removeBlockedDateHandler(svc, logger))
			r.Post("/blocked-periods", addBlockedPeriodHandler(svc, logger))
			r.Delete("/blocked-periods/{period_id}", removeBlockedPeriodHandler(svc, logger))
		})

		r.Post("/treatments", createTreatmentHandler(svc, logger))
		r.Get("/treatments", listTreatmentsHandler(svc, logger))

		if cfg.Automation != nil {
			auto := cfg.Automation
			r.Get("/automations", listRulesHandler(auto, logger))
			r.Post("/automations", createRuleHandler(auto, logger))
			r.Post("/automations/run", runAutomationHandler(auto, logger))
			r.Patch("/automations/{id}", updateRuleHandler(auto, logger))
			r.Delete("/automations/{id}", deleteRuleHandler(auto, logger))
		}
	})

	return r
}
