package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/config"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// maxReserveAttempts bounds the retries after the unique slot index rejects
// an insert that raced with another instance.
const maxReserveAttempts = 3

// Service is the booking coordinator. It owns the appointment lifecycle and
// fires hooks after every committed transition.
type Service struct {
	repo    Repository
	locker  Locker
	cfg     config.Config
	logger  *zap.Logger
	metrics Recorder
	hooks   []Hook
	now     func() time.Time

	inflight sync.WaitGroup
}

func NewService(repo Repository, locker Locker, cfg config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalLocker(cfg.LockTTL)
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 10 * time.Second
	}
	if cfg.MaxDaysAhead <= 0 {
		cfg.MaxDaysAhead = 60
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		metrics: nopRecorder{},
		now:     time.Now,
	}
}

// Use registers hooks fired after each successful transition. Call it before
// serving traffic.
func (s *Service) Use(hooks ...Hook) {
	s.hooks = append(s.hooks, hooks...)
}

func (s *Service) SetRecorder(r Recorder) {
	if r != nil {
		s.metrics = r
	}
}

type CreateAppointmentInput struct {
	ClinicID         string
	Patient          PatientRef
	Date             time.Time
	StartTime        schedule.Clock
	TreatmentID      uuid.UUID
	AllowOverbooking bool
}

// CreateAppointment reserves a slot for a registered patient. The check of
// availability and the daily limit, and the insert that follows, run under a
// per clinic and date lock.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (appt *Appointment, err error) {
	defer s.observe("create", time.Now(), &err)

	if strings.TrimSpace(in.ClinicID) == "" {
		return nil, invalidf("clinic_id is required")
	}
	if in.Date.IsZero() {
		return nil, invalidf("date is required")
	}
	if !in.StartTime.Valid() {
		return nil, invalidf("start_time %q is out of range", in.StartTime)
	}
	date := schedule.DateOf(in.Date)

	sched, err := s.repo.GetClinicSchedule(ctx, in.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("load clinic schedule: %w", err)
	}
	treatment, err := s.repo.GetTreatment(ctx, in.ClinicID, in.TreatmentID)
	if err != nil {
		return nil, fmt.Errorf("load treatment: %w", err)
	}
	patient, err := s.resolvePatient(ctx, in.ClinicID, in.Patient)
	if err != nil {
		return nil, err
	}

	allow := in.AllowOverbooking || sched.AllowDoubleBooking
	phone := strings.TrimSpace(in.Patient.Phone)
	if phone == "" && patient.Phone != nil {
		phone = *patient.Phone
	}

	var created *Appointment
	err = s.withBookingLock(ctx, in.ClinicID, date, func(lockCtx context.Context) error {
		for attempt := 0; attempt < maxReserveAttempts; attempt++ {
			active, err := s.repo.ListActiveAppointments(lockCtx, in.ClinicID, date)
			if err != nil {
				return fmt.Errorf("list appointments: %w", err)
			}

			available := freeSlots(sched, treatment.DurationMinutes, date, active, allow, uuid.Nil)
			if !containsClock(available, in.StartTime) {
				return ErrSlotUnavailable
			}
			if sched.MaxAppointmentsPerDay > 0 && len(active) >= sched.MaxAppointmentsPerDay {
				return ErrDailyLimitReached
			}

			already := occupancy(active, uuid.Nil)[in.StartTime]
			overbooked := allow && already > 0 && already < sched.MaxPerSlot(allow)
			var fee float64
			if overbooked {
				fee = overbookingFee(sched, treatment)
			}

			appt, err := s.repo.InsertAppointment(lockCtx, Appointment{
				ID:                   uuid.New(),
				ClinicID:             in.ClinicID,
				PatientID:            patient.ID,
				PatientName:          patient.Name,
				PatientPhone:         phone,
				TreatmentID:          treatment.ID,
				Date:                 date,
				StartTime:            in.StartTime,
				EndTime:              in.StartTime.Add(treatment.DurationMinutes),
				SlotIndex:            firstFreeIndex(active, in.StartTime, uuid.Nil),
				Status:               StatusPending,
				Overbooked:           overbooked,
				ExtraFee:             fee,
				ConfirmationRequired: sched.ConfirmationRequired,
			})
			if errors.Is(err, ErrSlotTaken) {
				s.logger.Debug("slot index taken, retrying",
					zap.String("clinic_id", in.ClinicID),
					zap.String("date", schedule.FormatDate(date)),
					zap.Stringer("start_time", in.StartTime),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			if err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}
			created = appt
			return nil
		}
		return ErrSlotUnavailable
	})
	if err != nil {
		return nil, err
	}

	s.logChange(ctx, created, nil, EventAppointmentCreated, map[string]any{
		"overbooked": created.Overbooked,
		"extra_fee":  created.ExtraFee,
	})
	s.fire(ctx, Change{Event: EventAppointmentCreated, Appointment: *created})

	return created, nil
}

// RescheduleAppointment moves a booking to a new date and time and resets it
// to pending. The fee and overbooked flag stay as they were at creation.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, newDate time.Time, newTime schedule.Clock) (appt *Appointment, err error) {
	defer s.observe("reschedule", time.Now(), &err)

	if newDate.IsZero() {
		return nil, invalidf("date is required")
	}
	if !newTime.Valid() {
		return nil, invalidf("start_time %q is out of range", newTime)
	}
	date := schedule.DateOf(newDate)

	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if existing.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: cancelled appointments cannot be rescheduled", ErrInvalidStatusTransition)
	}

	sched, err := s.repo.GetClinicSchedule(ctx, existing.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("load clinic schedule: %w", err)
	}
	treatment, err := s.repo.GetTreatment(ctx, existing.ClinicID, existing.TreatmentID)
	if err != nil {
		return nil, fmt.Errorf("load treatment: %w", err)
	}

	var moved *Appointment
	err = s.withBookingLock(ctx, existing.ClinicID, date, func(lockCtx context.Context) error {
		for attempt := 0; attempt < maxReserveAttempts; attempt++ {
			active, err := s.repo.ListActiveAppointments(lockCtx, existing.ClinicID, date)
			if err != nil {
				return fmt.Errorf("list appointments: %w", err)
			}

			available := freeSlots(sched, treatment.DurationMinutes, date, active, sched.AllowDoubleBooking, existing.ID)
			if !containsClock(available, newTime) {
				return ErrSlotUnavailable
			}
			if sched.MaxAppointmentsPerDay > 0 && countOthers(active, existing.ID) >= sched.MaxAppointmentsPerDay {
				return ErrDailyLimitReached
			}

			appt, err := s.repo.RescheduleAppointment(lockCtx, existing.ID, existing.Status, date,
				newTime, newTime.Add(treatment.DurationMinutes), firstFreeIndex(active, newTime, existing.ID))
			switch {
			case errors.Is(err, ErrSlotTaken):
				continue
			case errors.Is(err, ErrAppointmentNotFound):
				return fmt.Errorf("%w: appointment changed concurrently", ErrInvalidStatusTransition)
			case err != nil:
				return fmt.Errorf("reschedule appointment: %w", err)
			}
			moved = appt
			return nil
		}
		return ErrSlotUnavailable
	})
	if err != nil {
		return nil, err
	}

	s.logChange(ctx, moved, &existing.Status, EventAppointmentRescheduled, map[string]any{
		"from_date":  schedule.FormatDate(existing.Date),
		"from_time":  existing.StartTime.String(),
		"to_date":    schedule.FormatDate(moved.Date),
		"to_time":    moved.StartTime.String(),
		"extra_fee":  moved.ExtraFee,
		"overbooked": moved.Overbooked,
	})
	s.fire(ctx, Change{Event: EventAppointmentRescheduled, Appointment: *moved, Previous: existing})

	return moved, nil
}

// ConfirmAppointment moves a pending appointment to confirmed.
func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (appt *Appointment, err error) {
	defer s.observe("confirm", time.Now(), &err)

	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if existing.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, existing.Status, StatusConfirmed)
	}

	updated, err := s.transition(ctx, existing, StatusConfirmed, nil)
	if err != nil {
		return nil, err
	}

	s.logChange(ctx, updated, &existing.Status, EventAppointmentConfirmed, map[string]any{})
	s.fire(ctx, Change{Event: EventAppointmentConfirmed, Appointment: *updated, Previous: existing})

	return updated, nil
}

// CancelAppointment cancels a pending or confirmed appointment. The row is
// kept; its slot becomes free again.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (appt *Appointment, err error) {
	defer s.observe("cancel", time.Now(), &err)

	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if existing.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: appointment already cancelled", ErrInvalidStatusTransition)
	}

	var reasonPtr *string
	if r := strings.TrimSpace(reason); r != "" {
		reasonPtr = &r
	}

	updated, err := s.transition(ctx, existing, StatusCancelled, reasonPtr)
	if err != nil {
		return nil, err
	}

	s.logChange(ctx, updated, &existing.Status, EventAppointmentCancelled, map[string]any{
		"reason": reason,
	})
	s.fire(ctx, Change{Event: EventAppointmentCancelled, Appointment: *updated, Previous: existing})

	return updated, nil
}

func (s *Service) transition(ctx context.Context, existing *Appointment, to AppointmentStatus, reason *string) (*Appointment, error) {
	updated, err := s.repo.UpdateAppointmentStatus(ctx, existing.ID, existing.Status, to, reason)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: appointment changed concurrently", ErrInvalidStatusTransition)
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	if strings.TrimSpace(f.ClinicID) == "" {
		return nil, invalidf("clinic_id is required")
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// AppointmentHistory returns the recorded transitions, oldest first.
func (s *Service) AppointmentHistory(ctx context.Context, id uuid.UUID) ([]AppointmentChange, error) {
	if _, err := s.repo.GetAppointmentByID(ctx, id); err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	changes, err := s.repo.ListChanges(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list appointment history: %w", err)
	}
	return changes, nil
}

// Drain waits for in-flight hooks, or for ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) resolvePatient(ctx context.Context, clinicID string, ref PatientRef) (*Patient, error) {
	var (
		p   *Patient
		err error
	)
	switch {
	case ref.ID != nil && *ref.ID != uuid.Nil:
		p, err = s.repo.GetPatientByID(ctx, clinicID, *ref.ID)
	case strings.TrimSpace(ref.Name) != "":
		p, err = s.repo.FindPatientByName(ctx, clinicID, strings.TrimSpace(ref.Name))
	default:
		return nil, ErrPatientNotRegistered
	}
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, ErrPatientNotRegistered
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}

func (s *Service) withBookingLock(ctx context.Context, clinicID string, date time.Time, fn func(context.Context) error) error {
	err := s.locker.WithLock(ctx, bookingLockKey(clinicID, date), fn)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		return ErrSlotBeingBooked
	case errors.Is(err, redisclient.ErrLockBackend):
		return storageErr("booking lock", err)
	}
	return err
}

// overbookingFee applies the clinic's surcharge. Percent fees are taken from
// the treatment's base price and rounded to cents.
func overbookingFee(sched *ClinicSchedule, treatment *Treatment) float64 {
	if sched.OverbookingFeeType != FeePercent {
		return sched.OverbookingFee
	}
	var base float64
	if treatment.BasePrice != nil {
		base = *treatment.BasePrice
	}
	return math.Round(base*sched.OverbookingFee) / 100
}

func countOthers(active []Appointment, exclude uuid.UUID) int {
	n := 0
	for _, a := range active {
		if a.ID != exclude && a.Status != StatusCancelled {
			n++
		}
	}
	return n
}

// logChange records the transition in appointment_changes. It is best effort:
// the booking already committed, so a failure is only logged.
func (s *Service) logChange(ctx context.Context, appt *Appointment, from *AppointmentStatus, event string, payload map[string]any) {
	payload["date"] = schedule.FormatDate(appt.Date)
	payload["start_time"] = appt.StartTime.String()

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal change payload", zap.String("event", event), zap.Error(err))
		data = nil
	}

	change := AppointmentChange{
		AppointmentID: appt.ID,
		ClinicID:      appt.ClinicID,
		Event:         event,
		FromStatus:    from,
		ToStatus:      appt.Status,
		Payload:       data,
		ChangedAt:     s.now(),
	}
	if err := s.repo.InsertChange(ctx, change); err != nil {
		s.logger.Warn("failed to record appointment change",
			zap.String("event", event),
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
	}
}

// fire runs every hook in its own goroutine, detached from the request
// context and bounded by SideEffectTimeout. Hooks see no ordering guarantee,
// even for one appointment: a confirm can reach a hook before the create
// that preceded it. Consumers order by Change.Appointment.UpdatedAt or read
// appointment_changes.
func (s *Service) fire(ctx context.Context, c Change) {
	if c.Origin == "" {
		c.Origin = OriginFrom(ctx)
	}
	base := context.WithoutCancel(ctx)

	for _, h := range s.hooks {
		s.inflight.Add(1)
		go func(h Hook) {
			defer s.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("hook panicked", zap.String("hook", h.Name()), zap.Any("panic", r))
					s.metrics.ObserveSideEffect(h.Name(), "panic")
				}
			}()

			hctx, cancel := context.WithTimeout(base, s.cfg.SideEffectTimeout)
			defer cancel()

			if err := h.AppointmentChanged(hctx, c); err != nil {
				s.logger.Warn("side effect failed",
					zap.String("hook", h.Name()),
					zap.String("event", c.Event),
					zap.String("appointment_id", c.Appointment.ID.String()),
					zap.Error(err),
				)
				s.metrics.ObserveSideEffect(h.Name(), "error")
				return
			}
			s.metrics.ObserveSideEffect(h.Name(), "ok")
		}(h)
	}
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = KindOf(*errp).String()
	}
	s.metrics.ObserveBooking(op, outcome, time.Since(start).Seconds())
}
