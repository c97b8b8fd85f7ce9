package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// ClinicSchedule returns the stored configuration for a clinic.
func (s *Service) ClinicSchedule(ctx context.Context, clinicID string) (*ClinicSchedule, error) {
	sched, err := s.repo.GetClinicSchedule(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("load clinic schedule: %w", err)
	}
	return sched, nil
}

// ClinicScheduleOrDefault is ClinicSchedule, except that an unknown clinic
// yields the defaults a new clinic would start with.
func (s *Service) ClinicScheduleOrDefault(ctx context.Context, clinicID string) (*ClinicSchedule, error) {
	sched, err := s.repo.GetClinicSchedule(ctx, clinicID)
	if errors.Is(err, ErrClinicNotFound) {
		def := DefaultClinicSchedule(clinicID)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load clinic schedule: %w", err)
	}
	return sched, nil
}

// SaveClinicSchedule validates and stores a full configuration, creating the
// clinic if needed. Blocked dates and periods are managed separately.
func (s *Service) SaveClinicSchedule(ctx context.Context, sched ClinicSchedule) (*ClinicSchedule, error) {
	if err := ValidateSchedule(&sched); err != nil {
		return nil, err
	}
	saved, err := s.repo.UpsertClinicSchedule(ctx, sched)
	if err != nil {
		return nil, fmt.Errorf("save clinic schedule: %w", err)
	}
	return saved, nil
}

// ValidateSchedule checks a configuration and normalises work days into a
// sorted set.
func ValidateSchedule(sched *ClinicSchedule) error {
	if strings.TrimSpace(sched.ClinicID) == "" {
		return invalidf("clinic_id is required")
	}
	if !sched.OpenTime.Valid() || !sched.CloseTime.Valid() {
		return invalidf("open_time and close_time must be within the day")
	}
	if sched.CloseTime <= sched.OpenTime {
		return invalidf("close_time must be after open_time")
	}
	if (sched.LunchStart == nil) != (sched.LunchEnd == nil) {
		return invalidf("lunch_start and lunch_end must be set together")
	}
	if sched.LunchStart != nil && *sched.LunchStart >= *sched.LunchEnd {
		return invalidf("lunch_end must be after lunch_start")
	}
	if sched.SlotMinutes <= 0 {
		return invalidf("slot_minutes must be positive")
	}
	if sched.MaxAppointmentsPerDay < 0 {
		return invalidf("max_appointments_per_day cannot be negative")
	}
	if sched.MaxAppointmentsPerSlot < 1 {
		return invalidf("max_appointments_per_slot must be at least 1")
	}
	if sched.OverbookingFee < 0 {
		return invalidf("overbooking_fee cannot be negative")
	}
	switch sched.OverbookingFeeType {
	case FeeFixed, FeePercent:
	case "":
		sched.OverbookingFeeType = FeeFixed
	default:
		return invalidf("overbooking_fee_type must be fixed or percent")
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(sched.Timezone); err != nil {
		return invalidf("unknown timezone %q", sched.Timezone)
	}

	days := make([]int, 0, len(sched.WorkDays))
	for _, d := range sched.WorkDays {
		if d < 0 || d > 6 {
			return invalidf("work_days entries must be between 0 (Monday) and 6 (Sunday)")
		}
		if !slices.Contains(days, d) {
			days = append(days, d)
		}
	}
	slices.Sort(days)
	sched.WorkDays = days
	return nil
}

func (s *Service) AddBlockedDates(ctx context.Context, clinicID string, dates []time.Time) error {
	if len(dates) == 0 {
		return invalidf("at least one date is required")
	}
	if err := s.repo.AddBlockedDates(ctx, clinicID, dates); err != nil {
		return fmt.Errorf("add blocked dates: %w", err)
	}
	return nil
}

func (s *Service) RemoveBlockedDate(ctx context.Context, clinicID string, date time.Time) error {
	if err := s.repo.RemoveBlockedDate(ctx, clinicID, date); err != nil {
		return fmt.Errorf("remove blocked date: %w", err)
	}
	return nil
}

func (s *Service) AddBlockedPeriod(ctx context.Context, clinicID string, p BlockedPeriod) (*BlockedPeriod, error) {
	if p.Start.IsZero() || p.End.IsZero() {
		return nil, invalidf("start and end dates are required")
	}
	if schedule.DateOf(p.End).Before(schedule.DateOf(p.Start)) {
		return nil, invalidf("end date must not be before start date")
	}
	saved, err := s.repo.AddBlockedPeriod(ctx, clinicID, p)
	if err != nil {
		return nil, fmt.Errorf("add blocked period: %w", err)
	}
	return saved, nil
}

func (s *Service) RemoveBlockedPeriod(ctx context.Context, clinicID string, id uuid.UUID) error {
	if err := s.repo.RemoveBlockedPeriod(ctx, clinicID, id); err != nil {
		return fmt.Errorf("remove blocked period: %w", err)
	}
	return nil
}

func (s *Service) CreateTreatment(ctx context.Context, t Treatment) (*Treatment, error) {
	t.Name = strings.TrimSpace(t.Name)
	if strings.TrimSpace(t.ClinicID) == "" {
		return nil, invalidf("clinic_id is required")
	}
	if t.Name == "" {
		return nil, invalidf("name is required")
	}
	if !slices.Contains(AllowedDurations, t.DurationMinutes) {
		return nil, invalidf("duration_minutes must be one of %v", AllowedDurations)
	}
	if t.BasePrice != nil && *t.BasePrice < 0 {
		return nil, invalidf("base_price cannot be negative")
	}

	created, err := s.repo.CreateTreatment(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("create treatment: %w", err)
	}
	return created, nil
}

func (s *Service) ListTreatments(ctx context.Context, clinicID string) ([]Treatment, error) {
	out, err := s.repo.ListTreatments(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list treatments: %w", err)
	}
	return out, nil
}

// ListClinicIDs is used by the reminder sweep.
func (s *Service) ListClinicIDs(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ListClinicIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	return ids, nil
}
