package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// AvailableSlots returns the bookable start times for a treatment on a date.
// Unknown clinics, unknown treatments and closed or blocked dates all yield an
// empty result rather than an error.
func (s *Service) AvailableSlots(ctx context.Context, clinicID string, date time.Time, treatmentID uuid.UUID, allowOverbooking bool) ([]schedule.Clock, error) {
	sched, err := s.repo.GetClinicSchedule(ctx, clinicID)
	if err != nil {
		if errors.Is(err, ErrClinicNotFound) {
			return []schedule.Clock{}, nil
		}
		return nil, err
	}
	return s.availableForSchedule(ctx, sched, date, treatmentID, allowOverbooking)
}

func (s *Service) availableForSchedule(ctx context.Context, sched *ClinicSchedule, date time.Time, treatmentID uuid.UUID, allowOverbooking bool) ([]schedule.Clock, error) {
	if !sched.IsOpenOn(date) {
		return []schedule.Clock{}, nil
	}

	treatment, err := s.repo.GetTreatment(ctx, sched.ClinicID, treatmentID)
	if err != nil {
		if errors.Is(err, ErrTreatmentNotFound) {
			return []schedule.Clock{}, nil
		}
		return nil, err
	}

	active, err := s.repo.ListActiveAppointments(ctx, sched.ClinicID, date)
	if err != nil {
		return nil, err
	}

	return freeSlots(sched, treatment.DurationMinutes, date, active, allowOverbooking, uuid.Nil), nil
}

// AvailableDates walks daysAhead calendar days starting today in the clinic's
// timezone. daysAhead is clamped to [1, MaxDaysAhead].
func (s *Service) AvailableDates(ctx context.Context, clinicID string, treatmentID uuid.UUID, daysAhead int) ([]DateAvailability, error) {
	sched, err := s.repo.GetClinicSchedule(ctx, clinicID)
	if err != nil {
		if errors.Is(err, ErrClinicNotFound) {
			return []DateAvailability{}, nil
		}
		return nil, err
	}

	daysAhead = max(1, min(daysAhead, s.cfg.MaxDaysAhead))
	today := schedule.Today(s.now(), sched.Timezone)

	out := make([]DateAvailability, 0, daysAhead)
	for _, d := range schedule.EnumerateDates(today, daysAhead) {
		entry := DateAvailability{
			Date:      d,
			DayName:   schedule.WeekdayName(d),
			Available: sched.IsOpenOn(d),
		}
		if entry.Available {
			slots, err := s.availableForSchedule(ctx, sched, d, treatmentID, sched.AllowDoubleBooking)
			if err != nil {
				return nil, err
			}
			entry.AvailableSlotsCount = len(slots)
		}
		out = append(out, entry)
	}
	return out, nil
}

// freeSlots is the pure part of availability: the slot grid minus every start
// time whose non-cancelled occupancy already reached the per-slot maximum.
// exclude drops one appointment from the tally, used when it is being moved.
func freeSlots(sched *ClinicSchedule, duration int, date time.Time, active []Appointment, allowOverbooking bool, exclude uuid.UUID) []schedule.Clock {
	slots := make([]schedule.Clock, 0)
	if !sched.IsOpenOn(date) {
		return slots
	}

	grid := schedule.GenerateSlots(sched.Window(), duration)
	occupied := occupancy(active, exclude)
	maxPerSlot := sched.MaxPerSlot(allowOverbooking || sched.AllowDoubleBooking)

	for _, t := range grid {
		if occupied[t] < maxPerSlot {
			slots = append(slots, t)
		}
	}
	return slots
}

func occupancy(active []Appointment, exclude uuid.UUID) map[schedule.Clock]int {
	counts := make(map[schedule.Clock]int, len(active))
	for _, a := range active {
		if a.Status == StatusCancelled || a.ID == exclude {
			continue
		}
		counts[a.StartTime]++
	}
	return counts
}

// firstFreeIndex returns the lowest slot_index not held by another occupant of
// the start time. Together with the partial unique index it makes a lost race
// surface as ErrSlotTaken instead of a silent over-capacity row.
func firstFreeIndex(active []Appointment, start schedule.Clock, exclude uuid.UUID) int {
	used := make(map[int]bool)
	for _, a := range active {
		if a.Status == StatusCancelled || a.ID == exclude || a.StartTime != start {
			continue
		}
		used[a.SlotIndex] = true
	}
	idx := 0
	for used[idx] {
		idx++
	}
	return idx
}

func containsClock(slots []schedule.Clock, c schedule.Clock) bool {
	for _, s := range slots {
		if s == c {
			return true
		}
	}
	return false
}
