package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

type FeeType string

const (
	FeeFixed   FeeType = "fixed"
	FeePercent FeeType = "percent"
)

// Lifecycle events. They double as automation triggers and realtime event names.
const (
	EventAppointmentCreated     = "appointment_created"
	EventAppointmentConfirmed   = "appointment_confirmed"
	EventAppointmentRescheduled = "appointment_rescheduled"
	EventAppointmentCancelled   = "appointment_cancelled"
)

// AllowedDurations lists the treatment lengths, in minutes, a clinic may configure.
var AllowedDurations = []int{10, 15, 20, 25, 30, 45, 60, 90, 120}

const (
	DefaultMaxAppointmentsPerSlot = 2
	DefaultMaxAppointmentsPerDay  = 20
)

type BlockedPeriod struct {
	ID     uuid.UUID
	Start  time.Time
	End    time.Time
	Reason string
}

// ClinicSchedule is the per-tenant calendar configuration.
type ClinicSchedule struct {
	ClinicID               string
	Name                   string
	Timezone               string
	OpenTime               schedule.Clock
	CloseTime              schedule.Clock
	LunchStart             *schedule.Clock
	LunchEnd               *schedule.Clock
	WorkDays               []int
	SlotMinutes            int
	MaxAppointmentsPerDay  int
	MaxAppointmentsPerSlot int
	OverbookingFee         float64
	OverbookingFeeType     FeeType
	AllowDoubleBooking     bool
	ConfirmationRequired   bool
	BlockedDates           []time.Time
	BlockedPeriods         []BlockedPeriod
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DefaultClinicSchedule returns the configuration a new clinic starts with.
func DefaultClinicSchedule(clinicID string) ClinicSchedule {
	return ClinicSchedule{
		ClinicID:               clinicID,
		Timezone:               "UTC",
		OpenTime:               schedule.NewClock(9, 0),
		CloseTime:              schedule.NewClock(18, 0),
		WorkDays:               []int{0, 1, 2, 3, 4},
		SlotMinutes:            30,
		MaxAppointmentsPerDay:  DefaultMaxAppointmentsPerDay,
		MaxAppointmentsPerSlot: DefaultMaxAppointmentsPerSlot,
		OverbookingFeeType:     FeeFixed,
		ConfirmationRequired:   true,
	}
}

func (s *ClinicSchedule) Window() schedule.Window {
	return schedule.Window{
		Open:       s.OpenTime,
		Close:      s.CloseTime,
		LunchStart: s.LunchStart,
		LunchEnd:   s.LunchEnd,
	}
}

func (s *ClinicSchedule) Periods() []schedule.Period {
	out := make([]schedule.Period, 0, len(s.BlockedPeriods))
	for _, p := range s.BlockedPeriods {
		out = append(out, schedule.Period{Start: p.Start, End: p.End})
	}
	return out
}

// IsOpenOn reports whether the date is a work day that is not blocked.
func (s *ClinicSchedule) IsOpenOn(date time.Time) bool {
	return schedule.IsWorkDay(s.WorkDays, date) &&
		!schedule.IsDateBlocked(s.BlockedDates, s.Periods(), date)
}

// MaxPerSlot is 1 unless overbooking is enabled, in which case the clinic's
// per-slot maximum applies.
func (s *ClinicSchedule) MaxPerSlot(allowOverbooking bool) int {
	if !allowOverbooking {
		return 1
	}
	if s.MaxAppointmentsPerSlot <= 0 {
		return DefaultMaxAppointmentsPerSlot
	}
	return s.MaxAppointmentsPerSlot
}

type Treatment struct {
	ID              uuid.UUID
	ClinicID        string
	Name            string
	DurationMinutes int
	BasePrice       *float64
	CreatedAt       time.Time
}

type Patient struct {
	ID        uuid.UUID
	ClinicID  string
	Name      string
	Phone     *string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PatientRef identifies the patient a booking is for, either by id or by
// registered name.
type PatientRef struct {
	ID    *uuid.UUID
	Name  string
	Phone string
}

type Appointment struct {
	ID                   uuid.UUID
	ClinicID             string
	PatientID            uuid.UUID
	PatientName          string
	PatientPhone         string
	TreatmentID          uuid.UUID
	Date                 time.Time
	StartTime            schedule.Clock
	EndTime              schedule.Clock
	SlotIndex            int
	Status               AppointmentStatus
	Overbooked           bool
	ExtraFee             float64
	ConfirmationRequired bool
	CancellationReason   *string
	ReminderSent         bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AppointmentChange is one row of an appointment's history.
type AppointmentChange struct {
	ID            int64
	AppointmentID uuid.UUID
	ClinicID      string
	Event         string
	FromStatus    *AppointmentStatus
	ToStatus      AppointmentStatus
	Payload       []byte
	ChangedAt     time.Time
}

type AppointmentFilter struct {
	ClinicID string
	Date     *time.Time
	Status   *AppointmentStatus
	Limit    int
	Offset   int
}

// DateAvailability is one entry of the available dates listing.
type DateAvailability struct {
	Date                time.Time
	DayName             string
	Available           bool
	AvailableSlotsCount int
}
