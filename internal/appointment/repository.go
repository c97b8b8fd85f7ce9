package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// Repository contains all DB interactions needed by the availability engine
// and the booking coordinator. Lookups signal absence with the package's
// not-found sentinels; every other failure wraps ErrStorage.
type Repository interface {
	// Clinic configuration
	GetClinicSchedule(ctx context.Context, clinicID string) (*ClinicSchedule, error)
	UpsertClinicSchedule(ctx context.Context, s ClinicSchedule) (*ClinicSchedule, error)
	ListClinicIDs(ctx context.Context) ([]string, error)
	AddBlockedDates(ctx context.Context, clinicID string, dates []time.Time) error
	RemoveBlockedDate(ctx context.Context, clinicID string, date time.Time) error
	AddBlockedPeriod(ctx context.Context, clinicID string, p BlockedPeriod) (*BlockedPeriod, error)
	RemoveBlockedPeriod(ctx context.Context, clinicID string, id uuid.UUID) error

	// Catalogue
	GetTreatment(ctx context.Context, clinicID string, id uuid.UUID) (*Treatment, error)
	ListTreatments(ctx context.Context, clinicID string) ([]Treatment, error)
	CreateTreatment(ctx context.Context, t Treatment) (*Treatment, error)
	GetPatientByID(ctx context.Context, clinicID string, id uuid.UUID) (*Patient, error)
	FindPatientByName(ctx context.Context, clinicID, name string) (*Patient, error)

	// Appointments
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListActiveAppointments(ctx context.Context, clinicID string, date time.Time) ([]Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start, end schedule.Clock, slotIndex int) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error)

	// History
	InsertChange(ctx context.Context, c AppointmentChange) error
	ListChanges(ctx context.Context, appointmentID uuid.UUID) ([]AppointmentChange, error)
}
