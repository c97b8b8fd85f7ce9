package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrClinicNotFound        = errors.New("clinic not found")
	ErrTreatmentNotFound     = errors.New("treatment not found")
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrPatientNotFound       = errors.New("patient not found")
	ErrBlockedPeriodNotFound = errors.New("blocked period not found")

	ErrPatientNotRegistered = errors.New("patient not registered")
	ErrInvalidInput         = errors.New("invalid input")

	ErrSlotUnavailable         = errors.New("slot unavailable")
	ErrDailyLimitReached       = errors.New("daily limit reached")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrSlotBeingBooked         = errors.New("slot is currently being booked, please retry")

	// ErrSlotTaken is returned by the repository when the unique slot index
	// constraint rejects an insert. The coordinator retries with the next index.
	ErrSlotTaken = errors.New("slot index already taken")

	ErrStorage = errors.New("storage failure")
)

// Kind classifies an error for callers that need to map it onto a transport
// status without knowing every sentinel.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external_service_error"
	default:
		return "internal_error"
	}
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrClinicNotFound),
		errors.Is(err, ErrTreatmentNotFound),
		errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrBlockedPeriodNotFound):
		return KindNotFound
	case errors.Is(err, ErrPatientNotRegistered),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrSlotUnavailable),
		errors.Is(err, ErrDailyLimitReached),
		errors.Is(err, ErrInvalidStatusTransition),
		errors.Is(err, ErrSlotBeingBooked),
		errors.Is(err, ErrSlotTaken):
		return KindConflict
	case errors.Is(err, ErrStorage):
		return KindExternal
	default:
		return KindInternal
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
