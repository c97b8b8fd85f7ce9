package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Appointments

type CreateAppointmentRequest struct {
	ClinicID         string     `json:"clinic_id"`
	PatientID        *uuid.UUID `json:"patient_id,omitempty"`
	PatientName      string     `json:"patient_name"`
	PatientPhone     string     `json:"patient_phone"`
	AppointmentDate  string     `json:"appointment_date"`
	StartTime        string     `json:"start_time"`
	TreatmentID      uuid.UUID  `json:"treatment_id"`
	AllowOverbooking bool       `json:"allow_overbooking"`
}

type RescheduleRequest struct {
	NewDate string `json:"new_date"`
	NewTime string `json:"new_time"`
}

type AppointmentResponse struct {
	ID                   uuid.UUID `json:"id"`
	ClinicID             string    `json:"clinic_id"`
	PatientID            uuid.UUID `json:"patient_id"`
	PatientName          string    `json:"patient_name"`
	PatientPhone         string    `json:"patient_phone,omitempty"`
	TreatmentID          uuid.UUID `json:"treatment_id"`
	AppointmentDate      string    `json:"appointment_date"`
	StartTime            string    `json:"start_time"`
	EndTime              string    `json:"end_time"`
	SlotIndex            int       `json:"slot_index"`
	Status               string    `json:"status"`
	Overbooked           bool      `json:"overbooked"`
	ExtraFee             float64   `json:"extra_fee"`
	ConfirmationRequired bool      `json:"confirmation_required"`
	CancellationReason   *string   `json:"cancellation_reason,omitempty"`
	ReminderSent         bool      `json:"reminder_sent"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                   a.ID,
		ClinicID:             a.ClinicID,
		PatientID:            a.PatientID,
		PatientName:          a.PatientName,
		PatientPhone:         a.PatientPhone,
		TreatmentID:          a.TreatmentID,
		AppointmentDate:      schedule.FormatDate(a.Date),
		StartTime:            a.StartTime.String(),
		EndTime:              a.EndTime.String(),
		SlotIndex:            a.SlotIndex,
		Status:               string(a.Status),
		Overbooked:           a.Overbooked,
		ExtraFee:             a.ExtraFee,
		ConfirmationRequired: a.ConfirmationRequired,
		CancellationReason:   a.CancellationReason,
		ReminderSent:         a.ReminderSent,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

type AppointmentListResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
}

type ChangeResponse struct {
	Event      string          `json:"event"`
	FromStatus *string         `json:"from_status"`
	ToStatus   string          `json:"to_status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ChangedAt  time.Time       `json:"changed_at"`
}

func toChangeResponse(c appointment.AppointmentChange) ChangeResponse {
	resp := ChangeResponse{
		Event:     c.Event,
		ToStatus:  string(c.ToStatus),
		ChangedAt: c.ChangedAt,
	}
	if c.FromStatus != nil {
		from := string(*c.FromStatus)
		resp.FromStatus = &from
	}
	if len(c.Payload) > 0 {
		resp.Payload = json.RawMessage(c.Payload)
	}
	return resp
}

// Availability

type SlotsResponse struct {
	Date           string   `json:"date"`
	AvailableSlots []string `json:"available_slots"`
	TotalAvailable int      `json:"total_available"`
}

type DateEntry struct {
	Date                string `json:"date"`
	DayName             string `json:"day_name"`
	Available           bool   `json:"available"`
	AvailableSlotsCount int    `json:"available_slots_count"`
}

type DatesResponse struct {
	ClinicID            string      `json:"clinic_id"`
	TreatmentID         uuid.UUID   `json:"treatment_id"`
	Dates               []DateEntry `json:"dates"`
	TotalAvailableDates int         `json:"total_available_dates"`
}

type WorkHours struct {
	Open       string  `json:"open"`
	Close      string  `json:"close"`
	LunchStart *string `json:"lunch_start"`
	LunchEnd   *string `json:"lunch_end"`
}

type SummaryResponse struct {
	ClinicID               string    `json:"clinic_id"`
	WorkHours              WorkHours `json:"work_hours"`
	WorkDays               []int     `json:"work_days"`
	SlotDuration           int       `json:"slot_duration"`
	MaxAppointmentsPerDay  int       `json:"max_appointments_per_day"`
	MaxAppointmentsPerSlot int       `json:"max_appointments_per_slot"`
	DoubleBookingEnabled   bool      `json:"double_booking_enabled"`
	OverbookingExtraFee    float64   `json:"overbooking_extra_fee"`
	OverbookingFeeType     string    `json:"overbooking_fee_type"`
	BlockedDatesCount      int       `json:"blocked_dates_count"`
	BlockedPeriodsCount    int       `json:"blocked_periods_count"`
}

func clockPtr(c *schedule.Clock) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}

// Clinic settings

type BlockedPeriodDTO struct {
	ID        uuid.UUID `json:"id,omitempty"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Reason    string    `json:"reason,omitempty"`
}

type ClinicSettingsResponse struct {
	ClinicID               string             `json:"clinic_id"`
	Name                   string             `json:"name"`
	Timezone               string             `json:"timezone"`
	OpenTime               string             `json:"open_time"`
	CloseTime              string             `json:"close_time"`
	LunchStart             *string            `json:"lunch_start"`
	LunchEnd               *string            `json:"lunch_end"`
	WorkDays               []int              `json:"work_days"`
	SlotDuration           int                `json:"slot_duration"`
	MaxAppointmentsPerDay  int                `json:"max_appointments_per_day"`
	MaxAppointmentsPerSlot int                `json:"max_appointments_per_slot"`
	OverbookingExtraFee    float64            `json:"overbooking_extra_fee"`
	OverbookingFeeType     string             `json:"overbooking_fee_type"`
	DoubleBookingEnabled   bool               `json:"double_booking_enabled"`
	ConfirmationRequired   bool               `json:"confirmation_required"`
	BlockedDates           []string           `json:"blocked_dates"`
	BlockedPeriods         []BlockedPeriodDTO `json:"blocked_periods"`
}

func toSettingsResponse(s *appointment.ClinicSchedule) ClinicSettingsResponse {
	resp := ClinicSettingsResponse{
		ClinicID:               s.ClinicID,
		Name:                   s.Name,
		Timezone:               s.Timezone,
		OpenTime:               s.OpenTime.String(),
		CloseTime:              s.CloseTime.String(),
		LunchStart:             clockPtr(s.LunchStart),
		LunchEnd:               clockPtr(s.LunchEnd),
		WorkDays:               s.WorkDays,
		SlotDuration:           s.SlotMinutes,
		MaxAppointmentsPerDay:  s.MaxAppointmentsPerDay,
		MaxAppointmentsPerSlot: s.MaxAppointmentsPerSlot,
		OverbookingExtraFee:    s.OverbookingFee,
		OverbookingFeeType:     string(s.OverbookingFeeType),
		DoubleBookingEnabled:   s.AllowDoubleBooking,
		ConfirmationRequired:   s.ConfirmationRequired,
		BlockedDates:           make([]string, 0, len(s.BlockedDates)),
		BlockedPeriods:         make([]BlockedPeriodDTO, 0, len(s.BlockedPeriods)),
	}
	if resp.WorkDays == nil {
		resp.WorkDays = []int{}
	}
	for _, d := range s.BlockedDates {
		resp.BlockedDates = append(resp.BlockedDates, schedule.FormatDate(d))
	}
	for _, p := range s.BlockedPeriods {
		resp.BlockedPeriods = append(resp.BlockedPeriods, toBlockedPeriodDTO(p))
	}
	return resp
}

func toBlockedPeriodDTO(p appointment.BlockedPeriod) BlockedPeriodDTO {
	return BlockedPeriodDTO{
		ID:        p.ID,
		StartDate: schedule.FormatDate(p.Start),
		EndDate:   schedule.FormatDate(p.End),
		Reason:    p.Reason,
	}
}

// UpdateClinicSettingsRequest overlays the supplied fields on the stored
// settings, or on the defaults for a clinic without any. Lunch can be
// cleared with clear_lunch.
type UpdateClinicSettingsRequest struct {
	Name                   *string  `json:"name"`
	Timezone               *string  `json:"timezone"`
	OpenTime               *string  `json:"open_time"`
	CloseTime              *string  `json:"close_time"`
	LunchStart             *string  `json:"lunch_start"`
	LunchEnd               *string  `json:"lunch_end"`
	ClearLunch             bool     `json:"clear_lunch"`
	WorkDays               []int    `json:"work_days"`
	SlotDuration           *int     `json:"slot_duration"`
	MaxAppointmentsPerDay  *int     `json:"max_appointments_per_day"`
	MaxAppointmentsPerSlot *int     `json:"max_appointments_per_slot"`
	OverbookingExtraFee    *float64 `json:"overbooking_extra_fee"`
	OverbookingFeeType     *string  `json:"overbooking_fee_type"`
	DoubleBookingEnabled   *bool    `json:"double_booking_enabled"`
	ConfirmationRequired   *bool    `json:"confirmation_required"`
}

type BlockedDatesRequest struct {
	Dates []string `json:"dates"`
}

// Treatments

type CreateTreatmentRequest struct {
	ClinicID        string   `json:"clinic_id"`
	Name            string   `json:"name"`
	DurationMinutes int      `json:"duration_minutes"`
	BasePrice       *float64 `json:"base_price"`
}

type TreatmentResponse struct {
	ID              uuid.UUID `json:"id"`
	ClinicID        string    `json:"clinic_id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
	BasePrice       *float64  `json:"base_price"`
	CreatedAt       time.Time `json:"created_at"`
}

func toTreatmentResponse(t *appointment.Treatment) TreatmentResponse {
	return TreatmentResponse{
		ID:              t.ID,
		ClinicID:        t.ClinicID,
		Name:            t.Name,
		DurationMinutes: t.DurationMinutes,
		BasePrice:       t.BasePrice,
		CreatedAt:       t.CreatedAt,
	}
}

// Automations

type RuleRequest struct {
	ClinicID string  `json:"clinic_id"`
	Name     string  `json:"name"`
	Trigger  string  `json:"trigger"`
	Channel  string  `json:"channel"`
	Template string  `json:"template"`
	Target   *string `json:"target"`
	Enabled  *bool   `json:"enabled"`
}

type RulePatchRequest struct {
	Name     *string `json:"name"`
	Trigger  *string `json:"trigger"`
	Channel  *string `json:"channel"`
	Template *string `json:"template"`
	Target   *string `json:"target"`
	Enabled  *bool   `json:"enabled"`
}

type RuleResponse struct {
	ID        uuid.UUID `json:"id"`
	ClinicID  string    `json:"clinic_id"`
	Name      string    `json:"name"`
	Trigger   string    `json:"trigger"`
	Channel   string    `json:"channel"`
	Template  string    `json:"template"`
	Target    *string   `json:"target"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRuleResponse(r *automation.Rule) RuleResponse {
	return RuleResponse{
		ID:        r.ID,
		ClinicID:  r.ClinicID,
		Name:      r.Name,
		Trigger:   r.Trigger,
		Channel:   string(r.Channel),
		Template:  r.Template,
		Target:    r.Target,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type RunAutomationRequest struct {
	AppointmentID *uuid.UUID `json:"appointment_id"`
	ClinicID      string     `json:"clinic_id"`
	Date          string     `json:"date"`
	Trigger       string     `json:"trigger"`
}

type MessageResponse struct {
	ID            uuid.UUID  `json:"id"`
	ThreadID      uuid.UUID  `json:"thread_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	RuleID        *uuid.UUID `json:"rule_id,omitempty"`
	Channel       string     `json:"channel"`
	Body          string     `json:"body"`
	Target        *string    `json:"target,omitempty"`
	Status        string     `json:"status"`
	Error         *string    `json:"error,omitempty"`
}

type RunAutomationResponse struct {
	Messages []MessageResponse `json:"messages"`
	Count    int               `json:"count"`
}

func toMessageResponses(msgs []automation.Message) RunAutomationResponse {
	out := RunAutomationResponse{Messages: make([]MessageResponse, 0, len(msgs)), Count: len(msgs)}
	for _, m := range msgs {
		out.Messages = append(out.Messages, MessageResponse{
			ID:            m.ID,
			ThreadID:      m.ThreadID,
			AppointmentID: m.AppointmentID,
			RuleID:        m.RuleID,
			Channel:       string(m.Channel),
			Body:          m.Body,
			Target:        m.Target,
			Status:        string(m.Status),
			Error:         m.Error,
		})
	}
	return out
}
