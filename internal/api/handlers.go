package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// handleError maps domain errors onto HTTP statuses. Unknown errors become a
// generic 500 and are logged; their text never reaches the client.
func handleError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, automation.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "not_found", "automation rule not found")
		return
	case errors.Is(err, automation.ErrNoChanges):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	kind := appointment.KindOf(err)
	switch kind {
	case appointment.KindNotFound:
		writeError(w, http.StatusNotFound, kind.String(), err.Error())
	case appointment.KindValidation:
		writeError(w, http.StatusBadRequest, kind.String(), err.Error())
	case appointment.KindConflict:
		writeError(w, http.StatusConflict, kind.String(), err.Error())
	case appointment.KindExternal:
		logger.Error("dependency failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, kind.String(), "a backing service failed, try again later")
	default:
		logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kind.String(), "an unexpected error occurred")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func requireClinic(w http.ResponseWriter, clinicID string) bool {
	if strings.TrimSpace(clinicID) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "clinic_id is required")
		return false
	}
	return true
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// Availability

func availableSlotsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		clinicID := q.Get("clinic_id")
		if !requireClinic(w, clinicID) {
			return
		}
		date, err := schedule.ParseDate(q.Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		treatmentID, err := uuid.Parse(q.Get("treatment_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_treatment_id", "treatment_id must be a valid UUID")
			return
		}

		slots, err := svc.AvailableSlots(r.Context(), clinicID, date, treatmentID, queryBool(r, "allow_double"))
		if err != nil {
			handleError(w, logger, err)
			return
		}

		resp := SlotsResponse{
			Date:           schedule.FormatDate(date),
			AvailableSlots: make([]string, 0, len(slots)),
			TotalAvailable: len(slots),
		}
		for _, s := range slots {
			resp.AvailableSlots = append(resp.AvailableSlots, s.String())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// availableDatesHandler lists open dates: work days that are not blocked.
// available_slots_count carries occupancy, so a fully booked open day is
// still listed with a zero count. include_unavailable=true adds closed days.
func availableDatesHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		clinicID := q.Get("clinic_id")
		if !requireClinic(w, clinicID) {
			return
		}
		treatmentID, err := uuid.Parse(q.Get("treatment_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_treatment_id", "treatment_id must be a valid UUID")
			return
		}
		days := 30
		if v := q.Get("days_ahead"); v != "" {
			days, err = strconv.Atoi(v)
			if err != nil || days < 1 {
				writeError(w, http.StatusBadRequest, "invalid_days_ahead", "days_ahead must be a positive integer")
				return
			}
		}

		dates, err := svc.AvailableDates(r.Context(), clinicID, treatmentID, days)
		if err != nil {
			handleError(w, logger, err)
			return
		}

		all := queryBool(r, "include_unavailable")
		resp := DatesResponse{ClinicID: clinicID, TreatmentID: treatmentID, Dates: []DateEntry{}}
		for _, d := range dates {
			if d.Available {
				resp.TotalAvailableDates++
			}
			if !d.Available && !all {
				continue
			}
			resp.Dates = append(resp.Dates, DateEntry{
				Date:                schedule.FormatDate(d.Date),
				DayName:             d.DayName,
				Available:           d.Available,
				AvailableSlotsCount: d.AvailableSlotsCount,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func availabilitySummaryHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := r.URL.Query().Get("clinic_id")
		if !requireClinic(w, clinicID) {
			return
		}
		s, err := svc.ClinicSchedule(r.Context(), clinicID)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, SummaryResponse{
			ClinicID: s.ClinicID,
			WorkHours: WorkHours{
				Open:       s.OpenTime.String(),
				Close:      s.CloseTime.String(),
				LunchStart: clockPtr(s.LunchStart),
				LunchEnd:   clockPtr(s.LunchEnd),
			},
			WorkDays:               s.WorkDays,
			SlotDuration:           s.SlotMinutes,
			MaxAppointmentsPerDay:  s.MaxAppointmentsPerDay,
			MaxAppointmentsPerSlot: s.MaxAppointmentsPerSlot,
			DoubleBookingEnabled:   s.AllowDoubleBooking,
			OverbookingExtraFee:    s.OverbookingFee,
			OverbookingFeeType:     string(s.OverbookingFeeType),
			BlockedDatesCount:      len(s.BlockedDates),
			BlockedPeriodsCount:    len(s.BlockedPeriods),
		})
	}
}

// Appointments

func createAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if !requireClinic(w, req.ClinicID) {
			return
		}
		date, err := schedule.ParseDate(req.AppointmentDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_date", "appointment_date must be YYYY-MM-DD")
			return
		}
		start, err := schedule.ParseClock(req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be HH:MM")
			return
		}
		if req.TreatmentID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "invalid_treatment_id", "treatment_id is required")
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), appointment.CreateAppointmentInput{
			ClinicID: req.ClinicID,
			Patient: appointment.PatientRef{
				ID:    req.PatientID,
				Name:  req.PatientName,
				Phone: req.PatientPhone,
			},
			Date:             date,
			StartTime:        start,
			TreatmentID:      req.TreatmentID,
			AllowOverbooking: req.AllowOverbooking,
		})
		if err != nil {
			handleError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := appointment.AppointmentFilter{ClinicID: q.Get("clinic_id")}
		if !requireClinic(w, f.ClinicID) {
			return
		}
		if v := q.Get("date"); v != "" {
			d, err := schedule.ParseDate(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
				return
			}
			f.Date = &d
		}
		if v := q.Get("status"); v != "" {
			st := appointment.AppointmentStatus(v)
			switch st {
			case appointment.StatusPending, appointment.StatusConfirmed, appointment.StatusCancelled:
			default:
				writeError(w, http.StatusBadRequest, "invalid_status", "status must be pending, confirmed or cancelled")
				return
			}
			f.Status = &st
		}
		f.Limit, _ = strconv.Atoi(q.Get("limit"))
		f.Offset, _ = strconv.Atoi(q.Get("offset"))

		list, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			handleError(w, logger, err)
			return
		}

		resp := AppointmentListResponse{Appointments: make([]AppointmentResponse, 0, len(list)), Count: len(list)}
		for i := range list {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func appointmentHistoryHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		changes, err := svc.AppointmentHistory(r.Context(), id)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		out := make([]ChangeResponse, 0, len(changes))
		for _, c := range changes {
			out = append(out, toChangeResponse(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"appointment_id": id, "history": out})
	}
}

func rescheduleAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		date, err := schedule.ParseDate(req.NewDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_new_date", "new_date must be YYYY-MM-DD")
			return
		}
		start, err := schedule.ParseClock(req.NewTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_new_time", "new_time must be HH:MM")
			return
		}

		appt, err := svc.RescheduleAppointment(r.Context(), id, date, start)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.ConfirmAppointment(r.Context(), id)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.CancelAppointment(r.Context(), id, r.URL.Query().Get("reason"))
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}
