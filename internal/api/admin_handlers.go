package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// Clinic settings

func getClinicSettingsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := svc.ClinicScheduleOrDefault(r.Context(), chi.URLParam(r, "clinic_id"))
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingsResponse(s))
	}
}

func updateClinicSettingsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinic_id")
		var req UpdateClinicSettingsRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		current, err := svc.ClinicScheduleOrDefault(r.Context(), clinicID)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		next, field, err := applySettings(*current, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be HH:MM")
			return
		}

		saved, err := svc.SaveClinicSchedule(r.Context(), next)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingsResponse(saved))
	}
}

// applySettings overlays req on s. On a malformed clock it reports the
// offending field.
func applySettings(s appointment.ClinicSchedule, req UpdateClinicSettingsRequest) (appointment.ClinicSchedule, string, error) {
	clocks := []struct {
		name string
		in   *string
		set  func(schedule.Clock)
	}{
		{"open_time", req.OpenTime, func(c schedule.Clock) { s.OpenTime = c }},
		{"close_time", req.CloseTime, func(c schedule.Clock) { s.CloseTime = c }},
		{"lunch_start", req.LunchStart, func(c schedule.Clock) { s.LunchStart = &c }},
		{"lunch_end", req.LunchEnd, func(c schedule.Clock) { s.LunchEnd = &c }},
	}
	for _, f := range clocks {
		if f.in == nil {
			continue
		}
		c, err := schedule.ParseClock(*f.in)
		if err != nil {
			return s, f.name, err
		}
		f.set(c)
	}
	if req.ClearLunch {
		s.LunchStart, s.LunchEnd = nil, nil
	}

	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.Timezone != nil {
		s.Timezone = *req.Timezone
	}
	if req.WorkDays != nil {
		s.WorkDays = req.WorkDays
	}
	if req.SlotDuration != nil {
		s.SlotMinutes = *req.SlotDuration
	}
	if req.MaxAppointmentsPerDay != nil {
		s.MaxAppointmentsPerDay = *req.MaxAppointmentsPerDay
	}
	if req.MaxAppointmentsPerSlot != nil {
		s.MaxAppointmentsPerSlot = *req.MaxAppointmentsPerSlot
	}
	if req.OverbookingExtraFee != nil {
		s.OverbookingFee = *req.OverbookingExtraFee
	}
	if req.OverbookingFeeType != nil {
		s.OverbookingFeeType = appointment.FeeType(*req.OverbookingFeeType)
	}
	if req.DoubleBookingEnabled != nil {
		s.AllowDoubleBooking = *req.DoubleBookingEnabled
	}
	if req.ConfirmationRequired != nil {
		s.ConfirmationRequired = *req.ConfirmationRequired
	}
	return s, "", nil
}

func addBlockedDatesHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinic_id")
		var req BlockedDatesRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		dates := make([]time.Time, 0, len(req.Dates))
		for _, raw := range req.Dates {
			d, err := schedule.ParseDate(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
				return
			}
			dates = append(dates, d)
		}
		if err := svc.AddBlockedDates(r.Context(), clinicID, dates); err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"clinic_id": clinicID, "added": len(dates)})
	}
}

func removeBlockedDateHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinic_id")
		d, err := schedule.ParseDate(chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
			return
		}
		if err := svc.RemoveBlockedDate(r.Context(), clinicID, d); err != nil {
			handleError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func addBlockedPeriodHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinic_id")
		var req BlockedPeriodDTO
		if !decodeJSON(w, r, &req) {
			return
		}
		start, err := schedule.ParseDate(req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date", err.Error())
			return
		}
		end, err := schedule.ParseDate(req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date", err.Error())
			return
		}
		p, err := svc.AddBlockedPeriod(r.Context(), clinicID, appointment.BlockedPeriod{Start: start, End: end, Reason: req.Reason})
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBlockedPeriodDTO(*p))
	}
}

func removeBlockedPeriodHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "period_id")
		if !ok {
			return
		}
		if err := svc.RemoveBlockedPeriod(r.Context(), chi.URLParam(r, "clinic_id"), id); err != nil {
			handleError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Treatments

func createTreatmentHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTreatmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		t, err := svc.CreateTreatment(r.Context(), appointment.Treatment{
			ClinicID:        req.ClinicID,
			Name:            req.Name,
			DurationMinutes: req.DurationMinutes,
			BasePrice:       req.BasePrice,
		})
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toTreatmentResponse(t))
	}
}

func listTreatmentsHandler(svc BookingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := r.URL.Query().Get("clinic_id")
		if !requireClinic(w, clinicID) {
			return
		}
		list, err := svc.ListTreatments(r.Context(), clinicID)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		out := make([]TreatmentResponse, 0, len(list))
		for i := range list {
			out = append(out, toTreatmentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"treatments": out, "count": len(out)})
	}
}

// Automations

func listRulesHandler(svc AutomationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := svc.ListRules(r.Context(), r.URL.Query().Get("clinic_id"))
		if err != nil {
			handleError(w, logger, err)
			return
		}
		out := make([]RuleResponse, 0, len(rules))
		for i := range rules {
			out = append(out, toRuleResponse(&rules[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"automations": out, "count": len(out)})
	}
}

func createRuleHandler(svc AutomationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RuleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		rule, err := svc.CreateRule(r.Context(), automation.Rule{
			ClinicID: req.ClinicID,
			Name:     req.Name,
			Trigger:  req.Trigger,
			Channel:  automation.Channel(req.Channel),
			Template: req.Template,
			Target:   req.Target,
			Enabled:  enabled,
		})
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRuleResponse(rule))
	}
}

func updateRuleHandler(svc AutomationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RulePatchRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		u := automation.RuleUpdate{
			Name:     req.Name,
			Trigger:  req.Trigger,
			Template: req.Template,
			Target:   req.Target,
			Enabled:  req.Enabled,
		}
		if req.Channel != nil {
			ch := automation.Channel(*req.Channel)
			u.Channel = &ch
		}
		rule, err := svc.UpdateRule(r.Context(), id, u)
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRuleResponse(rule))
	}
}

func deleteRuleHandler(svc AutomationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if err := svc.DeleteRule(r.Context(), id); err != nil {
			handleError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// runAutomationHandler fires rules by hand, either for one appointment or
// for every pending appointment of a clinic on a date.
func runAutomationHandler(svc AutomationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunAutomationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Trigger == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "trigger is required")
			return
		}

		var (
			msgs []automation.Message
			err  error
		)
		switch {
		case req.AppointmentID != nil:
			msgs, err = svc.RunForAppointment(r.Context(), req.Trigger, *req.AppointmentID)
		case req.Date != "":
			if !requireClinic(w, req.ClinicID) {
				return
			}
			date, perr := schedule.ParseDate(req.Date)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", perr.Error())
				return
			}
			msgs, err = svc.RunForDate(r.Context(), req.ClinicID, req.Trigger, date)
		default:
			writeError(w, http.StatusBadRequest, "validation_error", "appointment_id or date is required")
			return
		}
		if err != nil {
			handleError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toMessageResponses(msgs))
	}
}

// Realtime

func activeViewersHandler(hub Viewers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := r.URL.Query().Get("clinic_id")
		if clinicID == "" {
			clinicID = "default"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"clinic_id":          clinicID,
			"active_connections": hub.ActiveConnections(clinicID),
		})
	}
}
