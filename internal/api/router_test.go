package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/automation"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// stubBooking implements only what each test sets; anything else panics via
// the nil embedded interface.
type stubBooking struct {
	BookingService

	create     func(context.Context, appointment.CreateAppointmentInput) (*appointment.Appointment, error)
	get        func(context.Context, uuid.UUID) (*appointment.Appointment, error)
	cancel     func(context.Context, uuid.UUID, string) (*appointment.Appointment, error)
	reschedule func(context.Context, uuid.UUID, time.Time, schedule.Clock) (*appointment.Appointment, error)
	list       func(context.Context, appointment.AppointmentFilter) ([]appointment.Appointment, error)
	slots      func(context.Context, string, time.Time, uuid.UUID, bool) ([]schedule.Clock, error)
	dates      func(context.Context, string, uuid.UUID, int) ([]appointment.DateAvailability, error)
	sched      func(context.Context, string) (*appointment.ClinicSchedule, error)
	save       func(context.Context, appointment.ClinicSchedule) (*appointment.ClinicSchedule, error)
}

func (s *stubBooking) CreateAppointment(ctx context.Context, in appointment.CreateAppointmentInput) (*appointment.Appointment, error) {
	return s.create(ctx, in)
}

func (s *stubBooking) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.get(ctx, id)
}

func (s *stubBooking) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error) {
	return s.cancel(ctx, id, reason)
}

func (s *stubBooking) RescheduleAppointment(ctx context.Context, id uuid.UUID, d time.Time, c schedule.Clock) (*appointment.Appointment, error) {
	return s.reschedule(ctx, id, d, c)
}

func (s *stubBooking) ListAppointments(ctx context.Context, f appointment.AppointmentFilter) ([]appointment.Appointment, error) {
	return s.list(ctx, f)
}

func (s *stubBooking) AvailableSlots(ctx context.Context, clinicID string, d time.Time, t uuid.UUID, allow bool) ([]schedule.Clock, error) {
	return s.slots(ctx, clinicID, d, t, allow)
}

func (s *stubBooking) AvailableDates(ctx context.Context, clinicID string, t uuid.UUID, days int) ([]appointment.DateAvailability, error) {
	return s.dates(ctx, clinicID, t, days)
}

func (s *stubBooking) ClinicSchedule(ctx context.Context, clinicID string) (*appointment.ClinicSchedule, error) {
	return s.sched(ctx, clinicID)
}

func (s *stubBooking) ClinicScheduleOrDefault(ctx context.Context, clinicID string) (*appointment.ClinicSchedule, error) {
	return s.sched(ctx, clinicID)
}

func (s *stubBooking) SaveClinicSchedule(ctx context.Context, sc appointment.ClinicSchedule) (*appointment.ClinicSchedule, error) {
	return s.save(ctx, sc)
}

type stubAutomation struct {
	AutomationService

	update  func(context.Context, uuid.UUID, automation.RuleUpdate) (*automation.Rule, error)
	runDate func(context.Context, string, string, time.Time) ([]automation.Message, error)
}

func (s *stubAutomation) UpdateRule(ctx context.Context, id uuid.UUID, u automation.RuleUpdate) (*automation.Rule, error) {
	return s.update(ctx, id, u)
}

func (s *stubAutomation) RunForDate(ctx context.Context, clinicID, trigger string, d time.Time) ([]automation.Message, error) {
	return s.runDate(ctx, clinicID, trigger, d)
}

func newTestRouter(svc BookingService, auto AutomationService) http.Handler {
	return NewRouter(RouterConfig{
		Service:    svc,
		Automation: auto,
		Metrics:    http.NotFoundHandler(),
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func sampleAppointment() *appointment.Appointment {
	return &appointment.Appointment{
		ID:          uuid.New(),
		ClinicID:    "clinic-1",
		PatientID:   uuid.New(),
		PatientName: "Ana",
		TreatmentID: uuid.New(),
		Date:        time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		StartTime:   schedule.MustClock("09:00"),
		EndTime:     schedule.MustClock("09:30"),
		Status:      appointment.StatusPending,
	}
}

func TestCreateAppointment(t *testing.T) {
	treatment := uuid.New()
	var got appointment.CreateAppointmentInput
	var origin string
	svc := &stubBooking{create: func(ctx context.Context, in appointment.CreateAppointmentInput) (*appointment.Appointment, error) {
		got = in
		origin = appointment.OriginFrom(ctx)
		return sampleAppointment(), nil
	}}

	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", map[string]any{
		"clinic_id":         "clinic-1",
		"patient_name":      "Ana",
		"patient_phone":     "+15550100",
		"appointment_date":  "2026-03-02",
		"start_time":        "09:00",
		"treatment_id":      treatment,
		"allow_overbooking": true,
	}, "X-Connection-ID", "conn-7")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "clinic-1", got.ClinicID)
	assert.Equal(t, "Ana", got.Patient.Name)
	assert.Nil(t, got.Patient.ID)
	assert.Equal(t, schedule.MustClock("09:00"), got.StartTime)
	assert.Equal(t, treatment, got.TreatmentID)
	assert.True(t, got.AllowOverbooking)
	assert.Equal(t, "conn-7", origin)

	var resp AppointmentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "2026-03-02", resp.AppointmentDate)
	assert.Equal(t, "09:00", resp.StartTime)
	assert.Equal(t, "09:30", resp.EndTime)
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateAppointmentRejectsMalformedInput(t *testing.T) {
	svc := &stubBooking{}
	h := newTestRouter(svc, nil)

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing clinic", map[string]any{"appointment_date": "2026-03-02", "start_time": "09:00"}, "validation_error"},
		{"bad date", map[string]any{"clinic_id": "c", "appointment_date": "02/03/2026", "start_time": "09:00"}, "invalid_appointment_date"},
		{"bad time", map[string]any{"clinic_id": "c", "appointment_date": "2026-03-02", "start_time": "9am"}, "invalid_start_time"},
		{"no treatment", map[string]any{"clinic_id": "c", "appointment_date": "2026-03-02", "start_time": "09:00"}, "invalid_treatment_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/appointments", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Error)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorKindsMapToStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrAppointmentNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: bad", appointment.ErrInvalidInput), http.StatusBadRequest, "validation_error"},
		{appointment.ErrSlotUnavailable, http.StatusConflict, "conflict"},
		{appointment.ErrDailyLimitReached, http.StatusConflict, "conflict"},
		{appointment.ErrInvalidStatusTransition, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: timeout", appointment.ErrStorage), http.StatusBadGateway, "external_service_error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.err.Error(), func(t *testing.T) {
			svc := &stubBooking{get: func(context.Context, uuid.UUID) (*appointment.Appointment, error) {
				return nil, tc.err
			}}
			rec := do(t, newTestRouter(svc, nil), http.MethodGet, "/appointments/"+uuid.NewString(), nil)
			require.Equal(t, tc.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tc.code, resp.Error)
			if tc.status >= 500 {
				assert.NotContains(t, resp.Details, tc.err.Error())
			}
		})
	}
}

func TestAppointmentPathIDMustBeUUID(t *testing.T) {
	rec := do(t, newTestRouter(&stubBooking{}, nil), http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeError(t, rec).Error)
}

func TestCancelPassesReason(t *testing.T) {
	var reason string
	svc := &stubBooking{cancel: func(_ context.Context, _ uuid.UUID, r string) (*appointment.Appointment, error) {
		reason = r
		a := sampleAppointment()
		a.Status = appointment.StatusCancelled
		a.CancellationReason = &r
		return a, nil
	}}
	rec := do(t, newTestRouter(svc, nil), http.MethodDelete, "/appointments/"+uuid.NewString()+"?reason=sick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sick", reason)

	var resp AppointmentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "cancelled", resp.Status)
	require.NotNil(t, resp.CancellationReason)
	assert.Equal(t, "sick", *resp.CancellationReason)
}

func TestReschedule(t *testing.T) {
	var gotDate time.Time
	var gotTime schedule.Clock
	svc := &stubBooking{reschedule: func(_ context.Context, _ uuid.UUID, d time.Time, c schedule.Clock) (*appointment.Appointment, error) {
		gotDate, gotTime = d, c
		return sampleAppointment(), nil
	}}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPatch, "/appointments/"+uuid.NewString()+"/reschedule", RescheduleRequest{NewDate: "2026-03-04", NewTime: "14:30"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-03-04", schedule.FormatDate(gotDate))
	assert.Equal(t, schedule.MustClock("14:30"), gotTime)

	rec = do(t, h, http.MethodPatch, "/appointments/"+uuid.NewString()+"/reschedule", RescheduleRequest{NewDate: "2026-03-04", NewTime: "25:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAppointmentsFilters(t *testing.T) {
	var got appointment.AppointmentFilter
	svc := &stubBooking{list: func(_ context.Context, f appointment.AppointmentFilter) ([]appointment.Appointment, error) {
		got = f
		return []appointment.Appointment{*sampleAppointment()}, nil
	}}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/appointments?clinic_id=clinic-1&date=2026-03-02&status=confirmed&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.Date)
	assert.Equal(t, "2026-03-02", schedule.FormatDate(*got.Date))
	require.NotNil(t, got.Status)
	assert.Equal(t, appointment.StatusConfirmed, *got.Status)
	assert.Equal(t, 5, got.Limit)

	var resp AppointmentListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)

	rec = do(t, h, http.MethodGet, "/appointments?clinic_id=clinic-1&status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/appointments", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailableSlots(t *testing.T) {
	svc := &stubBooking{slots: func(_ context.Context, clinicID string, _ time.Time, _ uuid.UUID, allow bool) ([]schedule.Clock, error) {
		assert.Equal(t, "clinic-1", clinicID)
		assert.True(t, allow)
		return []schedule.Clock{schedule.MustClock("09:00"), schedule.MustClock("09:30")}, nil
	}}
	rec := do(t, newTestRouter(svc, nil), http.MethodGet,
		"/availability/slots?clinic_id=clinic-1&date=2026-03-02&treatment_id="+uuid.NewString()+"&allow_double=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SlotsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "2026-03-02", resp.Date)
	assert.Equal(t, []string{"09:00", "09:30"}, resp.AvailableSlots)
	assert.Equal(t, 2, resp.TotalAvailable)
}

func TestAvailableDatesListsOpenDays(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC) }
	svc := &stubBooking{dates: func(_ context.Context, _ string, _ uuid.UUID, days int) ([]appointment.DateAvailability, error) {
		assert.Equal(t, 3, days)
		return []appointment.DateAvailability{
			{Date: day(1), DayName: "Sunday", Available: false},
			{Date: day(2), DayName: "Monday", Available: true, AvailableSlotsCount: 4},
			{Date: day(3), DayName: "Tuesday", Available: true, AvailableSlotsCount: 0},
		}, nil
	}}
	h := newTestRouter(svc, nil)
	path := "/availability/dates?clinic_id=clinic-1&days_ahead=3&treatment_id=" + uuid.NewString()

	rec := do(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DatesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Dates, 2, "a fully booked work day is still open")
	assert.Equal(t, "2026-03-02", resp.Dates[0].Date)
	assert.Equal(t, "2026-03-03", resp.Dates[1].Date)
	assert.True(t, resp.Dates[1].Available)
	assert.Zero(t, resp.Dates[1].AvailableSlotsCount)
	assert.Equal(t, 2, resp.TotalAvailableDates)

	rec = do(t, h, http.MethodGet, path+"&include_unavailable=true", nil)
	resp = DatesResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Dates, 3)
	assert.False(t, resp.Dates[0].Available)
	assert.True(t, resp.Dates[2].Available)
	assert.Equal(t, 2, resp.TotalAvailableDates)

	rec = do(t, h, http.MethodGet, "/availability/dates?clinic_id=clinic-1&days_ahead=0&treatment_id="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryUnknownClinicIs404(t *testing.T) {
	svc := &stubBooking{sched: func(context.Context, string) (*appointment.ClinicSchedule, error) {
		return nil, fmt.Errorf("load clinic schedule: %w", appointment.ErrClinicNotFound)
	}}
	rec := do(t, newTestRouter(svc, nil), http.MethodGet, "/availability/summary?clinic_id=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateClinicSettingsOverlaysFields(t *testing.T) {
	def := appointment.DefaultClinicSchedule("clinic-1")
	var saved appointment.ClinicSchedule
	svc := &stubBooking{
		sched: func(context.Context, string) (*appointment.ClinicSchedule, error) {
			c := def
			return &c, nil
		},
		save: func(_ context.Context, s appointment.ClinicSchedule) (*appointment.ClinicSchedule, error) {
			saved = s
			return &s, nil
		},
	}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPut, "/clinic-settings/clinic-1", map[string]any{
		"open_time":                "08:00",
		"lunch_start":              "12:00",
		"lunch_end":                "13:00",
		"max_appointments_per_day": 30,
		"double_booking_enabled":   true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.MustClock("08:00"), saved.OpenTime)
	assert.Equal(t, def.CloseTime, saved.CloseTime)
	require.NotNil(t, saved.LunchStart)
	assert.Equal(t, schedule.MustClock("12:00"), *saved.LunchStart)
	assert.Equal(t, 30, saved.MaxAppointmentsPerDay)
	assert.Equal(t, def.MaxAppointmentsPerSlot, saved.MaxAppointmentsPerSlot)
	assert.True(t, saved.AllowDoubleBooking)

	var resp ClinicSettingsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "08:00", resp.OpenTime)
	require.NotNil(t, resp.LunchEnd)
	assert.Equal(t, "13:00", *resp.LunchEnd)

	rec = do(t, h, http.MethodPut, "/clinic-settings/clinic-1", map[string]any{"close_time": "late"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_close_time", decodeError(t, rec).Error)
}

func TestAutomationRoutes(t *testing.T) {
	auto := &stubAutomation{
		update: func(context.Context, uuid.UUID, automation.RuleUpdate) (*automation.Rule, error) {
			return nil, automation.ErrRuleNotFound
		},
		runDate: func(_ context.Context, clinicID, trigger string, d time.Time) ([]automation.Message, error) {
			assert.Equal(t, "clinic-1", clinicID)
			assert.Equal(t, "appointment_reminder", trigger)
			return []automation.Message{{ID: uuid.New(), Channel: automation.ChannelEmail, Status: automation.MessageQueued, Body: "hi"}}, nil
		},
	}
	h := newTestRouter(&stubBooking{}, auto)

	rec := do(t, h, http.MethodPatch, "/automations/"+uuid.NewString(), map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/automations/run", RunAutomationRequest{ClinicID: "clinic-1", Date: "2026-03-02", Trigger: "appointment_reminder"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunAutomationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "email", resp.Messages[0].Channel)

	rec = do(t, h, http.MethodPost, "/automations/run", RunAutomationRequest{Trigger: "appointment_reminder"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/automations/run", RunAutomationRequest{Date: "2026-03-02", Trigger: "appointment_reminder"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitPerClinic(t *testing.T) {
	svc := &stubBooking{list: func(context.Context, appointment.AppointmentFilter) ([]appointment.Appointment, error) {
		return nil, nil
	}}
	h := NewRouter(RouterConfig{Service: svc, Metrics: http.NotFoundHandler(), RateLimitRPS: 1, RateLimitBurst: 1})

	rec := do(t, h, http.MethodGet, "/appointments?clinic_id=a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/appointments?clinic_id=a", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = do(t, h, http.MethodGet, "/appointments?clinic_id=b", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitIgnoresClinicHeader(t *testing.T) {
	svc := &stubBooking{list: func(context.Context, appointment.AppointmentFilter) ([]appointment.Appointment, error) {
		return nil, nil
	}}
	h := NewRouter(RouterConfig{Service: svc, Metrics: http.NotFoundHandler(), RateLimitRPS: 1, RateLimitBurst: 1})

	allowed := 0
	for i := 0; i < 20; i++ {
		rec := do(t, h, http.MethodGet, "/appointments?clinic_id=a", nil, "X-Clinic-ID", fmt.Sprintf("rotating-%d", i))
		if rec.Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestRateLimiterStoreEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := newRateLimiterStore(1, 1)
	store.now = func() time.Time { return now }

	store.get("ip:a")
	store.get("ip:b")
	require.Equal(t, 2, store.size())

	now = now.Add(limiterIdleTTL / 2)
	store.get("ip:b")

	now = now.Add(limiterIdleTTL)
	c := store.get("ip:c")
	assert.Equal(t, 1, store.size(), "a and b were idle for a full TTL")
	assert.Same(t, c, store.get("ip:c"))
}

func TestReadiness(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	cases := []struct {
		name   string
		pg     PingFunc
		redis  PingFunc
		status int
		want   string
		redisS string
	}{
		{"all up", up, up, http.StatusOK, "ok", "ok"},
		{"redis down", up, down, http.StatusOK, "degraded", "down"},
		{"redis disabled", up, nil, http.StatusOK, "ok", "disabled"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error", "ok"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{
				Service: &stubBooking{},
				Health:  NewHealthHandler(tc.pg, tc.redis, "test", "v1"),
				Metrics: http.NotFoundHandler(),
			})
			rec := do(t, h, http.MethodGet, "/health/ready", nil)
			require.Equal(t, tc.status, rec.Code)
			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tc.want, resp.Status)
			assert.Equal(t, tc.redisS, resp.Dependencies["redis"])
		})
	}
}
