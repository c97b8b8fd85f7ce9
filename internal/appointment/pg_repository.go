package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// DBTX is the subset of pgxpool.Pool the repositories use. pgx transactions
// and pgxmock pools satisfy it as well.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DBTX
}

func NewPgRepository(db DBTX) *PgRepository {
	return &PgRepository{db: db}
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Helpers

const scheduleColumns = `clinic_id, name, timezone,
	to_char(open_time, 'HH24:MI'), to_char(close_time, 'HH24:MI'),
	to_char(lunch_start, 'HH24:MI'), to_char(lunch_end, 'HH24:MI'),
	work_days, slot_minutes, max_appointments_per_day, max_appointments_per_slot,
	overbooking_fee::float8, overbooking_fee_type, allow_double_booking, confirmation_required,
	created_at, updated_at`

func scanSchedule(row pgx.Row) (*ClinicSchedule, error) {
	var s ClinicSchedule
	var open, closing string
	var lunchStart, lunchEnd *string
	var workDays []int32

	err := row.Scan(
		&s.ClinicID,
		&s.Name,
		&s.Timezone,
		&open,
		&closing,
		&lunchStart,
		&lunchEnd,
		&workDays,
		&s.SlotMinutes,
		&s.MaxAppointmentsPerDay,
		&s.MaxAppointmentsPerSlot,
		&s.OverbookingFee,
		&s.OverbookingFeeType,
		&s.AllowDoubleBooking,
		&s.ConfirmationRequired,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicNotFound
		}
		return nil, storageErr("scan clinic schedule", err)
	}

	if s.OpenTime, err = schedule.ParseClock(open); err != nil {
		return nil, storageErr("decode open_time", err)
	}
	if s.CloseTime, err = schedule.ParseClock(closing); err != nil {
		return nil, storageErr("decode close_time", err)
	}
	if s.LunchStart, err = parseOptionalClock(lunchStart); err != nil {
		return nil, storageErr("decode lunch_start", err)
	}
	if s.LunchEnd, err = parseOptionalClock(lunchEnd); err != nil {
		return nil, storageErr("decode lunch_end", err)
	}

	s.WorkDays = make([]int, 0, len(workDays))
	for _, d := range workDays {
		s.WorkDays = append(s.WorkDays, int(d))
	}
	return &s, nil
}

const treatmentColumns = `id, clinic_id, name, duration_minutes, base_price::float8, created_at`

func scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	var basePrice *float64

	err := row.Scan(&t.ID, &t.ClinicID, &t.Name, &t.DurationMinutes, &basePrice, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTreatmentNotFound
		}
		return nil, storageErr("scan treatment", err)
	}

	t.BasePrice = basePrice
	return &t, nil
}

const patientColumns = `id, clinic_id, name, phone, email, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var phone, email *string

	err := row.Scan(&p.ID, &p.ClinicID, &p.Name, &phone, &email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, storageErr("scan patient", err)
	}

	p.Phone = phone
	p.Email = email
	return &p, nil
}

const appointmentColumns = `id, clinic_id, patient_id, patient_name, patient_phone, treatment_id,
	appointment_date, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), slot_index,
	status, overbooked, extra_fee::float8, confirmation_required, cancellation_reason,
	reminder_sent, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start, end string
	var reason *string

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.PatientName,
		&a.PatientPhone,
		&a.TreatmentID,
		&a.Date,
		&start,
		&end,
		&a.SlotIndex,
		&a.Status,
		&a.Overbooked,
		&a.ExtraFee,
		&a.ConfirmationRequired,
		&reason,
		&a.ReminderSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		if pgErrCode(err) == pgUniqueViolation {
			return nil, ErrSlotTaken
		}
		return nil, storageErr("scan appointment", err)
	}

	if a.StartTime, err = schedule.ParseClock(start); err != nil {
		return nil, storageErr("decode start_time", err)
	}
	if a.EndTime, err = schedule.ParseClock(end); err != nil {
		return nil, storageErr("decode end_time", err)
	}
	a.Date = schedule.DateOf(a.Date)
	a.CancellationReason = reason
	return &a, nil
}

func scanChange(row pgx.Row) (*AppointmentChange, error) {
	var c AppointmentChange
	var from *string

	err := row.Scan(&c.ID, &c.AppointmentID, &c.ClinicID, &c.Event, &from, &c.ToStatus, &c.Payload, &c.ChangedAt)
	if err != nil {
		return nil, storageErr("scan appointment change", err)
	}
	if from != nil {
		st := AppointmentStatus(*from)
		c.FromStatus = &st
	}
	return &c, nil
}

func parseOptionalClock(s *string) (*schedule.Clock, error) {
	if s == nil {
		return nil, nil
	}
	c, err := schedule.ParseClock(*s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func clockParam(c *schedule.Clock) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Clinic configuration

func (r *PgRepository) GetClinicSchedule(ctx context.Context, clinicID string) (*ClinicSchedule, error) {
	s, err := scanSchedule(r.db.QueryRow(ctx, `
		SELECT `+scheduleColumns+`
		FROM clinic_schedule
		WHERE clinic_id = $1
	`, clinicID))
	if err != nil {
		return nil, err
	}

	if s.BlockedDates, err = r.listBlockedDates(ctx, clinicID); err != nil {
		return nil, err
	}
	if s.BlockedPeriods, err = r.listBlockedPeriods(ctx, clinicID); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PgRepository) listBlockedDates(ctx context.Context, clinicID string) ([]time.Time, error) {
	rows, err := r.db.Query(ctx, `
		SELECT blocked_date
		FROM clinic_blocked_dates
		WHERE clinic_id = $1
		ORDER BY blocked_date
	`, clinicID)
	if err != nil {
		return nil, storageErr("list blocked dates", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, storageErr("scan blocked date", err)
		}
		out = append(out, schedule.DateOf(d))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list blocked dates", err)
	}
	return out, nil
}

func (r *PgRepository) listBlockedPeriods(ctx context.Context, clinicID string) ([]BlockedPeriod, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, start_date, end_date, reason
		FROM clinic_blocked_periods
		WHERE clinic_id = $1
		ORDER BY start_date
	`, clinicID)
	if err != nil {
		return nil, storageErr("list blocked periods", err)
	}
	defer rows.Close()

	var out []BlockedPeriod
	for rows.Next() {
		var p BlockedPeriod
		if err := rows.Scan(&p.ID, &p.Start, &p.End, &p.Reason); err != nil {
			return nil, storageErr("scan blocked period", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list blocked periods", err)
	}
	return out, nil
}

func (r *PgRepository) UpsertClinicSchedule(ctx context.Context, s ClinicSchedule) (*ClinicSchedule, error) {
	workDays := make([]int32, 0, len(s.WorkDays))
	for _, d := range s.WorkDays {
		workDays = append(workDays, int32(d))
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO clinic_schedule (
			clinic_id, name, timezone, open_time, close_time, lunch_start, lunch_end,
			work_days, slot_minutes, max_appointments_per_day, max_appointments_per_slot,
			overbooking_fee, overbooking_fee_type, allow_double_booking, confirmation_required,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::time, $5::time, $6::time, $7::time, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
		ON CONFLICT (clinic_id) DO UPDATE SET
			name = EXCLUDED.name,
			timezone = EXCLUDED.timezone,
			open_time = EXCLUDED.open_time,
			close_time = EXCLUDED.close_time,
			lunch_start = EXCLUDED.lunch_start,
			lunch_end = EXCLUDED.lunch_end,
			work_days = EXCLUDED.work_days,
			slot_minutes = EXCLUDED.slot_minutes,
			max_appointments_per_day = EXCLUDED.max_appointments_per_day,
			max_appointments_per_slot = EXCLUDED.max_appointments_per_slot,
			overbooking_fee = EXCLUDED.overbooking_fee,
			overbooking_fee_type = EXCLUDED.overbooking_fee_type,
			allow_double_booking = EXCLUDED.allow_double_booking,
			confirmation_required = EXCLUDED.confirmation_required,
			updated_at = now()
	`,
		s.ClinicID, s.Name, s.Timezone, s.OpenTime.String(), s.CloseTime.String(),
		clockParam(s.LunchStart), clockParam(s.LunchEnd),
		workDays, s.SlotMinutes, s.MaxAppointmentsPerDay, s.MaxAppointmentsPerSlot,
		s.OverbookingFee, string(s.OverbookingFeeType), s.AllowDoubleBooking, s.ConfirmationRequired,
	)
	if err != nil {
		return nil, storageErr("upsert clinic schedule", err)
	}

	return r.GetClinicSchedule(ctx, s.ClinicID)
}

func (r *PgRepository) ListClinicIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT clinic_id FROM clinic_schedule ORDER BY clinic_id`)
	if err != nil {
		return nil, storageErr("list clinics", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan clinic id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list clinics", err)
	}
	return ids, nil
}

func (r *PgRepository) AddBlockedDates(ctx context.Context, clinicID string, dates []time.Time) error {
	for _, d := range dates {
		_, err := r.db.Exec(ctx, `
			INSERT INTO clinic_blocked_dates (clinic_id, blocked_date)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, clinicID, schedule.DateOf(d))
		if err != nil {
			if pgErrCode(err) == pgForeignKeyViolation {
				return ErrClinicNotFound
			}
			return storageErr("insert blocked date", err)
		}
	}
	return nil
}

func (r *PgRepository) RemoveBlockedDate(ctx context.Context, clinicID string, date time.Time) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM clinic_blocked_dates
		WHERE clinic_id = $1 AND blocked_date = $2
	`, clinicID, schedule.DateOf(date))
	if err != nil {
		return storageErr("delete blocked date", err)
	}
	return nil
}

func (r *PgRepository) AddBlockedPeriod(ctx context.Context, clinicID string, p BlockedPeriod) (*BlockedPeriod, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	var out BlockedPeriod
	err := r.db.QueryRow(ctx, `
		INSERT INTO clinic_blocked_periods (id, clinic_id, start_date, end_date, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, start_date, end_date, reason
	`, p.ID, clinicID, schedule.DateOf(p.Start), schedule.DateOf(p.End), p.Reason).
		Scan(&out.ID, &out.Start, &out.End, &out.Reason)
	if err != nil {
		if pgErrCode(err) == pgForeignKeyViolation {
			return nil, ErrClinicNotFound
		}
		return nil, storageErr("insert blocked period", err)
	}
	return &out, nil
}

func (r *PgRepository) RemoveBlockedPeriod(ctx context.Context, clinicID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM clinic_blocked_periods
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, id)
	if err != nil {
		return storageErr("delete blocked period", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockedPeriodNotFound
	}
	return nil
}

// Catalogue

func (r *PgRepository) GetTreatment(ctx context.Context, clinicID string, id uuid.UUID) (*Treatment, error) {
	return scanTreatment(r.db.QueryRow(ctx, `
		SELECT `+treatmentColumns+`
		FROM treatments
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, id))
}

func (r *PgRepository) ListTreatments(ctx context.Context, clinicID string) ([]Treatment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+treatmentColumns+`
		FROM treatments
		WHERE clinic_id = $1
		ORDER BY name
	`, clinicID)
	if err != nil {
		return nil, storageErr("list treatments", err)
	}
	defer rows.Close()

	var out []Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list treatments", err)
	}
	return out, nil
}

func (r *PgRepository) CreateTreatment(ctx context.Context, t Treatment) (*Treatment, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return scanTreatment(r.db.QueryRow(ctx, `
		INSERT INTO treatments (id, clinic_id, name, duration_minutes, base_price, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING `+treatmentColumns,
		t.ID, t.ClinicID, t.Name, t.DurationMinutes, t.BasePrice))
}

func (r *PgRepository) GetPatientByID(ctx context.Context, clinicID string, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, id))
}

func (r *PgRepository) FindPatientByName(ctx context.Context, clinicID, name string) (*Patient, error) {
	return scanPatient(r.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE clinic_id = $1 AND lower(name) = lower($2)
		ORDER BY created_at
		LIMIT 1
	`, clinicID, name))
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
}

func (r *PgRepository) ListActiveAppointments(ctx context.Context, clinicID string, date time.Time) ([]Appointment, error) {
	return r.queryAppointments(ctx, "list active appointments", `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND appointment_date = $2
		  AND status <> 'cancelled'
		ORDER BY start_time, slot_index
	`, clinicID, schedule.DateOf(date))
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + appointmentColumns + ` FROM appointments WHERE clinic_id = $1`)
	args := []any{f.ClinicID}

	if f.Date != nil {
		args = append(args, schedule.DateOf(*f.Date))
		fmt.Fprintf(&sb, " AND appointment_date = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		fmt.Fprintf(&sb, " AND status = $%d", len(args))
	}
	sb.WriteString(" ORDER BY appointment_date, start_time, slot_index")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return r.queryAppointments(ctx, "list appointments", sb.String(), args...)
}

func (r *PgRepository) queryAppointments(ctx context.Context, op, sql string, args ...any) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return result, nil
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	return scanAppointment(r.db.QueryRow(ctx, `
		INSERT INTO appointments (
			id, clinic_id, patient_id, patient_name, patient_phone, treatment_id,
			appointment_date, start_time, end_time, slot_index, status, overbooked,
			extra_fee, confirmation_required, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::time, $9::time, $10, $11, $12, $13, $14, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.ClinicID, a.PatientID, a.PatientName, a.PatientPhone, a.TreatmentID,
		schedule.DateOf(a.Date), a.StartTime.String(), a.EndTime.String(), a.SlotIndex,
		string(a.Status), a.Overbooked, a.ExtraFee, a.ConfirmationRequired,
	))
}

// RescheduleAppointment moves the appointment and resets it to pending, but only
// while it is still in the from status. A concurrent transition surfaces as
// ErrAppointmentNotFound.
func (r *PgRepository) RescheduleAppointment(ctx context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start, end schedule.Clock, slotIndex int) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `
		UPDATE appointments
		SET appointment_date = $3,
		    start_time = $4::time,
		    end_time = $5::time,
		    slot_index = $6,
		    status = 'pending',
		    reminder_sent = FALSE,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentColumns,
		id, string(from), schedule.DateOf(date), start.String(), end.String(), slotIndex,
	))
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	return scanAppointment(r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancellation_reason = COALESCE($4, cancellation_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from), reason,
	))
}

// History

func (r *PgRepository) InsertChange(ctx context.Context, c AppointmentChange) error {
	var from *string
	if c.FromStatus != nil {
		s := string(*c.FromStatus)
		from = &s
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO appointment_changes (appointment_id, clinic_id, event, from_status, to_status, payload, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, c.AppointmentID, c.ClinicID, c.Event, from, string(c.ToStatus), c.Payload, nullableTime(c.ChangedAt))
	if err != nil {
		return storageErr("insert appointment change", err)
	}
	return nil
}

func (r *PgRepository) ListChanges(ctx context.Context, appointmentID uuid.UUID) ([]AppointmentChange, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, appointment_id, clinic_id, event, from_status, to_status, payload, changed_at
		FROM appointment_changes
		WHERE appointment_id = $1
		ORDER BY changed_at, id
	`, appointmentID)
	if err != nil {
		return nil, storageErr("list appointment changes", err)
	}
	defer rows.Close()

	result := make([]AppointmentChange, 0)
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list appointment changes", err)
	}
	return result, nil
}
