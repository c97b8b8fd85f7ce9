package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type PgStore struct {
	db appointment.DBTX
}

func NewPgStore(db appointment.DBTX) *PgStore {
	return &PgStore{db: db}
}

const ruleColumns = `id, clinic_id, name, trigger, channel, template, target, enabled, created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(
		&r.ID,
		&r.ClinicID,
		&r.Name,
		&r.Trigger,
		&r.Channel,
		&r.Template,
		&r.Target,
		&r.Enabled,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, storageErr("scan rule", err)
	}
	return &r, nil
}

func (s *PgStore) queryRules(ctx context.Context, op, query string, args ...any) ([]Rule, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (s *PgStore) ListRules(ctx context.Context, clinicID string) ([]Rule, error) {
	return s.queryRules(ctx, "list rules", `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE clinic_id = $1
		ORDER BY created_at DESC`, clinicID)
}

func (s *PgStore) ListEnabledRules(ctx context.Context, clinicID, trigger string) ([]Rule, error) {
	return s.queryRules(ctx, "list enabled rules", `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE clinic_id = $1 AND trigger = $2 AND enabled
		ORDER BY created_at`, clinicID, trigger)
}

func (s *PgStore) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return scanRule(s.db.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE id = $1`, id))
}

func (s *PgStore) CreateRule(ctx context.Context, r Rule) (*Rule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return scanRule(s.db.QueryRow(ctx, `
		INSERT INTO automation_rules (id, clinic_id, name, trigger, channel, template, target, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+ruleColumns,
		r.ID, r.ClinicID, r.Name, r.Trigger, string(r.Channel), r.Template, r.Target, r.Enabled,
	))
}

func (s *PgStore) UpdateRule(ctx context.Context, id uuid.UUID, u RuleUpdate) (*Rule, error) {
	if u.empty() {
		return nil, ErrNoChanges
	}

	args := []any{id}
	var sets []string
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.Trigger != nil {
		set("trigger", *u.Trigger)
	}
	if u.Channel != nil {
		set("channel", string(*u.Channel))
	}
	if u.Template != nil {
		set("template", *u.Template)
	}
	if u.Target != nil {
		set("target", *u.Target)
	}
	if u.Enabled != nil {
		set("enabled", *u.Enabled)
	}

	return scanRule(s.db.QueryRow(ctx, `
		UPDATE automation_rules
		SET `+strings.Join(sets, ", ")+`, updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns, args...))
}

func (s *PgStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete rule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PgStore) TreatmentName(ctx context.Context, clinicID string, treatmentID uuid.UUID) (string, error) {
	var name string
	err := s.db.QueryRow(ctx, `
		SELECT name FROM treatments WHERE id = $1 AND clinic_id = $2`,
		treatmentID, clinicID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", appointment.ErrTreatmentNotFound
		}
		return "", storageErr("treatment name", err)
	}
	return name, nil
}

func (s *PgStore) PatientContact(ctx context.Context, clinicID string, patientID uuid.UUID) (*Contact, error) {
	var name string
	var phone, email *string
	err := s.db.QueryRow(ctx, `
		SELECT name, phone, email FROM patients WHERE id = $1 AND clinic_id = $2`,
		patientID, clinicID).Scan(&name, &phone, &email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, storageErr("patient contact", err)
	}

	c := &Contact{Name: name}
	if phone != nil {
		c.Phone = *phone
	}
	if email != nil {
		c.Email = *email
	}
	return c, nil
}

const threadColumns = `id, clinic_id, patient_id, COALESCE(contact_number, ''), contact_name, channel, created_at`

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.ClinicID, &t.PatientID, &t.ContactNumber, &t.ContactName, &t.Channel, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, storageErr("scan thread", err)
	}
	return &t, nil
}

// FindThread prefers the patient's thread and falls back to one opened for
// the same contact number. With neither key there is nothing to match.
func (s *PgStore) FindThread(ctx context.Context, clinicID string, patientID *uuid.UUID, contactNumber string) (*Thread, error) {
	var (
		where string
		key   any
	)
	switch {
	case patientID != nil:
		where, key = "patient_id = $2", *patientID
	case contactNumber != "":
		where, key = "contact_number = $2", contactNumber
	default:
		return nil, ErrThreadNotFound
	}

	return scanThread(s.db.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM message_threads
		WHERE clinic_id = $1 AND `+where+`
		ORDER BY created_at
		LIMIT 1`, clinicID, key))
}

func (s *PgStore) CreateThread(ctx context.Context, t Thread) (*Thread, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	var number *string
	if t.ContactNumber != "" {
		number = &t.ContactNumber
	}
	return scanThread(s.db.QueryRow(ctx, `
		INSERT INTO message_threads (id, clinic_id, patient_id, contact_number, contact_name, channel)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+threadColumns,
		t.ID, t.ClinicID, t.PatientID, number, t.ContactName, t.Channel,
	))
}

const messageColumns = `id, thread_id, clinic_id, appointment_id, rule_id, direction, channel, body,
	target, status, error, created_at, sent_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ThreadID,
		&m.ClinicID,
		&m.AppointmentID,
		&m.RuleID,
		&m.Direction,
		&m.Channel,
		&m.Body,
		&m.Target,
		&m.Status,
		&m.Error,
		&m.CreatedAt,
		&m.SentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, storageErr("scan message", err)
	}
	return &m, nil
}

func (s *PgStore) CreateMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MessageQueued
	}
	if m.Direction == "" {
		m.Direction = DirectionOut
	}
	return scanMessage(s.db.QueryRow(ctx, `
		INSERT INTO messages (id, thread_id, clinic_id, appointment_id, rule_id, direction, channel, body, target, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+messageColumns,
		m.ID, m.ThreadID, m.ClinicID, m.AppointmentID, m.RuleID, m.Direction,
		string(m.Channel), m.Body, m.Target, string(m.Status), m.Error,
	))
}

func (s *PgStore) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1`, id))
}

func (s *PgStore) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status MessageStatus, errMsg *string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET status = $2,
		    error = $3,
		    sent_at = CASE WHEN $2 = 'sent' THEN now() ELSE sent_at END
		WHERE id = $1`, id, string(status), errMsg)
	if err != nil {
		return storageErr("update message status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PgStore) MarkReminderSent(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE appointments SET reminder_sent = TRUE, updated_at = now()
		WHERE id = $1`, appointmentID)
	if err != nil {
		return storageErr("mark reminder sent", err)
	}
	return nil
}
