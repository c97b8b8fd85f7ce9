// Package audit records state-changing actions and system events. Writes are
// best effort: a failure is logged and never reaches the caller.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const ActorSystem = "system"

type Entry struct {
	ClinicID   string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}

type Event struct {
	ClinicID  string
	EventType string
	Severity  Severity
	Message   string
	Details   map[string]any
}

type Sink struct {
	db     appointment.DBTX
	logger *zap.Logger
}

func NewSink(db appointment.DBTX, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{db: db, logger: logger.Named("audit")}
}

func (s *Sink) Record(ctx context.Context, e Entry) {
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (clinic_id, actor, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ClinicID, e.Actor, e.Action, e.EntityType, e.EntityID, marshalDetails(e.Details),
	)
	if err != nil {
		s.logger.Warn("audit log write failed",
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
			zap.Error(err),
		)
	}
}

func (s *Sink) RecordEvent(ctx context.Context, e Event) {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	var clinicID *string
	if e.ClinicID != "" {
		clinicID = &e.ClinicID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO system_events (clinic_id, event_type, severity, message, details)
		VALUES ($1, $2, $3, $4, $5)`,
		clinicID, e.EventType, string(e.Severity), e.Message, marshalDetails(e.Details),
	)
	if err != nil {
		s.logger.Warn("system event write failed", zap.String("event_type", e.EventType), zap.Error(err))
	}
}

func marshalDetails(d map[string]any) []byte {
	if len(d) == 0 {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}

func (s *Sink) Name() string { return "audit" }

// AppointmentChanged records the transition in audit_logs.
func (s *Sink) AppointmentChanged(ctx context.Context, c appointment.Change) error {
	a := c.Appointment
	details := map[string]any{
		"status":     string(a.Status),
		"date":       schedule.FormatDate(a.Date),
		"start_time": a.StartTime.String(),
	}
	if c.Previous != nil {
		details["previous_status"] = string(c.Previous.Status)
		if !c.Previous.Date.Equal(a.Date) || c.Previous.StartTime != a.StartTime {
			details["previous_date"] = schedule.FormatDate(c.Previous.Date)
			details["previous_start_time"] = c.Previous.StartTime.String()
		}
	}
	if a.Overbooked {
		details["overbooked"] = true
		details["extra_fee"] = a.ExtraFee
	}
	if a.CancellationReason != nil {
		details["reason"] = *a.CancellationReason
	}

	actor := ActorSystem
	if c.Origin != "" {
		actor = "connection:" + c.Origin
	}

	s.Record(ctx, Entry{
		ClinicID:   a.ClinicID,
		Actor:      actor,
		Action:     c.Event,
		EntityType: "appointment",
		EntityID:   a.ID.String(),
		Details:    details,
	})
	return nil
}
