package automation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// Appointments is the read side of the booking engine the date sweeps use.
type Appointments interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.AppointmentFilter) ([]appointment.Appointment, error)
}

// Enqueuer hands a persisted message to the delivery worker.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, messageID uuid.UUID) error
}

const sweepLimit = 500

type Service struct {
	store        Store
	appointments Appointments
	queue        Enqueuer
	logger       *zap.Logger
}

// NewService wires the engine. A nil queue leaves messages in the queued
// state, which is how tests and single-process setups without Redis run.
func NewService(store Store, appointments Appointments, queue Enqueuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		appointments: appointments,
		queue:        queue,
		logger:       logger.Named("automation"),
	}
}

// Name and AppointmentChanged make the engine an appointment.Hook: every
// committed lifecycle event runs the rules whose trigger equals the event.
func (s *Service) Name() string { return "automation" }

func (s *Service) AppointmentChanged(ctx context.Context, c appointment.Change) error {
	_, err := s.RunForEvent(ctx, c.Event, c.Appointment)
	return err
}

// RunForEvent renders every enabled rule of the appointment's clinic whose
// trigger matches and records one outbound message per rule. A rule whose
// thread or message cannot be stored is skipped; the others still run.
func (s *Service) RunForEvent(ctx context.Context, trigger string, appt appointment.Appointment) ([]Message, error) {
	rules, err := s.store.ListEnabledRules(ctx, appt.ClinicID, trigger)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return []Message{}, nil
	}

	fields := s.templateFields(ctx, appt)
	contact := s.contactFor(ctx, appt)

	out := make([]Message, 0, len(rules))
	for _, rule := range rules {
		log := s.logger.With(
			zap.String("rule_id", rule.ID.String()),
			zap.String("trigger", trigger),
			zap.String("appointment_id", appt.ID.String()),
		)

		thread, err := s.ensureThread(ctx, appt, contact)
		if err != nil {
			log.Warn("no thread for automation message, skipping rule", zap.Error(err))
			continue
		}

		msg, err := s.store.CreateMessage(ctx, s.buildMessage(rule, thread, appt, contact, fields))
		if err != nil {
			log.Warn("store automation message", zap.Error(err))
			continue
		}

		if msg.Status == MessageQueued && s.queue != nil {
			if err := s.queue.EnqueueDelivery(ctx, msg.ID); err != nil {
				log.Error("enqueue delivery", zap.String("message_id", msg.ID.String()), zap.Error(err))
				reason := "enqueue: " + err.Error()
				if uerr := s.store.UpdateMessageStatus(ctx, msg.ID, MessageFailed, &reason); uerr != nil {
					log.Warn("mark message failed", zap.Error(uerr))
				} else {
					msg.Status, msg.Error = MessageFailed, &reason
				}
			}
		}
		out = append(out, *msg)
	}

	s.logger.Info("automation rules executed",
		zap.String("clinic_id", appt.ClinicID),
		zap.String("trigger", trigger),
		zap.Int("rules", len(rules)),
		zap.Int("messages", len(out)),
	)
	return out, nil
}

// RunForAppointment runs the trigger for a stored appointment.
func (s *Service) RunForAppointment(ctx context.Context, trigger string, appointmentID uuid.UUID) ([]Message, error) {
	appt, err := s.appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.RunForEvent(ctx, trigger, *appt)
}

// RunForDate runs the trigger for every pending appointment of the clinic on
// date. One appointment failing does not stop the sweep.
func (s *Service) RunForDate(ctx context.Context, clinicID, trigger string, date time.Time) ([]Message, error) {
	return s.sweep(ctx, clinicID, trigger, date, false)
}

// SendReminders is RunForDate restricted to appointments that have not had a
// reminder yet; each one is flagged once its messages are recorded.
func (s *Service) SendReminders(ctx context.Context, clinicID, trigger string, date time.Time) ([]Message, error) {
	return s.sweep(ctx, clinicID, trigger, date, true)
}

func (s *Service) sweep(ctx context.Context, clinicID, trigger string, date time.Time, reminders bool) ([]Message, error) {
	pending := appointment.StatusPending
	appts, err := s.appointments.ListAppointments(ctx, appointment.AppointmentFilter{
		ClinicID: clinicID,
		Date:     &date,
		Status:   &pending,
		Limit:    sweepLimit,
	})
	if err != nil {
		return nil, err
	}

	out := []Message{}
	for _, appt := range appts {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if reminders && appt.ReminderSent {
			continue
		}

		msgs, err := s.RunForEvent(ctx, trigger, appt)
		if err != nil {
			s.logger.Warn("automation run failed",
				zap.String("appointment_id", appt.ID.String()),
				zap.String("trigger", trigger),
				zap.Error(err),
			)
			continue
		}
		out = append(out, msgs...)

		if reminders && len(msgs) > 0 {
			if err := s.store.MarkReminderSent(ctx, appt.ID); err != nil {
				s.logger.Warn("mark reminder sent", zap.String("appointment_id", appt.ID.String()), zap.Error(err))
			}
		}
	}
	return out, nil
}

func (s *Service) templateFields(ctx context.Context, appt appointment.Appointment) Fields {
	treatment, err := s.store.TreatmentName(ctx, appt.ClinicID, appt.TreatmentID)
	if err != nil {
		s.logger.Debug("treatment name unavailable", zap.String("treatment_id", appt.TreatmentID.String()), zap.Error(err))
	}
	return Fields{
		"patient_name": appt.PatientName,
		"date":         schedule.FormatDate(appt.Date),
		"time":         appt.StartTime.String(),
		"end_time":     appt.EndTime.String(),
		"treatment":    treatment,
		"clinic_id":    appt.ClinicID,
	}
}

func (s *Service) contactFor(ctx context.Context, appt appointment.Appointment) Contact {
	fallback := Contact{Name: appt.PatientName, Phone: appt.PatientPhone}
	if appt.PatientID == uuid.Nil {
		return fallback
	}

	c, err := s.store.PatientContact(ctx, appt.ClinicID, appt.PatientID)
	if err != nil {
		if !errors.Is(err, ErrContactNotFound) {
			s.logger.Warn("patient contact lookup", zap.String("patient_id", appt.PatientID.String()), zap.Error(err))
		}
		return fallback
	}
	if c.Name == "" {
		c.Name = fallback.Name
	}
	if c.Phone == "" {
		c.Phone = fallback.Phone
	}
	return *c
}

func (s *Service) ensureThread(ctx context.Context, appt appointment.Appointment, contact Contact) (*Thread, error) {
	var patientID *uuid.UUID
	if appt.PatientID != uuid.Nil {
		id := appt.PatientID
		patientID = &id
	}

	t, err := s.store.FindThread(ctx, appt.ClinicID, patientID, contact.Phone)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrThreadNotFound) {
		return nil, err
	}

	return s.store.CreateThread(ctx, Thread{
		ClinicID:      appt.ClinicID,
		PatientID:     patientID,
		ContactNumber: contact.Phone,
		ContactName:   contact.Name,
		Channel:       threadChannel,
	})
}

func (s *Service) buildMessage(rule Rule, thread *Thread, appt appointment.Appointment, contact Contact, fields Fields) Message {
	apptID, ruleID := appt.ID, rule.ID
	msg := Message{
		ThreadID:      thread.ID,
		ClinicID:      appt.ClinicID,
		AppointmentID: &apptID,
		RuleID:        &ruleID,
		Direction:     DirectionOut,
		Channel:       rule.Channel,
		Body:          Render(rule.Template, fields, EscaperFor(rule.Channel)),
		Status:        MessageQueued,
	}

	if target := deliveryTarget(rule, contact); target != "" {
		msg.Target = &target
	} else {
		reason := "no delivery target"
		msg.Status, msg.Error = MessageFailed, &reason
	}
	return msg
}

// deliveryTarget is the rule's explicit target, or the patient's address on
// the rule's channel. Webhooks always need an explicit URL.
func deliveryTarget(rule Rule, contact Contact) string {
	if rule.Target != nil && strings.TrimSpace(*rule.Target) != "" {
		return strings.TrimSpace(*rule.Target)
	}
	switch rule.Channel {
	case ChannelEmail:
		return contact.Email
	case ChannelWhatsApp:
		return contact.Phone
	}
	return ""
}

// Rule administration

func (s *Service) ListRules(ctx context.Context, clinicID string) ([]Rule, error) {
	if strings.TrimSpace(clinicID) == "" {
		return nil, ErrInvalidRule
	}
	rules, err := s.store.ListRules(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []Rule{}
	}
	return rules, nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.store.GetRule(ctx, id)
}

func (s *Service) CreateRule(ctx context.Context, r Rule) (*Rule, error) {
	r.ClinicID = strings.TrimSpace(r.ClinicID)
	r.Name = strings.TrimSpace(r.Name)
	r.Trigger = strings.TrimSpace(r.Trigger)
	if r.ClinicID == "" || r.Trigger == "" || strings.TrimSpace(r.Template) == "" {
		return nil, ErrInvalidRule
	}
	if err := validateChannelTarget(r.Channel, r.Target); err != nil {
		return nil, err
	}
	return s.store.CreateRule(ctx, r)
}

func (s *Service) UpdateRule(ctx context.Context, id uuid.UUID, u RuleUpdate) (*Rule, error) {
	if u.empty() {
		return nil, ErrNoChanges
	}
	if u.Trigger != nil && strings.TrimSpace(*u.Trigger) == "" {
		return nil, ErrInvalidRule
	}
	if u.Template != nil && strings.TrimSpace(*u.Template) == "" {
		return nil, ErrInvalidRule
	}

	if u.Channel != nil || u.Target != nil {
		current, err := s.store.GetRule(ctx, id)
		if err != nil {
			return nil, err
		}
		channel, target := current.Channel, current.Target
		if u.Channel != nil {
			channel = *u.Channel
		}
		if u.Target != nil {
			target = u.Target
		}
		if err := validateChannelTarget(channel, target); err != nil {
			return nil, err
		}
	}
	return s.store.UpdateRule(ctx, id, u)
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteRule(ctx, id)
}

func validateChannelTarget(c Channel, target *string) error {
	if !c.Valid() {
		return ErrInvalidRule
	}
	if c != ChannelWebhook {
		return nil
	}
	if target == nil {
		return ErrInvalidRule
	}
	u, err := url.Parse(strings.TrimSpace(*target))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidRule
	}
	return nil
}
