package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

var (
	ErrRuleNotFound    = errors.New("automation rule not found")
	ErrThreadNotFound  = errors.New("message thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrContactNotFound = errors.New("patient contact not found")
	ErrNoChanges       = errors.New("no changes supplied")

	ErrInvalidRule = fmt.Errorf("%w: automation rule", appointment.ErrInvalidInput)
)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", appointment.ErrStorage, op, err)
}

// Store is the persistence the automation engine needs: rules, the
// conversation threads messages are attached to and the messages themselves.
type Store interface {
	// Rules
	ListRules(ctx context.Context, clinicID string) ([]Rule, error)
	ListEnabledRules(ctx context.Context, clinicID, trigger string) ([]Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	CreateRule(ctx context.Context, r Rule) (*Rule, error)
	UpdateRule(ctx context.Context, id uuid.UUID, u RuleUpdate) (*Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error

	// Template context
	TreatmentName(ctx context.Context, clinicID string, treatmentID uuid.UUID) (string, error)
	PatientContact(ctx context.Context, clinicID string, patientID uuid.UUID) (*Contact, error)

	// Threads and messages
	FindThread(ctx context.Context, clinicID string, patientID *uuid.UUID, contactNumber string) (*Thread, error)
	CreateThread(ctx context.Context, t Thread) (*Thread, error)
	CreateMessage(ctx context.Context, m Message) (*Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status MessageStatus, errMsg *string) error

	MarkReminderSent(ctx context.Context, appointmentID uuid.UUID) error
}
