// Package automation reacts to appointment lifecycle events: it matches a
// clinic's enabled rules against the event, renders each rule's template,
// attaches an outbound message to the patient's thread and hands it to the
// delivery queue.
package automation

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWebhook  Channel = "webhook"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelWhatsApp:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageQueued MessageStatus = "queued"
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

const (
	DirectionOut = "out"
	DirectionIn  = "in"

	// Threads are conversations with a phone contact regardless of which
	// channel a rule delivers on.
	threadChannel = "whatsapp"
)

type Rule struct {
	ID        uuid.UUID
	ClinicID  string
	Name      string
	Trigger   string
	Channel   Channel
	Template  string
	Target    *string // webhook URL, or an email/phone override
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RuleUpdate carries a partial update; nil fields are left untouched.
type RuleUpdate struct {
	Name     *string
	Trigger  *string
	Channel  *Channel
	Template *string
	Target   *string
	Enabled  *bool
}

func (u RuleUpdate) empty() bool {
	return u.Name == nil && u.Trigger == nil && u.Channel == nil &&
		u.Template == nil && u.Target == nil && u.Enabled == nil
}

type Thread struct {
	ID            uuid.UUID
	ClinicID      string
	PatientID     *uuid.UUID
	ContactNumber string
	ContactName   string
	Channel       string
	CreatedAt     time.Time
}

type Message struct {
	ID            uuid.UUID
	ThreadID      uuid.UUID
	ClinicID      string
	AppointmentID *uuid.UUID
	RuleID        *uuid.UUID
	Direction     string
	Channel       Channel
	Body          string
	Target        *string
	Status        MessageStatus
	Error         *string
	CreatedAt     time.Time
	SentAt        *time.Time
}

type Contact struct {
	Name  string
	Phone string
	Email string
}
