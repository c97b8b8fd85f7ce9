package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/automation"
)

var ErrNoTarget = errors.New("delivery: message has no target")

// Channel delivers one message over a single transport.
type Channel interface {
	Deliver(ctx context.Context, m automation.Message) error
}

// StatusError is a non-2xx answer from a remote endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery: remote returned status %d: %s", e.Status, e.Body)
}

// Permanent reports whether retrying cannot help. 4xx other than 408 and
// 429 means the request itself is wrong.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type webhookPayload struct {
	MessageID     string  `json:"message_id"`
	ClinicID      string  `json:"clinic_id"`
	AppointmentID *string `json:"appointment_id,omitempty"`
	RuleID        *string `json:"rule_id,omitempty"`
	Body          string  `json:"body"`
	SentAt        string  `json:"sent_at"`
}

// WebhookChannel POSTs the rendered message to the rule's URL.
type WebhookChannel struct {
	client *http.Client
}

func NewWebhookChannel(timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Deliver(ctx context.Context, m automation.Message) error {
	if m.Target == nil || *m.Target == "" {
		return ErrNoTarget
	}
	p := webhookPayload{
		MessageID: m.ID.String(),
		ClinicID:  m.ClinicID,
		Body:      m.Body,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if m.AppointmentID != nil {
		s := m.AppointmentID.String()
		p.AppointmentID = &s
	}
	if m.RuleID != nil {
		s := m.RuleID.String()
		p.RuleID = &s
	}
	return postJSON(ctx, c.client, *m.Target, nil, p)
}

type WhatsAppConfig struct {
	APIBase       string
	Token         string
	PhoneNumberID string
	Timeout       time.Duration
}

// WhatsAppChannel sends text messages through the WhatsApp Cloud API. Without
// credentials it only logs, like the email stub.
type WhatsAppChannel struct {
	cfg    WhatsAppConfig
	client *http.Client
	logger *zap.Logger
}

func NewWhatsAppChannel(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WhatsAppChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (c *WhatsAppChannel) Deliver(ctx context.Context, m automation.Message) error {
	if m.Target == nil || *m.Target == "" {
		return ErrNoTarget
	}
	if c.cfg.Token == "" || c.cfg.PhoneNumberID == "" {
		c.logger.Info("whatsapp not configured: would send message",
			zap.String("to", *m.Target),
			zap.String("message_id", m.ID.String()),
		)
		return nil
	}

	url := strings.TrimRight(c.cfg.APIBase, "/") + "/" + c.cfg.PhoneNumberID + "/messages"
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(*m.Target, "+"),
		"type":              "text",
		"text":              map[string]string{"body": m.Body},
	}
	return postJSON(ctx, c.client, url, map[string]string{"Authorization": "Bearer " + c.cfg.Token}, body)
}
