package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/automation"
)

func TestWebhookChannel(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	apptID := uuid.New()
	target := srv.URL
	msg := automation.Message{ID: uuid.New(), ClinicID: "c1", AppointmentID: &apptID, Body: `{"x":1}`, Target: &target}

	require.NoError(t, NewWebhookChannel(time.Second).Deliver(context.Background(), msg))
	assert.Equal(t, msg.ID.String(), got.MessageID)
	assert.Equal(t, "c1", got.ClinicID)
	require.NotNil(t, got.AppointmentID)
	assert.Equal(t, apptID.String(), *got.AppointmentID)
	assert.Equal(t, `{"x":1}`, got.Body)
}

func TestWebhookChannelStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusGone)
	}))
	defer srv.Close()

	target := srv.URL
	err := NewWebhookChannel(time.Second).Deliver(context.Background(), automation.Message{ID: uuid.New(), Target: &target})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusGone, se.Status)
	assert.Equal(t, "nope", se.Body)
	assert.True(t, se.Permanent())

	assert.ErrorIs(t, NewWebhookChannel(time.Second).Deliver(context.Background(), automation.Message{}), ErrNoTarget)
}

func TestWhatsAppChannel(t *testing.T) {
	var body map[string]any
	var path, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	ch := NewWhatsAppChannel(WhatsAppConfig{APIBase: srv.URL + "/", Token: "tok", PhoneNumberID: "123", Timeout: time.Second}, zap.NewNop())
	target := "+5491100000000"
	require.NoError(t, ch.Deliver(context.Background(), automation.Message{ID: uuid.New(), Body: "Hola", Target: &target}))

	assert.Equal(t, "/123/messages", path)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "whatsapp", body["messaging_product"])
	assert.Equal(t, "5491100000000", body["to"])
	assert.Equal(t, map[string]any{"body": "Hola"}, body["text"])
}

func TestWhatsAppChannelUnconfiguredLogsOnly(t *testing.T) {
	ch := NewWhatsAppChannel(WhatsAppConfig{}, nil)
	target := "+54911"
	assert.NoError(t, ch.Deliver(context.Background(), automation.Message{ID: uuid.New(), Target: &target}))
}

type capturingEmail struct {
	got EmailMessage
}

func (c *capturingEmail) Send(_ context.Context, msg EmailMessage) error {
	c.got = msg
	return nil
}

func TestEmailChannel(t *testing.T) {
	sender := &capturingEmail{}
	target := "ana@example.com"
	err := EmailChannel{Sender: sender}.Deliver(context.Background(), automation.Message{
		Body:   "<p>Hi Ana &amp; Bo</p>",
		Target: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", sender.got.To)
	assert.Equal(t, defaultEmailSubject, sender.got.Subject)
	assert.Equal(t, "<p>Hi Ana &amp; Bo</p>", sender.got.HTML)
	assert.Equal(t, "<p>Hi Ana & Bo</p>", sender.got.Body)

	assert.Nil(t, NewSendGridSender(SendGridConfig{}, nil))
	assert.NoError(t, NewStubEmailSender(nil).Send(context.Background(), EmailMessage{To: "x@example.com"}))
}

type blockingEmail struct{}

func (blockingEmail) Send(ctx context.Context, _ EmailMessage) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEmailChannelTimesOut(t *testing.T) {
	target := "ana@example.com"
	ch := EmailChannel{Sender: blockingEmail{}, Timeout: 20 * time.Millisecond}

	start := time.Now()
	err := ch.Deliver(context.Background(), automation.Message{Body: "hi", Target: &target})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueEnqueuesOnDeliveryQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	q := NewQueue(asynq.RedisClientOpt{Addr: mr.Addr()}, 3)
	defer q.Close()

	id := uuid.New()
	require.NoError(t, q.EnqueueDelivery(context.Background(), id))
	// Same message twice is a no-op.
	require.NoError(t, q.EnqueueDelivery(context.Background(), id))

	pending, err := mr.List("asynq:{" + QueueName + "}:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{id.String()}, pending)
}
