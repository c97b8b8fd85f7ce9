package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/automation"
)

type memMessages struct {
	mu   sync.Mutex
	msgs map[uuid.UUID]automation.Message
}

func (m *memMessages) GetMessage(_ context.Context, id uuid.UUID) (*automation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return nil, automation.ErrMessageNotFound
	}
	return &msg, nil
}

func (m *memMessages) UpdateMessageStatus(_ context.Context, id uuid.UUID, status automation.MessageStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return automation.ErrMessageNotFound
	}
	msg.Status, msg.Error = status, errMsg
	m.msgs[id] = msg
	return nil
}

type fakeChannel struct {
	calls int
	err   error
}

func (f *fakeChannel) Deliver(context.Context, automation.Message) error {
	f.calls++
	return f.err
}

type countingRecorder struct {
	got []string
}

func (c *countingRecorder) ObserveDelivery(channel, status string) {
	c.got = append(c.got, channel+":"+status)
}

func queuedMessage(store *memMessages, channel automation.Channel) automation.Message {
	target := "+5491100000000"
	msg := automation.Message{
		ID:      uuid.New(),
		Channel: channel,
		Body:    "hi",
		Target:  &target,
		Status:  automation.MessageQueued,
	}
	store.msgs[msg.ID] = msg
	return msg
}

func deliveryTask(t *testing.T, id uuid.UUID) *asynq.Task {
	t.Helper()
	task, err := NewDeliveryTask(id)
	require.NoError(t, err)
	return task
}

func TestHandleDeliveryMarksSent(t *testing.T) {
	store := &memMessages{msgs: map[uuid.UUID]automation.Message{}}
	ch := &fakeChannel{}
	rec := &countingRecorder{}
	w := NewWorker(store, map[automation.Channel]Channel{automation.ChannelWhatsApp: ch}, zap.NewNop(), rec)

	msg := queuedMessage(store, automation.ChannelWhatsApp)
	require.NoError(t, w.HandleDelivery(context.Background(), deliveryTask(t, msg.ID)))

	assert.Equal(t, 1, ch.calls)
	assert.Equal(t, automation.MessageSent, store.msgs[msg.ID].Status)
	assert.Equal(t, []string{"whatsapp:sent"}, rec.got)

	// Redelivery of the same task does not send twice.
	require.NoError(t, w.HandleDelivery(context.Background(), deliveryTask(t, msg.ID)))
	assert.Equal(t, 1, ch.calls)
}

func TestHandleDeliveryFailureMarksFailed(t *testing.T) {
	store := &memMessages{msgs: map[uuid.UUID]automation.Message{}}
	ch := &fakeChannel{err: errors.New("connection reset")}
	w := NewWorker(store, map[automation.Channel]Channel{automation.ChannelWhatsApp: ch}, nil, nil)

	msg := queuedMessage(store, automation.ChannelWhatsApp)
	err := w.HandleDelivery(context.Background(), deliveryTask(t, msg.ID))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	stored := store.msgs[msg.ID]
	assert.Equal(t, automation.MessageFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "connection reset")
}

func TestHandleDeliveryUnknownChannel(t *testing.T) {
	store := &memMessages{msgs: map[uuid.UUID]automation.Message{}}
	w := NewWorker(store, map[automation.Channel]Channel{}, nil, nil)

	msg := queuedMessage(store, automation.ChannelEmail)
	require.NoError(t, w.HandleDelivery(context.Background(), deliveryTask(t, msg.ID)))
	assert.Equal(t, automation.MessageFailed, store.msgs[msg.ID].Status)
}

func TestHandleDeliveryBadPayloadAndMissingMessage(t *testing.T) {
	store := &memMessages{msgs: map[uuid.UUID]automation.Message{}}
	w := NewWorker(store, nil, nil, nil)

	err := w.HandleDelivery(context.Background(), asynq.NewTask(TypeDeliverMessage, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	assert.NoError(t, w.HandleDelivery(context.Background(), deliveryTask(t, uuid.New())))
}

func TestPermanentErrors(t *testing.T) {
	assert.True(t, permanent(ErrNoTarget))
	assert.True(t, permanent(&StatusError{Status: 400}))
	assert.True(t, permanent(&StatusError{Status: 404}))
	assert.False(t, permanent(&StatusError{Status: 429}))
	assert.False(t, permanent(&StatusError{Status: 503}))
	assert.False(t, permanent(errors.New("timeout")))
}
