// Package delivery sends automation messages out of process: the API enqueues
// an asynq task per message and the automation worker delivers it over the
// message's channel, recording the outcome on the message row.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeDeliverMessage = "automation:deliver"
	QueueName          = "deliveries"
)

type DeliveryPayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

func NewDeliveryTask(messageID uuid.UUID) (*asynq.Task, error) {
	b, err := json.Marshal(DeliveryPayload{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliverMessage, b), nil
}

// Queue enqueues delivery tasks. It satisfies automation.Enqueuer.
type Queue struct {
	client   *asynq.Client
	maxRetry int
}

func NewQueue(opt asynq.RedisClientOpt, maxRetry int) *Queue {
	return &Queue{client: asynq.NewClient(opt), maxRetry: maxRetry}
}

func (q *Queue) EnqueueDelivery(ctx context.Context, messageID uuid.UUID) error {
	task, err := NewDeliveryTask(messageID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
		asynq.TaskID(messageID.String()),
	}
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue delivery %s: %w", messageID, err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
