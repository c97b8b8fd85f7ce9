package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/automation"
)

// MessageStore is the slice of automation.Store the worker needs.
type MessageStore interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*automation.Message, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status automation.MessageStatus, errMsg *string) error
}

// Recorder receives one observation per delivery attempt.
type Recorder interface {
	ObserveDelivery(channel, status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDelivery(string, string) {}

type Worker struct {
	store    MessageStore
	channels map[automation.Channel]Channel
	logger   *zap.Logger
	metrics  Recorder
}

func NewWorker(store MessageStore, channels map[automation.Channel]Channel, logger *zap.Logger, metrics Recorder) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Worker{
		store:    store,
		channels: channels,
		logger:   logger.Named("delivery"),
		metrics:  metrics,
	}
}

// Mux routes delivery tasks to the worker.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeliverMessage, w.HandleDelivery)
	return mux
}

// HandleDelivery sends one queued message. Messages that are no longer
// queued are acknowledged without sending, so redelivered tasks are
// harmless. Transient failures are returned for asynq to retry; the message
// is marked failed once retries are exhausted or the failure is permanent.
func (w *Worker) HandleDelivery(ctx context.Context, task *asynq.Task) error {
	var p DeliveryPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		w.logger.Error("invalid delivery payload", zap.Error(err))
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	log := w.logger.With(zap.String("message_id", p.MessageID.String()))

	msg, err := w.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, automation.ErrMessageNotFound) {
			log.Warn("message vanished before delivery")
			return nil
		}
		return err
	}
	if msg.Status != automation.MessageQueued {
		log.Debug("message already handled", zap.String("status", string(msg.Status)))
		return nil
	}

	ch, ok := w.channels[msg.Channel]
	if !ok {
		w.fail(ctx, log, msg, fmt.Errorf("no sender for channel %q", msg.Channel))
		return nil
	}

	if err := ch.Deliver(ctx, *msg); err != nil {
		if permanent(err) || finalAttempt(ctx) {
			w.fail(ctx, log, msg, err)
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		log.Warn("delivery attempt failed, will retry", zap.String("channel", string(msg.Channel)), zap.Error(err))
		w.metrics.ObserveDelivery(string(msg.Channel), "retry")
		return err
	}

	if err := w.store.UpdateMessageStatus(ctx, msg.ID, automation.MessageSent, nil); err != nil {
		log.Error("mark message sent", zap.Error(err))
		// Sent but not recorded; retrying would deliver twice.
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	w.metrics.ObserveDelivery(string(msg.Channel), "sent")
	log.Info("message delivered", zap.String("channel", string(msg.Channel)))
	return nil
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, msg *automation.Message, cause error) {
	reason := cause.Error()
	if err := w.store.UpdateMessageStatus(ctx, msg.ID, automation.MessageFailed, &reason); err != nil {
		log.Error("mark message failed", zap.Error(err))
	}
	w.metrics.ObserveDelivery(string(msg.Channel), "failed")
	log.Warn("message delivery failed", zap.String("channel", string(msg.Channel)), zap.Error(cause))
}

func permanent(err error) bool {
	if errors.Is(err, ErrNoTarget) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// finalAttempt is true outside an asynq handler too, so direct calls never
// leave a message queued after a failure.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// NewServer builds the asynq server processing the delivery queue.
func NewServer(opt asynq.RedisClientOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueName: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
}
