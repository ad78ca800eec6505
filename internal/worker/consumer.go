package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gridmaster/etm-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// broker is the subset of the RabbitMQ client used by the queue adapter
type broker interface {
	Get(queue string) (amqp.Delivery, bool, uint64, error)
	Ack(generation, tag uint64) error
	Nack(generation, tag uint64, requeue bool) error
	PublishWithRetry(ctx context.Context, queue string, msg amqp.Publishing) error
}

// RabbitQueue polls the inbound queue one message at a time and forwards
// processed jobs to the outbound queue.
//
// Settling a receipt that is unknown or already settled is a no-op.
type RabbitQueue struct {
	broker        broker
	inboundQueue  string
	outboundQueue string
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[domain.Receipt]struct{}
}

// NewRabbitQueue creates a queue adapter over a RabbitMQ client
func NewRabbitQueue(b broker, inboundQueue, outboundQueue string, logger *slog.Logger) *RabbitQueue {
	return &RabbitQueue{
		broker:        b,
		inboundQueue:  inboundQueue,
		outboundQueue: outboundQueue,
		logger:        logger,
		pending:       make(map[domain.Receipt]struct{}),
	}
}

// Receive fetches at most one job. It returns nil without error when the queue is empty.
// Messages that cannot be decoded into a valid job are dead-lettered and
// reported as domain.ErrInvalidMessage.
func (q *RabbitQueue) Receive(ctx context.Context) (*domain.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	delivery, ok, generation, err := q.broker.Get(q.inboundQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var job domain.Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		q.reject(generation, delivery, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if err := job.Validate(); err != nil {
		q.reject(generation, delivery, err)
		return nil, err
	}

	receipt := newReceipt(generation, delivery.DeliveryTag)

	q.mu.Lock()
	q.pending[receipt] = struct{}{}
	q.mu.Unlock()

	q.logger.Debug("Message received",
		slog.String("scenario_id", job.ScenarioID),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.Bool("redelivered", delivery.Redelivered),
	)

	return &domain.Delivery{Job: job, Receipt: receipt}, nil
}

// Delete acknowledges a delivery so it will not be redelivered
func (q *RabbitQueue) Delete(ctx context.Context, receipt domain.Receipt) error {
	generation, tag, ok := q.settle(receipt)
	if !ok {
		q.logger.Debug("Ignoring delete of unknown receipt",
			slog.String("receipt", string(receipt)),
		)
		return nil
	}

	if err := q.broker.Ack(generation, tag); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// Release returns a delivery to the inbound queue for a later attempt
func (q *RabbitQueue) Release(ctx context.Context, receipt domain.Receipt) error {
	generation, tag, ok := q.settle(receipt)
	if !ok {
		q.logger.Debug("Ignoring release of unknown receipt",
			slog.String("receipt", string(receipt)),
		)
		return nil
	}

	if err := q.broker.Nack(generation, tag, true); err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

// Send enqueues a job onto the outbound queue
func (q *RabbitQueue) Send(ctx context.Context, job domain.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.broker.PublishWithRetry(ctx, q.outboundQueue, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: job.ScenarioID,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to send job: %w", err)
	}
	return nil
}

func (q *RabbitQueue) settle(receipt domain.Receipt) (uint64, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[receipt]; !ok {
		return 0, 0, false
	}
	delete(q.pending, receipt)

	generation, tag, err := parseReceipt(receipt)
	if err != nil {
		return 0, 0, false
	}
	return generation, tag, true
}

// reject dead-letters a message that can never be processed
func (q *RabbitQueue) reject(generation uint64, delivery amqp.Delivery, cause error) {
	q.logger.Error("Dropping malformed message",
		slog.Any("error", cause),
		slog.String("body", string(delivery.Body)),
	)
	if err := q.broker.Nack(generation, delivery.DeliveryTag, false); err != nil {
		q.logger.Error("Failed to NACK malformed message",
			slog.Any("error", err),
		)
	}
}

func newReceipt(generation, tag uint64) domain.Receipt {
	return domain.Receipt(strconv.FormatUint(generation, 10) + ":" + strconv.FormatUint(tag, 10))
}

func parseReceipt(receipt domain.Receipt) (uint64, uint64, error) {
	genPart, tagPart, found := strings.Cut(string(receipt), ":")
	if !found {
		return 0, 0, fmt.Errorf("malformed receipt %q", receipt)
	}
	generation, err := strconv.ParseUint(genPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed receipt %q: %w", receipt, err)
	}
	tag, err := strconv.ParseUint(tagPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed receipt %q: %w", receipt, err)
	}
	return generation, tag, nil
}
