package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gridmaster/etm-worker/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nack struct {
	generation, tag uint64
	requeue         bool
}

type fakeBroker struct {
	deliveries []amqp.Delivery
	generation uint64
	getErr     error
	acks       []uint64
	nacks      []nack
	published  []amqp.Publishing
	queues     []string
}

func (b *fakeBroker) Get(queue string) (amqp.Delivery, bool, uint64, error) {
	b.queues = append(b.queues, queue)
	if b.getErr != nil {
		return amqp.Delivery{}, false, 0, b.getErr
	}
	if len(b.deliveries) == 0 {
		return amqp.Delivery{}, false, b.generation, nil
	}
	d := b.deliveries[0]
	b.deliveries = b.deliveries[1:]
	return d, true, b.generation, nil
}

func (b *fakeBroker) Ack(generation, tag uint64) error {
	b.acks = append(b.acks, tag)
	return nil
}

func (b *fakeBroker) Nack(generation, tag uint64, requeue bool) error {
	b.nacks = append(b.nacks, nack{generation: generation, tag: tag, requeue: requeue})
	return nil
}

func (b *fakeBroker) PublishWithRetry(ctx context.Context, queue string, msg amqp.Publishing) error {
	b.queues = append(b.queues, queue)
	b.published = append(b.published, msg)
	return nil
}

const validBody = `{
	"scenarioId": "sc-1",
	"bucketFolder": "jobs/1/",
	"baseEsdlLocation": "jobs/1/base.esdl",
	"contextScenarioLocation": "jobs/1/context.json",
	"requestedBy": "planner"
}`

func newTestQueue(b *fakeBroker) *RabbitQueue {
	return NewRabbitQueue(b, "etm_queue", "esdl_updater_queue", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRabbitQueue_ReceiveEmpty(t *testing.T) {
	b := &fakeBroker{generation: 1}
	q := newTestQueue(b)

	delivery, err := q.Receive(context.Background())

	require.NoError(t, err)
	assert.Nil(t, delivery)
	assert.Equal(t, []string{"etm_queue"}, b.queues)
}

func TestRabbitQueue_ReceiveAndDelete(t *testing.T) {
	b := &fakeBroker{generation: 3, deliveries: []amqp.Delivery{{DeliveryTag: 17, Body: []byte(validBody)}}}
	q := newTestQueue(b)

	delivery, err := q.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "sc-1", delivery.Job.ScenarioID)
	assert.Equal(t, domain.Receipt("3:17"), delivery.Receipt)

	require.NoError(t, q.Delete(context.Background(), delivery.Receipt))
	assert.Equal(t, []uint64{17}, b.acks)

	// a duplicate delete is ignored
	require.NoError(t, q.Delete(context.Background(), delivery.Receipt))
	assert.Equal(t, []uint64{17}, b.acks)
}

func TestRabbitQueue_Release(t *testing.T) {
	b := &fakeBroker{generation: 1, deliveries: []amqp.Delivery{{DeliveryTag: 4, Body: []byte(validBody)}}}
	q := newTestQueue(b)

	delivery, err := q.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Release(context.Background(), delivery.Receipt))
	assert.Equal(t, []nack{{generation: 1, tag: 4, requeue: true}}, b.nacks)

	// settled receipts cannot be deleted afterwards
	require.NoError(t, q.Delete(context.Background(), delivery.Receipt))
	assert.Empty(t, b.acks)
}

func TestRabbitQueue_ReceiveInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{{{`},
		{name: "missing bucket folder", body: `{"scenarioId": "sc-1", "baseEsdlLocation": "a", "contextScenarioLocation": "b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroker{generation: 1, deliveries: []amqp.Delivery{{DeliveryTag: 9, Body: []byte(tt.body)}}}
			q := newTestQueue(b)

			delivery, err := q.Receive(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidMessage)
			assert.Nil(t, delivery)
			assert.Equal(t, []nack{{generation: 1, tag: 9, requeue: false}}, b.nacks)
		})
	}
}

func TestRabbitQueue_ReceiveError(t *testing.T) {
	b := &fakeBroker{getErr: errors.New("channel closed")}
	q := newTestQueue(b)

	delivery, err := q.Receive(context.Background())

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidMessage)
	assert.Nil(t, delivery)
}

func TestRabbitQueue_Send(t *testing.T) {
	b := &fakeBroker{generation: 1, deliveries: []amqp.Delivery{{DeliveryTag: 1, Body: []byte(validBody)}}}
	q := newTestQueue(b)

	delivery, err := q.Receive(context.Background())
	require.NoError(t, err)

	processed := delivery.Job.MarkProcessed("etm-5", "jobs/1/etm_result.tar.gz")
	require.NoError(t, q.Send(context.Background(), processed))

	require.Len(t, b.published, 1)
	msg := b.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "sc-1", msg.CorrelationId)
	assert.NotEmpty(t, msg.MessageId)
	assert.Equal(t, "esdl_updater_queue", b.queues[len(b.queues)-1])

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "etmProcessed", body["calculationState"])
	assert.Equal(t, "etm-5", body["etmScenarioId"])
	assert.Equal(t, "jobs/1/etm_result.tar.gz", body["etmResultLocation"])
	assert.Equal(t, "planner", body["requestedBy"])
}

func TestParseReceipt(t *testing.T) {
	generation, tag, err := parseReceipt(newReceipt(2, 99))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), generation)
	assert.Equal(t, uint64(99), tag)

	_, _, err = parseReceipt("garbage")
	assert.Error(t, err)
	_, _, err = parseReceipt("x:1")
	assert.Error(t, err)
}
