package notify

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingChannel struct {
	key  string
	msg  amqp.Publishing
	fail error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.key = key
	c.msg = msg
	return c.fail
}

func (c *recordingChannel) Close() error { return nil }

func TestRabbitMQPublisherSendsPersistentMessage(t *testing.T) {
	ch := &recordingChannel{}
	p := &RabbitMQPublisher{channel: ch, queue: "notifications", logger: zap.NewNop()}

	err := p.Publish(context.Background(), "evt-1", "auction.outbid", []byte(`{"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, "notifications", ch.key)
	assert.Equal(t, "evt-1", ch.msg.MessageId)
	assert.Equal(t, "auction.outbid", ch.msg.Type)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.JSONEq(t, `{"a":1}`, string(ch.msg.Body))
}

func TestRabbitMQPublisherWrapsError(t *testing.T) {
	ch := &recordingChannel{fail: errors.New("channel closed")}
	p := &RabbitMQPublisher{channel: ch, queue: "q", logger: zap.NewNop()}

	err := p.Publish(context.Background(), "evt-1", "x", nil)
	assert.ErrorContains(t, err, "channel closed")
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), "evt-1", "refund.issued", []byte(`{}`)))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "refund.issued", logs.All()[0].ContextMap()["topic"])
}
