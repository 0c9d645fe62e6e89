package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/jobcore/pkg/config"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (r *recordingChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	r.exchange = exchange
	r.key = key
	r.msg = msg
	return nil, r.err
}

func (r *recordingChannel) Close() error { return nil }

func TestPublisherBuildsPersistentMessage(t *testing.T) {
	ch := &recordingChannel{}
	pub := newPublisher(ch, time.Second)

	err := pub.Publish(context.Background(), Message{
		Exchange:   "jobs.cad_generation",
		RoutingKey: "cad_generation.retry",
		MessageID:  "job-1",
		Body:       []byte(`{"part":"bracket"}`),
		Expiration: 2500 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, "jobs.cad_generation", ch.exchange)
	assert.Equal(t, "cad_generation.retry", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "job-1", ch.msg.MessageId)
	assert.Equal(t, "2500", ch.msg.Expiration)
	assert.Equal(t, "application/json", ch.msg.ContentType)
}

func TestPublisherWrapsChannelError(t *testing.T) {
	pub := newPublisher(&recordingChannel{err: amqp.ErrClosed}, time.Second)
	err := pub.Publish(context.Background(), Message{Exchange: "x", RoutingKey: "y"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, amqp.ErrClosed))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), config.AMQPConfig{}, nil)
	assert.Error(t, err)
}

func TestNilClientPing(t *testing.T) {
	var c *Client
	assert.Error(t, c.Ping(context.Background()))
	assert.NoError(t, c.Close())
}
