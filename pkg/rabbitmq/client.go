package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const defaultConfirmTimeout = 5 * time.Second

// Client owns one AMQP connection. Channels are opened per use: a publisher
// channel in confirm mode and one consumer channel per queue.
type Client struct {
	conn           *amqp.Connection
	confirmTimeout time.Duration
	logg           *logger.Logger
}

// New dials the broker. An unreachable broker is returned as an error so the
// binary can fail at startup.
func New(ctx context.Context, cfg config.AMQPConfig, logg *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "connection_name", cfg.ConnectionName), "amqp connection established")
	}
	return &Client{conn: conn, confirmTimeout: timeout, logg: logg}, nil
}

// Channel opens a fresh channel.
func (c *Client) Channel() (*amqp.Channel, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("amqp client not initialized")
	}
	return c.conn.Channel()
}

// Ping reports whether the connection is still open.
func (c *Client) Ping(context.Context) error {
	if c == nil || c.conn == nil {
		return errors.New("amqp client not initialized")
	}
	if c.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// NotifyClose surfaces connection loss so long-running binaries can exit and restart.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// NewPublisher opens a channel in confirm mode.
func (c *Client) NewPublisher() (*Publisher, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return newPublisher(ch, c.confirmTimeout), nil
}

type confirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Message is one job delivery to publish.
type Message struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Body          []byte
	Headers       amqp.Table
	// Expiration is the per-message TTL. Used on retry queues, where the
	// message dead-letters back to the primary exchange when it expires.
	Expiration time.Duration
}

// Publisher publishes persistent messages and waits for the broker confirm.
// A channel is not safe for concurrent publishing, so calls are serialized.
type Publisher struct {
	mu      sync.Mutex
	ch      confirmChannel
	timeout time.Duration
}

func newPublisher(ch confirmChannel, timeout time.Duration) *Publisher {
	return &Publisher{ch: ch, timeout: timeout}
}

// Publish returns once the broker confirmed the message, or an error when it
// nacked or the confirm timed out.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Headers:       msg.Headers,
		Body:          msg.Body,
	}
	if msg.Expiration > 0 {
		publishing.Expiration = fmt.Sprintf("%d", msg.Expiration.Milliseconds())
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, publishing)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", msg.Exchange, msg.RoutingKey, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publisher confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.MessageID)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
