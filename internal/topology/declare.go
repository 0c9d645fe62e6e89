package topology

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const deadLetterCatchAll = "#"

// Channel is the subset of *amqp.Channel used for declarations.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

type Declarer struct {
	ch   Channel
	logg *logger.Logger
}

func NewDeclarer(ch Channel, logg *logger.Logger) *Declarer {
	return &Declarer{ch: ch, logg: logg}
}

// Declare validates bindings and declares them. Declaring a topology that
// already exists with identical arguments is a no-op on the broker; a
// mismatch surfaces as CONFLICT naming the queue.
func (d *Declarer) Declare(ctx context.Context, bindings []QueueBinding) error {
	if err := Validate(bindings); err != nil {
		return err
	}
	for _, b := range bindings {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.declareOne(b); err != nil {
			return mapBrokerError(b.QueueName, err)
		}
		if d.logg != nil {
			d.logg.Info(d.logg.WithQueue(ctx, b.QueueName), "topology.declared")
		}
	}
	return nil
}

func (d *Declarer) declareOne(b QueueBinding) error {
	if err := d.ch.ExchangeDeclare(b.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.Exchange, err)
	}
	if err := d.ch.ExchangeDeclare(b.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter exchange %s: %w", b.DeadLetterExchange, err)
	}
	if _, err := d.ch.QueueDeclare(b.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue %s: %w", b.DeadLetterQueue, err)
	}
	if err := d.ch.QueueBind(b.DeadLetterQueue, deadLetterCatchAll, b.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead letter queue %s: %w", b.DeadLetterQueue, err)
	}

	if _, err := d.ch.QueueDeclare(b.QueueName, true, false, false, false, PrimaryQueueArgs(b)); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.QueueName, err)
	}
	if err := d.ch.QueueBind(b.QueueName, b.RoutingKey, b.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", b.QueueName, err)
	}

	if _, err := d.ch.QueueDeclare(b.RetryQueue, true, false, false, false, RetryQueueArgs(b)); err != nil {
		return fmt.Errorf("declare retry queue %s: %w", b.RetryQueue, err)
	}
	return nil
}

// PrimaryQueueArgs routes rejected and expired messages to the binding's DLX.
func PrimaryQueueArgs(b QueueBinding) amqp.Table {
	args := amqp.Table{"x-dead-letter-exchange": b.DeadLetterExchange}
	if b.MessageTTL > 0 {
		args["x-message-ttl"] = b.MessageTTL.Milliseconds()
	}
	if b.MaxLength > 0 {
		args["x-max-length"] = int64(b.MaxLength)
	}
	return args
}

// RetryQueueArgs makes the retry queue a delay stage: nothing consumes it, and
// each message dead-letters back to the primary route when its per-message
// expiration elapses.
func RetryQueueArgs(b QueueBinding) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    b.Exchange,
		"x-dead-letter-routing-key": b.RoutingKey,
	}
}

func mapBrokerError(queue string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "queue topology conflicts with the broker").
			WithDetails(map[string]any{"queue_name": queue, "reason": amqpErr.Reason})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "declare queue topology").
		WithDetails(map[string]any{"queue_name": queue})
}
