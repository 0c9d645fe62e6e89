// Package topology validates and declares the per-queue broker topology: a
// primary exchange and queue, a dead-letter exchange and queue, and a delay
// queue that dead-letters back into the primary exchange.
package topology

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

// QueueBinding is the static configuration of one job queue. It is loaded at
// startup and never changes afterwards.
type QueueBinding struct {
	QueueName          string        `yaml:"queue_name" json:"queue_name" validate:"required,max=200"`
	Exchange           string        `yaml:"exchange" json:"exchange" validate:"required,max=200"`
	RoutingKey         string        `yaml:"routing_key" json:"routing_key" validate:"required,max=200"`
	DeadLetterExchange string        `yaml:"dead_letter_exchange" json:"dead_letter_exchange" validate:"required,max=200,nefield=Exchange"`
	DeadLetterQueue    string        `yaml:"dead_letter_queue" json:"dead_letter_queue" validate:"required,max=200,nefield=QueueName"`
	RetryQueue         string        `yaml:"retry_queue,omitempty" json:"retry_queue,omitempty" validate:"required,max=200,nefield=QueueName,nefield=DeadLetterQueue"`
	MessageTTL         time.Duration `yaml:"message_ttl" json:"message_ttl" validate:"gte=0"`
	MaxLength          int           `yaml:"max_length" json:"max_length" validate:"gte=0"`
	MaxAttempts        int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1,lte=100"`
}

const retryQueueSuffix = ".retry"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every binding's fields and then the graph they form
// together. All problems are reported at once.
func Validate(bindings []QueueBinding) error {
	if len(bindings) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one queue binding is required")
	}

	var errs error
	for i, b := range bindings {
		if err := validate.Struct(b); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("binding %d (%s): %w", i, b.QueueName, err))
		}
	}
	errs = multierr.Append(errs, validateGraph(bindings))
	if errs == nil {
		return nil
	}

	problems := make([]string, 0)
	for _, err := range multierr.Errors(errs) {
		problems = append(problems, err.Error())
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, errs, "invalid queue topology").
		WithDetails(map[string]any{"problems": problems})
}

// validateGraph rejects topologies where a dead-lettered message could loop
// back into a primary queue or land in another queue's dead-letter store.
func validateGraph(bindings []QueueBinding) error {
	primaryQueues := map[string]bool{}
	primaryExchanges := map[string]bool{}
	for _, b := range bindings {
		primaryExchanges[b.Exchange] = true
	}

	var errs error
	routes := map[string]string{}
	dlxOwner := map[string]string{}
	dlqOwner := map[string]string{}
	retryOwner := map[string]string{}

	for _, b := range bindings {
		if primaryQueues[b.QueueName] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate queue name %q", b.QueueName))
		}
		primaryQueues[b.QueueName] = true

		route := b.Exchange + "/" + b.RoutingKey
		if owner, ok := routes[route]; ok {
			errs = multierr.Append(errs, fmt.Errorf("routing key %q on exchange %q bound by both %q and %q", b.RoutingKey, b.Exchange, owner, b.QueueName))
		}
		routes[route] = b.QueueName

		if primaryExchanges[b.DeadLetterExchange] {
			errs = multierr.Append(errs, fmt.Errorf("queue %q: dead letter exchange %q is a primary exchange", b.QueueName, b.DeadLetterExchange))
		}
		if owner, ok := dlxOwner[b.DeadLetterExchange]; ok {
			errs = multierr.Append(errs, fmt.Errorf("dead letter exchange %q shared by %q and %q", b.DeadLetterExchange, owner, b.QueueName))
		}
		dlxOwner[b.DeadLetterExchange] = b.QueueName

		if owner, ok := dlqOwner[b.DeadLetterQueue]; ok {
			errs = multierr.Append(errs, fmt.Errorf("dead letter queue %q shared by %q and %q", b.DeadLetterQueue, owner, b.QueueName))
		}
		dlqOwner[b.DeadLetterQueue] = b.QueueName

		if owner, ok := retryOwner[b.RetryQueue]; ok {
			errs = multierr.Append(errs, fmt.Errorf("retry queue %q shared by %q and %q", b.RetryQueue, owner, b.QueueName))
		}
		retryOwner[b.RetryQueue] = b.QueueName
	}

	for _, b := range bindings {
		if primaryQueues[b.DeadLetterQueue] {
			errs = multierr.Append(errs, fmt.Errorf("queue %q: dead letter queue %q is a primary queue", b.QueueName, b.DeadLetterQueue))
		}
		if primaryQueues[b.RetryQueue] {
			errs = multierr.Append(errs, fmt.Errorf("queue %q: retry queue %q is a primary queue", b.QueueName, b.RetryQueue))
		}
		if _, ok := dlqOwner[b.RetryQueue]; ok {
			errs = multierr.Append(errs, fmt.Errorf("queue %q: retry queue %q is a dead letter queue", b.QueueName, b.RetryQueue))
		}
	}
	return errs
}

// ApplyDefaults fills MaxAttempts and derives "<queue>.retry" as the delay
// queue on bindings that did not set them.
func ApplyDefaults(bindings []QueueBinding, maxAttempts int) []QueueBinding {
	out := make([]QueueBinding, len(bindings))
	copy(out, bindings)
	for i := range out {
		if out[i].MaxAttempts == 0 {
			out[i].MaxAttempts = maxAttempts
		}
		if out[i].RetryQueue == "" && out[i].QueueName != "" {
			out[i].RetryQueue = out[i].QueueName + retryQueueSuffix
		}
	}
	return out
}

// DefaultBindings is the built-in topology used when no file is configured.
func DefaultBindings(maxAttempts int) []QueueBinding {
	names := []string{"cad_generation", "cam_path_planning", "simulation"}
	sort.Strings(names)
	out := make([]QueueBinding, 0, len(names))
	for _, name := range names {
		out = append(out, QueueBinding{
			QueueName:          name,
			Exchange:           "jobcore.jobs",
			RoutingKey:         name,
			DeadLetterExchange: "jobcore.dlx." + name,
			DeadLetterQueue:    name + ".dlq",
			RetryQueue:         name + retryQueueSuffix,
			MessageTTL:         24 * time.Hour,
			MaxLength:          100000,
			MaxAttempts:        maxAttempts,
		})
	}
	return out
}
