package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/jobcore/pkg/db/models"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

const defaultOverdueScanLimit = 500

type dueWebhookLister interface {
	ListDue(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

type overdueGauge interface {
	SetOverdue(n int)
}

type WebhookOverdueJobParams struct {
	Logger   *logger.Logger
	Webhooks dueWebhookLister
	Gauge    overdueGauge
	Limit    int
}

// NewWebhookOverdueJob reports pending webhook events whose retry time has
// passed without the sender redelivering. Redelivery is the sender's job, so
// events are only counted and logged.
func NewWebhookOverdueJob(params WebhookOverdueJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Webhooks == nil {
		return nil, fmt.Errorf("webhook store required")
	}
	if params.Limit <= 0 {
		params.Limit = defaultOverdueScanLimit
	}
	return &webhookOverdueJob{
		logg:     params.Logger,
		webhooks: params.Webhooks,
		gauge:    params.Gauge,
		limit:    params.Limit,
	}, nil
}

type webhookOverdueJob struct {
	logg     *logger.Logger
	webhooks dueWebhookLister
	gauge    overdueGauge
	limit    int
}

func (j *webhookOverdueJob) Name() string { return "webhook-overdue" }

func (j *webhookOverdueJob) Run(ctx context.Context) error {
	due, err := j.webhooks.ListDue(ctx, j.limit)
	if err != nil {
		return fmt.Errorf("list overdue webhooks: %w", err)
	}
	if j.gauge != nil {
		j.gauge.SetOverdue(len(due))
	}
	if len(due) == 0 {
		return nil
	}
	oldest := due[0]
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"count":          len(due),
		"oldest_event":   oldest.EventID,
		"oldest_source":  oldest.Source,
		"oldest_attempt": oldest.DeliveryAttempts,
	})
	j.logg.Warn(logCtx, "cron.webhooks_overdue")
	return nil
}
