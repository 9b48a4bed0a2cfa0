package backfill

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	tasksProcessed  metric.Int64Counter
	jiraSubmissions metric.Int64Counter
	syncDuration    metric.Float64Histogram
}

// NewMetrics creates the backfill instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	tasksProcessed, err := meter.Int64Counter("backfill.tasks.processed",
		metric.WithDescription("Backfill task pages processed, by task type and outcome"))
	if err != nil {
		return nil, err
	}
	jiraSubmissions, err := meter.Int64Counter("backfill.jira.submissions",
		metric.WithDescription("Payload submissions to Jira, by endpoint and status"))
	if err != nil {
		return nil, err
	}
	syncDuration, err := meter.Float64Histogram("backfill.sync.duration",
		metric.WithDescription("Wall-clock duration of completed backfills in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		tasksProcessed:  tasksProcessed,
		jiraSubmissions: jiraSubmissions,
		syncDuration:    syncDuration,
	}, nil
}

func (m *Metrics) taskProcessed(ctx context.Context, taskType, outcome string) {
	if m == nil {
		return
	}
	m.tasksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) jiraSubmitted(ctx context.Context, endpoint string, status int) {
	if m == nil {
		return
	}
	m.jiraSubmissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int("status", status),
	))
}

func (m *Metrics) syncCompleted(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.Record(ctx, elapsed.Seconds())
}
