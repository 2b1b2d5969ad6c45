package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jcmexdev/saga-outbox/internal/outbox"

type processorMetrics struct {
	published         metric.Int64Counter
	failed            metric.Int64Counter
	skipped           metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	cycleDuration     metric.Float64Histogram
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		m   processorMetrics
		err error
	)

	m.published, err = meter.Int64Counter("outbox.entries.published",
		metric.WithDescription("Outbox entries published"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.entries.published counter: %w", err)
	}

	m.failed, err = meter.Int64Counter("outbox.entries.failed",
		metric.WithDescription("Outbox entries that exhausted their publish attempts"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.entries.failed counter: %w", err)
	}

	m.skipped, err = meter.Int64Counter("outbox.entries.skipped",
		metric.WithDescription("Outbox entries skipped as exhausted or already claimed"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.entries.skipped counter: %w", err)
	}

	m.stateUpdateFailed, err = meter.Int64Counter("outbox.entries.state_update_failed",
		metric.WithDescription("Outbox entries published but not persisted as published"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.entries.state_update_failed counter: %w", err)
	}

	m.cycleDuration, err = meter.Float64Histogram("outbox.cycle.duration",
		metric.WithDescription("Time taken by one processor invocation"),
		metric.WithUnit("s"))
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.cycle.duration histogram: %w", err)
	}

	return m, nil
}

func (m processorMetrics) record(ctx context.Context, r Result, seconds float64) {
	m.published.Add(ctx, int64(r.Published))
	m.failed.Add(ctx, int64(r.Failed))
	m.skipped.Add(ctx, int64(r.Skipped))
	m.stateUpdateFailed.Add(ctx, int64(r.StateUpdateFailed))
	m.cycleDuration.Record(ctx, seconds)
}
