package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xenking/flashkart/internal/domain/checkout"

type metrics struct {
	commits       metric.Int64Counter
	duration      metric.Float64Histogram
	compensations metric.Int64Counter
	settlements   metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	commits, err := meter.Int64Counter("checkout.commits",
		metric.WithDescription("Commit attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "commits counter")
	}
	duration, err := meter.Float64Histogram("checkout.commit.duration",
		metric.WithDescription("Commit latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	compensations, err := meter.Int64Counter("checkout.compensations",
		metric.WithDescription("Compensating actions run after failed commits"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "compensations counter")
	}
	settlements, err := meter.Int64Counter("checkout.settlements",
		metric.WithDescription("Order payment settlements by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "settlements counter")
	}

	return &metrics{
		commits:       commits,
		duration:      duration,
		compensations: compensations,
		settlements:   settlements,
	}, nil
}

func (m *metrics) commitDone(ctx context.Context, start time.Time, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.commits.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}
