package circulation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"shelfledger/internal/apperr"
)

type ledgerMetrics struct {
	created  metric.Int64Counter
	returned metric.Int64Counter
	rejected metric.Int64Counter
}

func newLedgerMetrics() *ledgerMetrics {
	meter := otel.Meter("shelfledger/circulation")
	fallback := noop.NewMeterProvider().Meter("shelfledger/circulation")

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	return &ledgerMetrics{
		created:  counter("loans.created", "Loans created"),
		returned: counter("loans.returned", "Loans returned"),
		rejected: counter("loans.rejected", "Loan operations rejected, by operation and error kind"),
	}
}

func (m *ledgerMetrics) reject(ctx context.Context, operation string, err error) {
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("kind", kind),
	))
}
