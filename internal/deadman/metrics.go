package deadman

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	operations metric.Int64Counter
	relays     metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	ops, err := m.Int64Counter("dms.operations",
		metric.WithDescription("Switch operations by name and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("operations counter: %w", err)
	}
	relays, err := m.Int64Counter("dms.relays",
		metric.WithDescription("Relay attempts by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("relays counter: %w", err)
	}
	return &metrics{operations: ops, relays: relays}, nil
}

func (m *metrics) op(ctx context.Context, name string, err error) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", name),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *metrics) relay(ctx context.Context, err error) {
	m.relays.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

func outcome(err error) string {
	return strings.ToLower(Code(err))
}
