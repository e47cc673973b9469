package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "naive-pay/client/session"

// Metrics records session lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions metric.Int64Counter
	warnings    metric.Int64Counter
}

// NewMetrics creates the session counters on mp, or on the global MeterProvider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	transitions, err := meter.Int64Counter("naivepay.session.transitions",
		metric.WithDescription("Session state transitions by source state, target state and reason."),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}
	warnings, err := meter.Int64Counter("naivepay.session.inactivity_warnings",
		metric.WithDescription("Inactivity warnings shown."),
		metric.WithUnit("{warning}"))
	if err != nil {
		return nil, err
	}
	return &Metrics{transitions: transitions, warnings: warnings}, nil
}

// RecordTransition counts one transition from -> to.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, reason string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("from", from),
		attribute.String("to", to),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWarning counts one inactivity warning.
func (m *Metrics) RecordWarning(ctx context.Context) {
	if m == nil {
		return
	}
	m.warnings.Add(ctx, 1)
}
