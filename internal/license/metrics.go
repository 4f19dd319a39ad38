package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygate/pkg/contracts/domain"
)

// Metrics bundles the OpenTelemetry instruments for license operations. All
// methods are nil-safe so instrumentation stays optional in tests.
type Metrics struct {
	activations    metric.Int64Counter
	issued         metric.Int64Counter
	resets         metric.Int64Counter
	verdicts       metric.Int64Counter
	storeReqTime   metric.Float64Histogram
	watchEvents    metric.Int64Counter
}

// NewMetrics registers the license instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.activations, err = meter.Int64Counter("keygate.activations",
		metric.WithDescription("Activation attempts by result")); err != nil {
		return nil, fmt.Errorf("create activations counter: %w", err)
	}
	if m.issued, err = meter.Int64Counter("keygate.keys_issued",
		metric.WithDescription("Activation keys issued")); err != nil {
		return nil, fmt.Errorf("create issued counter: %w", err)
	}
	if m.resets, err = meter.Int64Counter("keygate.keys_reset",
		metric.WithDescription("Activation keys reset by an admin")); err != nil {
		return nil, fmt.Errorf("create resets counter: %w", err)
	}
	if m.verdicts, err = meter.Int64Counter("keygate.verdicts",
		metric.WithDescription("Verdict evaluations by outcome")); err != nil {
		return nil, fmt.Errorf("create verdicts counter: %w", err)
	}
	if m.storeReqTime, err = meter.Float64Histogram("keygate.store_roundtrip_seconds",
		metric.WithDescription("Record store round-trip latency"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create store latency histogram: %w", err)
	}
	if m.watchEvents, err = meter.Int64Counter("keygate.watch_events",
		metric.WithDescription("Store change notifications received")); err != nil {
		return nil, fmt.Errorf("create watch events counter: %w", err)
	}
	return m, nil
}

// RecordActivation counts one activation attempt.
func (m *Metrics) RecordActivation(ctx context.Context, result string) {
	if m == nil || m.activations == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordIssued counts one issued key.
func (m *Metrics) RecordIssued(ctx context.Context) {
	if m == nil || m.issued == nil {
		return
	}
	m.issued.Add(ctx, 1)
}

// RecordReset counts one admin reset.
func (m *Metrics) RecordReset(ctx context.Context) {
	if m == nil || m.resets == nil {
		return
	}
	m.resets.Add(ctx, 1)
}

// RecordVerdict counts one verdict evaluation.
func (m *Metrics) RecordVerdict(ctx context.Context, verdict domain.Verdict) {
	if m == nil || m.verdicts == nil {
		return
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(verdict))))
}

// RecordStoreRoundTrip records the latency of one store call.
func (m *Metrics) RecordStoreRoundTrip(ctx context.Context, op string, elapsed time.Duration, err error) {
	if m == nil || m.storeReqTime == nil {
		return
	}
	m.storeReqTime.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}

// RecordWatchEvent counts one received change notification.
func (m *Metrics) RecordWatchEvent(ctx context.Context, removed bool) {
	if m == nil || m.watchEvents == nil {
		return
	}
	m.watchEvents.Add(ctx, 1, metric.WithAttributes(attribute.Bool("removed", removed)))
}
