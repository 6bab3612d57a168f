// Package metrics wires the otel-backed counters spec.md §5 requires:
// connect/disconnect-symmetric session gauges and per-tenant in-flight
// query counts, so their callers (the session registry and the api preview
// path) only ever touch these wrappers and never a raw metric backend.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func tenantAttr(tenantID string) attribute.KeyValue {
	return attribute.String("tenant_id", tenantID)
}

// Sessions tracks active viewer session counts. Connect paths Add(ctx, 1);
// disconnect paths Add(ctx, -1) — callers are responsible for the symmetry
// spec.md §5 demands ("connect and disconnect paths must be symmetric").
type Sessions struct {
	active metric.Int64UpDownCounter
}

// InFlightQueries tracks per-tenant concurrent query counts, the
// backpressure signal spec.md §5 describes ("per-tenant in-flight query
// count may be bounded to prevent one tenant from starving others").
type InFlightQueries struct {
	counter metric.Int64UpDownCounter
}

// Registry bundles every counter this engine emits, constructed once from
// an otel Meter at process start.
type Registry struct {
	Sessions        *Sessions
	InFlightQueries *InFlightQueries
}

func New(meter metric.Meter) (*Registry, error) {
	activeSessions, err := meter.Int64UpDownCounter(
		"flowforge_active_sessions",
		metric.WithDescription("current number of connected dashboard viewer sessions"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(
		"flowforge_inflight_queries",
		metric.WithDescription("current number of in-flight store queries per tenant"),
	)
	if err != nil {
		return nil, err
	}
	return &Registry{
		Sessions:        &Sessions{active: activeSessions},
		InFlightQueries: &InFlightQueries{counter: inFlight},
	}, nil
}

func (s *Sessions) Connected(ctx context.Context) {
	if s == nil {
		return
	}
	s.active.Add(ctx, 1)
}

func (s *Sessions) Disconnected(ctx context.Context) {
	if s == nil {
		return
	}
	s.active.Add(ctx, -1)
}

func (q *InFlightQueries) Started(ctx context.Context, tenantID string) {
	if q == nil {
		return
	}
	q.counter.Add(ctx, 1, metric.WithAttributes(tenantAttr(tenantID)))
}

func (q *InFlightQueries) Finished(ctx context.Context, tenantID string) {
	if q == nil {
		return
	}
	q.counter.Add(ctx, -1, metric.WithAttributes(tenantAttr(tenantID)))
}
