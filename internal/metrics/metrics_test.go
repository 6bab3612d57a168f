package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewRegistryConstructsCounters(t *testing.T) {
	reg, err := New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	reg.Sessions.Connected(ctx)
	reg.Sessions.Disconnected(ctx)
	reg.InFlightQueries.Started(ctx, "tenant-a")
	reg.InFlightQueries.Finished(ctx, "tenant-a")
}

func TestNilReceiversAreSafeNoOps(t *testing.T) {
	var s *Sessions
	var q *InFlightQueries
	ctx := context.Background()

	s.Connected(ctx)
	s.Disconnected(ctx)
	q.Started(ctx, "tenant-a")
	q.Finished(ctx, "tenant-a")
}
