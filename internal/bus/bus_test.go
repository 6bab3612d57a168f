package bus

import (
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []any
}

func (f *fakeSink) Send(msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, payload)
	return nil
}

type fakeDispatcher struct {
	sinks map[string][]Sink // tenantID+":"+table -> sinks
}

func (d *fakeDispatcher) SessionsForTable(tenantID, table string) []Sink {
	return d.sinks[tenantID+":"+table]
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []string // tenantID+":"+table
}

func (f *fakeInvalidator) InvalidateTables(tenantID string, tables []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tables {
		f.calls = append(f.calls, tenantID+":"+t)
	}
}

func TestChannelNamingConvention(t *testing.T) {
	got := channelName("tenant-a", "orders")
	want := "tenant-a:table_rows:orders"
	if got != want {
		t.Fatalf("channelName = %q, want %q", got, want)
	}
}

func TestHandleMessageDispatchesToMatchingSessionsOnly(t *testing.T) {
	sink := &fakeSink{}
	other := &fakeSink{}
	d := &fakeDispatcher{sinks: map[string][]Sink{
		"tenant-a:orders": {sink},
		"tenant-a:users":  {other},
	}}
	inv := &fakeInvalidator{}
	s := NewSubscriber(nil, d, inv, nil)

	s.handleMessage(&redis.Message{
		Channel: "tenant-a:table_rows:orders",
		Payload: `{"tenantID":"tenant-a","table":"orders","columns":["id"],"rows":[{"id":1}]}`,
	})

	if len(sink.msgs) != 1 {
		t.Fatalf("expected the matching session to receive one message, got %d", len(sink.msgs))
	}
	if len(other.msgs) != 0 {
		t.Fatalf("expected an unrelated session to receive nothing, got %d", len(other.msgs))
	}
	if len(inv.calls) != 1 || inv.calls[0] != "tenant-a:orders" {
		t.Fatalf("expected the cache invalidator to be called for tenant-a:orders, got %v", inv.calls)
	}
}

func TestHandleMessageIgnoresMalformedPayload(t *testing.T) {
	d := &fakeDispatcher{sinks: map[string][]Sink{}}
	inv := &fakeInvalidator{}
	s := NewSubscriber(nil, d, inv, nil)

	s.handleMessage(&redis.Message{
		Channel: "tenant-a:table_rows:orders",
		Payload: `not json`,
	})

	if len(inv.calls) != 0 {
		t.Fatal("expected a malformed payload not to trigger invalidation")
	}
}
