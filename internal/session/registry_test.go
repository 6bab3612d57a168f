package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/bus"
	"github.com/frowell/flowforge/internal/metrics"
	"go.opentelemetry.io/otel/metric/noop"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	return serverConn, clientConn
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	m, err := metrics.New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	busSub := bus.NewSubscriber(nil, &fakeDispatcher{}, nil, zap.NewNop())
	return NewRegistry(m, busSub, zap.NewNop())
}

type fakeDispatcher struct{}

func (fakeDispatcher) SessionsForTable(tenantID, table string) []bus.Sink { return nil }

func TestConnectRegistersSessionUnderTenant(t *testing.T) {
	r := newTestRegistry(t)
	serverConn, _ := dialPair(t)

	s := r.Connect(context.Background(), "tenant-a", "user-1", nil, serverConn)
	if s.TenantID != "tenant-a" {
		t.Fatalf("expected session tenant tenant-a, got %s", s.TenantID)
	}

	r.mu.RLock()
	_, ok := r.byTenant["tenant-a"][s.ID]
	r.mu.RUnlock()
	if !ok {
		t.Fatal("expected session to be indexed under its tenant")
	}
}

func TestSubscribeAndSessionsForTable(t *testing.T) {
	r := newTestRegistry(t)
	serverConn, _ := dialPair(t)
	s := r.Connect(context.Background(), "tenant-a", "user-1", nil, serverConn)

	r.Subscribe(s.ID, "widget-1", []string{"orders", "order_items"})

	sinks := r.SessionsForTable("tenant-a", "orders")
	if len(sinks) != 1 {
		t.Fatalf("expected one session subscribed to orders, got %d", len(sinks))
	}

	other := r.SessionsForTable("tenant-a", "users")
	if len(other) != 0 {
		t.Fatalf("expected no sessions subscribed to an unrelated table, got %d", len(other))
	}
}

func TestResubscribeDropsStaleTableIndexEntries(t *testing.T) {
	r := newTestRegistry(t)
	serverConn, _ := dialPair(t)
	s := r.Connect(context.Background(), "tenant-a", "user-1", nil, serverConn)

	r.Subscribe(s.ID, "widget-1", []string{"orders"})
	r.Subscribe(s.ID, "widget-1", []string{"users"})

	if sinks := r.SessionsForTable("tenant-a", "orders"); len(sinks) != 0 {
		t.Fatalf("expected the old table dependency to be cleared on resubscribe, got %d sinks", len(sinks))
	}
	if sinks := r.SessionsForTable("tenant-a", "users"); len(sinks) != 1 {
		t.Fatalf("expected the new table dependency to be registered, got %d sinks", len(sinks))
	}
}

func TestUnsubscribeRemovesOnlyThatWidget(t *testing.T) {
	r := newTestRegistry(t)
	serverConn, _ := dialPair(t)
	s := r.Connect(context.Background(), "tenant-a", "user-1", nil, serverConn)

	r.Subscribe(s.ID, "widget-1", []string{"orders"})
	r.Subscribe(s.ID, "widget-2", []string{"users"})
	r.Unsubscribe(s.ID, "widget-1")

	if sinks := r.SessionsForTable("tenant-a", "orders"); len(sinks) != 0 {
		t.Fatal("expected orders dependency to be removed after unsubscribing widget-1")
	}
	if sinks := r.SessionsForTable("tenant-a", "users"); len(sinks) != 1 {
		t.Fatal("expected users dependency (widget-2) to remain after unsubscribing widget-1")
	}
}

func TestDisconnectRemovesFromAllIndexes(t *testing.T) {
	r := newTestRegistry(t)
	serverConn, _ := dialPair(t)
	s := r.Connect(context.Background(), "tenant-a", "user-1", nil, serverConn)
	r.Subscribe(s.ID, "widget-1", []string{"orders"})

	r.Disconnect(context.Background(), s.ID)

	r.mu.RLock()
	_, stillTenant := r.byTenant["tenant-a"]
	_, stillSession := r.sessions[s.ID]
	_, stillTable := r.byTable[tenantTableKey("tenant-a", "orders")]
	r.mu.RUnlock()

	if stillTenant || stillSession || stillTable {
		t.Fatal("expected disconnect to remove the session from every index")
	}
}

func TestSendOverflowDropsSession(t *testing.T) {
	r := newTestRegistry(t)
	serverConn, clientConn := dialPair(t)
	s := r.Connect(context.Background(), "tenant-a", "user-1", nil, serverConn)

	// Stop the client from reading so the server's write pump backs up and
	// the outbox fills.
	clientConn.SetReadDeadline(time.Now().Add(-time.Second))

	var lastErr error
	for i := 0; i < outboxCapacity+8; i++ {
		if err := s.Send("table_rows", map[string]any{"i": i}); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected outbox overflow to eventually drop the session")
	}
}
