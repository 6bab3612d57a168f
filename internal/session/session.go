// Package session owns the WebSocket viewer session lifecycle: connect,
// authenticate, subscribe, heartbeat, disconnect (spec.md §4.4 "Session
// lifecycle"). It is the forward half of the fan-out; internal/bus is the
// reverse half — bus.Subscriber calls back into a Registry (which
// implements bus.Dispatcher) to find the sessions a delta should reach.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// outboxCapacity bounds the per-session outbound queue. On overflow the
// session is dropped rather than allowed to grow unboundedly (spec.md §5
// "Backpressure").
const outboxCapacity = 64

type outboundMsg struct {
	msgType string
	payload any
}

// Session is one connected dashboard viewer. TenantID/UserID/Roles are
// fixed at connect time from the authenticated bearer token.
type Session struct {
	ID       string
	TenantID string
	UserID   string
	Roles    []string

	conn   *websocket.Conn
	outbox chan outboundMsg
	done   chan struct{}
	closer sync.Once

	mu      sync.RWMutex
	widgets map[string]map[string]struct{} // widgetID -> set of tables it depends on

	missedHeartbeats int32
}

func newSession(id, tenantID, userID string, roles []string, conn *websocket.Conn) *Session {
	return &Session{
		ID:       id,
		TenantID: tenantID,
		UserID:   userID,
		Roles:    roles,
		conn:     conn,
		outbox:   make(chan outboundMsg, outboxCapacity),
		done:     make(chan struct{}),
		widgets:  make(map[string]map[string]struct{}),
	}
}

// Send enqueues a message for the session's write pump. It satisfies
// bus.Sink. A full queue means this session isn't draining fast enough;
// per spec.md §5 the session is dropped rather than left to buffer
// unboundedly.
func (s *Session) Send(msgType string, payload any) error {
	select {
	case s.outbox <- outboundMsg{msgType: msgType, payload: payload}:
		return nil
	case <-s.done:
		return errClosed
	default:
		s.close()
		return errOverflow
	}
}

// Tables returns the set of distinct tables this session's widgets
// currently depend on, for bus subscription bookkeeping.
func (s *Session) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, tables := range s.widgets {
		for t := range tables {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

func (s *Session) setWidgetTables(widgetID string, tables []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	s.widgets[widgetID] = set
}

func (s *Session) dropWidget(widgetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.widgets, widgetID)
}

func (s *Session) resetMissedHeartbeats() {
	atomic.StoreInt32(&s.missedHeartbeats, 0)
}

func (s *Session) writePump() {
	for {
		select {
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.conn.WriteJSON(map[string]any{"type": msg.msgType, "data": msg.payload}); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) close() {
	s.closer.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

type sessionError string

func (e sessionError) Error() string { return string(e) }

const (
	errClosed   sessionError = "session: closed"
	errOverflow sessionError = "session: outbound queue overflow"
)
