package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/bus"
	"github.com/frowell/flowforge/internal/metrics"
)

// heartbeatInterval matches spec.md §6's configured default (30 s).
const heartbeatInterval = 30 * time.Second

// missedHeartbeatLimit: "a heartbeat that goes unanswered for two
// intervals terminates the session as unclean" (spec.md §4.4).
const missedHeartbeatLimit = 2

// Registry is the session index: tenantID -> sessions, (tenantID, table)
// -> sessions, and each Session's own widget->table map for the reverse
// direction. It implements bus.Dispatcher so the bus subscriber can look up
// fan-out targets without depending on this package's websocket plumbing.
type Registry struct {
	mu       sync.RWMutex
	byTenant map[string]map[string]*Session // tenantID -> sessionID -> session
	byTable  map[string]map[string]*Session // "tenantID:table" -> sessionID -> session
	sessions map[string]*Session

	metrics *metrics.Registry
	busSub  *bus.Subscriber
	log     *zap.Logger
}

func NewRegistry(m *metrics.Registry, busSub *bus.Subscriber, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.L()
	}
	return &Registry{
		byTenant: make(map[string]map[string]*Session),
		byTable:  make(map[string]map[string]*Session),
		sessions: make(map[string]*Session),
		metrics:  m,
		busSub:   busSub,
		log:      log,
	}
}

// SetBus attaches the bus subscriber after construction, for callers that
// need a *Registry to exist before they can build the Subscriber that
// depends on it as a bus.Dispatcher.
func (r *Registry) SetBus(busSub *bus.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busSub = busSub
}

// Connect registers a new session and starts its write pump and heartbeat
// loop. Symmetric with Disconnect — every Connect bumps the session gauge
// exactly once (spec.md §5 "connect and disconnect paths must be
// symmetric").
func (r *Registry) Connect(ctx context.Context, tenantID, userID string, roles []string, conn *websocket.Conn) *Session {
	s := newSession(uuid.NewString(), tenantID, userID, roles, conn)

	r.mu.Lock()
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = make(map[string]*Session)
	}
	r.byTenant[tenantID][s.ID] = s
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.metrics.Sessions.Connected(ctx)
	r.busSub.EnsureSubscribed(tenantID)

	go s.writePump()
	go r.heartbeatLoop(s)

	r.log.Debug("session_connected", zap.String("session_id", s.ID), zap.String("tenant_id", tenantID))
	return s
}

// Subscribe records that widgetID (on session sessionID) now depends on
// tables, updating both the session's own widget map and the registry's
// reverse table index used by bus.Dispatcher.
func (r *Registry) Subscribe(sessionID, widgetID string, tables []string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Drop this session's table-index entries and re-add the tables its
	// widgets depend on after this change, so a re-subscribe with a different
	// table set doesn't leave stale reverse-map entries while other widgets'
	// tables stay indexed (spec.md §4.4 disconnect rule applied proactively
	// on every subscribe, not just on disconnect).
	for _, t := range s.Tables() {
		key := tenantTableKey(s.TenantID, t)
		delete(r.byTable[key], sessionID)
		if len(r.byTable[key]) == 0 {
			delete(r.byTable, key)
		}
	}

	s.setWidgetTables(widgetID, tables)
	for _, t := range s.Tables() {
		key := tenantTableKey(s.TenantID, t)
		if r.byTable[key] == nil {
			r.byTable[key] = make(map[string]*Session)
		}
		r.byTable[key][sessionID] = s
	}
}

// Unsubscribe removes widgetID's table dependency from sessionID.
func (r *Registry) Unsubscribe(sessionID, widgetID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.dropWidget(widgetID)
	// Rebuild this session's table-index membership from what remains.
	remaining := make(map[string]struct{})
	for _, t := range s.Tables() {
		remaining[t] = struct{}{}
	}
	for key, sessions := range r.byTable {
		tenantID, table := splitTenantTableKey(key)
		if tenantID != s.TenantID {
			continue
		}
		if _, stillDepends := remaining[table]; stillDepends {
			continue
		}
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byTable, key)
		}
	}
}

// Disconnect tears a session down fully: it is removed from every
// channel-index it appears in (forward and reverse), the session gauge is
// decremented, and the bus subscription is torn down if this was the
// tenant's last local session (spec.md §4.4 disconnect rules).
func (r *Registry) Disconnect(ctx context.Context, sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.byTenant[s.TenantID], sessionID)
	tenantEmpty := len(r.byTenant[s.TenantID]) == 0
	if tenantEmpty {
		delete(r.byTenant, s.TenantID)
	}
	for _, t := range s.Tables() {
		key := tenantTableKey(s.TenantID, t)
		delete(r.byTable[key], sessionID)
		if len(r.byTable[key]) == 0 {
			delete(r.byTable, key)
		}
	}
	r.mu.Unlock()

	s.close()
	r.metrics.Sessions.Disconnected(ctx)
	if tenantEmpty {
		r.busSub.Unsubscribe(s.TenantID)
	}
	r.log.Debug("session_disconnected", zap.String("session_id", sessionID), zap.String("tenant_id", s.TenantID))
}

// SessionsForTable implements bus.Dispatcher.
func (r *Registry) SessionsForTable(tenantID, table string) []bus.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byTable[tenantTableKey(tenantID, table)]
	out := make([]bus.Sink, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (r *Registry) heartbeatLoop(s *Session) {
	s.conn.SetPongHandler(func(string) error {
		s.resetMissedHeartbeats()
		return nil
	})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			missed := atomic.AddInt32(&s.missedHeartbeats, 1)
			if missed > missedHeartbeatLimit {
				r.log.Warn("session_heartbeat_timeout", zap.String("session_id", s.ID))
				r.Disconnect(context.Background(), s.ID)
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.Disconnect(context.Background(), s.ID)
				return
			}
		case <-s.done:
			return
		}
	}
}

func tenantTableKey(tenantID, table string) string {
	return tenantID + ":" + table
}

func splitTenantTableKey(key string) (tenantID, table string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
