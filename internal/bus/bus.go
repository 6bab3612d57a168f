// Package bus implements the pub/sub fan-out half of Component E: data
// deltas published by the upstream stores reach exactly the viewer sessions
// whose widgets depend on the mutated table, and invalidate the matching
// cache entries. Transport is Redis pub/sub (spec.md §6 "Pub/sub bus").
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/logutil"
)

// Delta is one row-change notification, published on a tenant-scoped
// channel and consumed by every process currently serving that tenant
// (spec.md §4.4 "publish row deltas ... {tenantID, table, columns, rows}").
type Delta struct {
	TenantID string           `json:"tenantID"`
	Table    string           `json:"table"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
}

const kindTableRows = "table_rows"

// channelName follows spec.md §6's tenant-scoped naming convention
// "<tenantID>:<kind>:<resource>", with kind=table_rows and resource=table.
// This is how "broadcast:table_rows" is made tenant-filterable: a bus-wide
// channel cannot be subscribed selectively, so each tenant's deltas are
// published on their own channel and channelPattern below subscribes only
// to the tenants a process actually serves.
func channelName(tenantID, table string) string {
	return tenantID + ":" + kindTableRows + ":" + table
}

func channelPattern(tenantID string) string {
	return tenantID + ":" + kindTableRows + ":*"
}

// Publisher publishes row deltas onto the bus. Upstream pipelines call this
// after a committed write lands on a watched table.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Publish(ctx context.Context, d Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("bus: marshal delta: %w", err)
	}
	return p.rdb.Publish(ctx, channelName(d.TenantID, d.Table), data).Err()
}

// Sink is the destination for a fanned-out delta — a viewer session's
// outbound transport. An interface, to keep this package free of a
// dependency on the session package's websocket plumbing.
type Sink interface {
	Send(msgType string, payload any) error
}

// Dispatcher resolves which sessions currently depend on a (tenantID,
// table) pair — spec.md §4.4 step 2's "per-session subscriptions:
// {tenantID, widgetID -> dependencyFingerprint set}" lookup, owned by the
// session registry and consulted here by interface to avoid an import
// cycle between bus and session.
type Dispatcher interface {
	SessionsForTable(tenantID, table string) []Sink
}

// Invalidator evicts cache entries affected by a delta (spec.md §4.4 step
// 4). Satisfied by *cache.Cache.
type Invalidator interface {
	InvalidateTables(tenantID string, tables []string)
}

// Subscriber maintains one Redis subscription per actively-served tenant
// and dispatches arriving deltas to the Dispatcher and Invalidator. It
// never subscribes catch-all: EnsureSubscribed/Unsubscribe track exactly
// the set of tenants with at least one local session (spec.md §4.4 step 1).
type Subscriber struct {
	rdb         *redis.Client
	dispatcher  Dispatcher
	invalidator Invalidator
	log         *zap.Logger

	mu     sync.Mutex
	active map[string]*redis.PubSub // tenantID -> subscription
	cancel map[string]context.CancelFunc
}

func NewSubscriber(rdb *redis.Client, dispatcher Dispatcher, invalidator Invalidator, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.L()
	}
	return &Subscriber{
		rdb:         rdb,
		dispatcher:  dispatcher,
		invalidator: invalidator,
		log:         log,
		active:      make(map[string]*redis.PubSub),
		cancel:      make(map[string]context.CancelFunc),
	}
}

// EnsureSubscribed subscribes to tenantID's channel pattern if this process
// is not already subscribed. Idempotent — called on every session connect.
func (s *Subscriber) EnsureSubscribed(tenantID string) {
	if s.rdb == nil {
		// No bus transport configured (e.g. a session-registry test exercising
		// only the local dispatch/index logic) — nothing to subscribe to.
		return
	}
	s.mu.Lock()
	if _, ok := s.active[tenantID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.rdb.PSubscribe(ctx, channelPattern(tenantID))
	s.active[tenantID] = ps
	s.cancel[tenantID] = cancel
	s.mu.Unlock()

	go s.run(ctx, tenantID, ps)
}

// Unsubscribe tears down tenantID's subscription. Callers must only invoke
// this once the last local session for that tenant has disconnected
// (spec.md §4.4 step 1, session lifecycle "unsubscribe ... if the session
// was the last one for its tenant").
func (s *Subscriber) Unsubscribe(tenantID string) {
	s.mu.Lock()
	cancel, ok := s.cancel[tenantID]
	if ok {
		delete(s.active, tenantID)
		delete(s.cancel, tenantID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Subscriber) run(ctx context.Context, tenantID string, ps *redis.PubSub) {
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) handleMessage(msg *redis.Message) {
	var d Delta
	if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
		s.log.Warn("bus_decode_error", zap.Error(err), zap.String("channel", msg.Channel))
		return
	}

	dlog := s.log.With(logutil.Values(
		zap.String("tenant_id", d.TenantID),
		zap.String("table", d.Table),
		zap.Int("row_count", len(d.Rows)),
	))

	sinks := s.dispatcher.SessionsForTable(d.TenantID, d.Table)
	for _, sink := range sinks {
		if err := sink.Send(kindTableRows, d); err != nil {
			dlog.Warn("fanout_send_error", zap.Error(err))
		}
	}

	if s.invalidator != nil {
		s.invalidator.InvalidateTables(d.TenantID, []string{d.Table})
	}

	if len(sinks) == 0 {
		dlog.Debug("fanout_no_matching_sessions")
	} else {
		dlog.Debug("fanout_complete", zap.Int("matched_sessions", len(sinks)))
	}
}
