package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/compiler"
	"github.com/frowell/flowforge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for inbound dashboard messages: "subscribe"
// attaches a widget to the session (and, transitively, to the tables its
// compiled graph reads from), "unsubscribe" detaches it.
type wsMessage struct {
	Type     string `json:"type"`
	WidgetID string `json:"widget_id"`
}

// HandleDashboardWS upgrades the connection and drives one viewer session
// through connect -> subscribe/unsubscribe -> disconnect (spec.md §4.4).
func (c *Core) HandleDashboardWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		http.Error(w, "missing tenant identity", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger().Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	ctx := r.Context()
	sess := c.Sessions.Connect(ctx, string(identity.Tenant), string(identity.User), identity.Roles, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			sess.Send("error", map[string]string{"error": "invalid JSON"})
			continue
		}

		switch strings.ToLower(msg.Type) {
		case "subscribe":
			c.subscribeWidget(ctx, sess, string(identity.Tenant), msg.WidgetID)
		case "unsubscribe":
			c.Sessions.Unsubscribe(sess.ID, msg.WidgetID)
			sess.Send("unsubscribed", map[string]string{"widget_id": msg.WidgetID})
		default:
			sess.Send("error", map[string]string{"error": "unknown message type"})
		}
	}

	c.Sessions.Disconnect(ctx, sess.ID)
}

// subscribeWidget resolves widgetID to its compiled graph's dependent
// tables and registers the subscription, so a bus delta on any of those
// tables reaches this session (spec.md §4.4 "subscribe").
func (c *Core) subscribeWidget(ctx context.Context, sess *session.Session, tenantID, widgetID string) {
	def, err := c.Widgets.Widget(ctx, tenantID, widgetID)
	if err != nil {
		sess.Send("error", map[string]string{"error": "widget not found"})
		return
	}

	tables := compiler.TablesForTarget(def.Graph, def.TargetNodeID)
	c.Sessions.Subscribe(sess.ID, widgetID, tables)
	sess.Send("subscribed", map[string]any{"widget_id": widgetID, "tables": tables})
}
