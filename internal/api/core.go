// Package api is the thin HTTP/WS host: it decodes requests, extracts
// tenant identity from bearer tokens, and bridges into the core engine's
// explicit-argument functions. No core logic lives here (spec.md §6
// "Inbound HTTP (consumed by the core from the request layer)").
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/bus"
	"github.com/frowell/flowforge/internal/cache"
	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/metrics"
	"github.com/frowell/flowforge/internal/router"
	"github.com/frowell/flowforge/internal/schemamodel"
	"github.com/frowell/flowforge/internal/session"
)

// Graph is the wire shape of an authored workflow graph — dag.Graph already
// carries the right JSON tags, so the request layer decodes straight into
// it rather than defining a parallel DTO.
type Graph = dag.Graph

// WidgetDefinition is what a widgetID resolves to: the graph it was
// authored against and which node it targets. Resolving widgetID to a
// graph is the request layer's job (spec.md draws the core/request-layer
// boundary at "graph comes in explicitly"), so WidgetStore is the seam a
// host wires to whatever persists authored workflows.
type WidgetDefinition struct {
	Graph        Graph
	TargetNodeID string
}

// WidgetStore resolves a tenant-scoped widgetID to its definition.
type WidgetStore interface {
	Widget(ctx context.Context, tenantID, widgetID string) (WidgetDefinition, error)
}

// Core bundles every dependency the HTTP/WS handlers bridge into the
// compiler/router/cache/session core.
type Core struct {
	Catalogs *schemamodel.Registry
	Cache    *cache.Cache
	Executor *router.Executor
	Sessions *session.Registry
	Bus      *bus.Publisher
	Widgets  WidgetStore
	Metrics  *metrics.Registry
	Log      *zap.Logger

	// StreamDB backs lazily-built per-tenant catalogs (schemamodel.Registry
	// only holds them; it doesn't know how to build one).
	StreamDB       *sql.DB
	CatalogSchemas []string
	CatalogTTL     time.Duration

	PreviewBounds   router.Bounds
	WidgetBounds    router.Bounds
	DefaultPageSize int
	MaxOffset       int

	// Development permits the bearer-token dev bypass (spec.md §6 "Dev
	// bypass is permitted only when an explicit development flag is set").
	Development bool

	HeartbeatInterval time.Duration
}

// catalogFor returns tenantID's schema catalog, building it on first access
// against the shared stream connection (spec.md §4.1 Catalog responsibility).
func (c *Core) catalogFor(tenantID string) *schemamodel.Catalog {
	return c.Catalogs.GetOrCreate(tenantID, func() *schemamodel.Catalog {
		return schemamodel.New(tenantID, c.StreamDB, c.CatalogSchemas, c.CatalogTTL)
	})
}

func (c *Core) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.L()
}

// writeJSON is the single response-encoding path so every handler gets the
// same content-type/error framing.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
