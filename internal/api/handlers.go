package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/frowell/flowforge/internal/cache"
	"github.com/frowell/flowforge/internal/compiler"
	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/router"
	"github.com/frowell/flowforge/internal/schemamodel"
	"github.com/frowell/flowforge/pkg/rowkey"
)

// previewRequest is POST /preview's body (spec.md §6).
type previewRequest struct {
	WorkflowID   string                  `json:"workflow_id"`
	TargetNodeID string                  `json:"target_node_id"`
	Graph        Graph                   `json:"graph"`
	Offset       int                     `json:"offset"`
	Limit        int                     `json:"limit"`
	DrillFilters []compiler.DrillFilter  `json:"drill_filters"`
}

// HandlePreview implements POST /preview.
func (c *Core) HandlePreview(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		http.Error(w, "missing tenant identity", http.StatusUnauthorized)
		return
	}

	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = c.DefaultPageSize
	}

	result, err := c.servePreview(r.Context(), string(identity.Tenant), identity.AllowedIdentifiers, req.Graph, req.TargetNodeID, req.Offset, req.Limit, req.DrillFilters, c.PreviewBounds)
	c.respond(w, result, err)
}

// HandleWidgetData implements GET /widgets/{widgetID}/data.
func (c *Core) HandleWidgetData(w http.ResponseWriter, r *http.Request, widgetID string) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		http.Error(w, "missing tenant identity", http.StatusUnauthorized)
		return
	}

	def, err := c.Widgets.Widget(r.Context(), string(identity.Tenant), widgetID)
	if err != nil {
		http.Error(w, "widget not found", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	offset := parseIntParam(q.Get("offset"), 0)
	limit := parseIntParam(q.Get("limit"), c.DefaultPageSize)

	result, err := c.servePreview(r.Context(), string(identity.Tenant), identity.AllowedIdentifiers, def.Graph, def.TargetNodeID, offset, limit, nil, c.WidgetBounds)
	c.respond(w, result, err)
}

// servePreview is the single shared entry point behind both /preview and
// /widgets/{id}/data (SPEC_FULL Open Question (b): one cache.Serve call,
// only the bounds profile and default page size differing between them).
func (c *Core) servePreview(ctx context.Context, tenantID string, allowedIdentifiers []string, g Graph, targetNodeID string, offset, limit int, drillFilters []compiler.DrillFilter, bounds router.Bounds) (cache.PreviewResult, error) {
	page := compiler.Pagination{Offset: offset, Limit: limit}.Clamp()

	fp, err := cache.Fingerprint(tenantID, g, targetNodeID, page, drillFilters)
	if err != nil {
		var cycleErr *dag.CycleError
		if errors.As(err, &cycleErr) {
			return cache.PreviewResult{}, &compiler.CycleDetected{NodeIDs: cycleErr.Remaining}
		}
		return cache.PreviewResult{}, err
	}

	cat := c.catalogFor(tenantID)

	return c.Cache.Serve(ctx, tenantID, fp, func(ctx context.Context) (cache.PreviewResult, []string, error) {
		seg, err := compiler.Compile(compiler.Input{
			Graph:        g,
			TargetNodeID: targetNodeID,
			TenantID:     tenantID,
			// A nil slice means the caller's identity never carried an
			// allowed-identifier set at all; a non-nil empty slice means
			// the caller explicitly has access to nothing.
			AllowedIdentifierSet:         allowedIdentifiers,
			AllowedIdentifierSetProvided: allowedIdentifiers != nil,
			Pagination:                   page,
			DrillFilters:                 drillFilters,
		}, cat)
		if err != nil {
			return cache.PreviewResult{}, nil, err
		}

		if c.Metrics != nil {
			c.Metrics.InFlightQueries.Started(ctx, tenantID)
			defer c.Metrics.InFlightQueries.Finished(ctx, tenantID)
		}

		res, err := c.Executor.Execute(ctx, seg, bounds, len(drillFilters))
		if err != nil {
			return cache.PreviewResult{}, nil, err
		}

		tables := compiler.TablesForTarget(g, targetNodeID)
		tagRowHandles(cat, tables, res.Rows)
		truncated := bounds.ResultLimit > 0 && len(res.Rows) >= bounds.ResultLimit
		return cache.PreviewResult{
			Columns:         res.Columns,
			Rows:            res.Rows,
			TotalEstimate:   len(res.Rows),
			ExecutionMillis: res.ExecutionMillis,
			Truncated:       truncated,
		}, tables, nil
	})
}

// tagRowHandles adds a "_rowkey" field to each row so a dashboard client can
// track row identity across preview refreshes and bus deltas, when the
// target's single source table declares a primary key. Multi-table
// targets (joins) have no single row identity to tag and are left alone.
func tagRowHandles(cat *schemamodel.Catalog, tables []string, rows []map[string]any) {
	if cat == nil || len(tables) != 1 {
		return
	}
	pkCols, ok := cat.PrimaryKeys(tables[0])
	if !ok || len(pkCols) == 0 {
		return
	}
	for _, row := range rows {
		pkVals := make([]any, len(pkCols))
		missing := false
		for i, col := range pkCols {
			v, present := row[col]
			if !present {
				missing = true
				break
			}
			pkVals[i] = v
		}
		if missing {
			continue
		}
		row["_rowkey"] = rowkey.Encode("public", tables[0], pkCols, pkVals)
	}
}

// respond maps the core error taxonomy (spec.md §7) onto HTTP status codes.
func (c *Core) respond(w http.ResponseWriter, result cache.PreviewResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}

	status, detail := statusForError(err)
	c.logger().Warn("request_failed", zap.Error(err), zap.Int("status", status))
	http.Error(w, detail, status)
}

func statusForError(err error) (int, string) {
	switch e := err.(type) {
	case *compiler.CycleDetected, *compiler.UnknownNodeType, *compiler.SchemaMismatch,
		*compiler.CrossStoreOperation, *compiler.InvalidOperator, *compiler.UnresolvedColumn,
		*compiler.InvalidIdentifier:
		return http.StatusBadRequest, err.Error()
	case *compiler.TenantACLMissing:
		return http.StatusForbidden, err.Error()
	case *router.Failure:
		switch e.Kind {
		case "Timeout", "ResourceExceeded":
			return http.StatusBadRequest, err.Error()
		case "StoreUnavailable":
			return http.StatusServiceUnavailable, err.Error()
		case "Cancelled":
			return 499, "client disconnected"
		default:
			return http.StatusInternalServerError, "InternalInvariantViolation"
		}
	default:
		return http.StatusInternalServerError, "InternalInvariantViolation"
	}
}
