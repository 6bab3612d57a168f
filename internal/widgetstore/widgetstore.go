// Package widgetstore persists authored widget definitions (a graph plus
// the node it targets) so the request layer can resolve a widgetID to the
// inputs the compiler needs, per api.WidgetStore's seam.
package widgetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/frowell/flowforge/internal/api"
	"github.com/frowell/flowforge/internal/dag"
)

// Store resolves tenant-scoped widgetIDs against the flowforge_widgets
// table created by db/migrations, on whatever connection it is given (the
// search path decides its schema).
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Widget implements api.WidgetStore.
func (s *Store) Widget(ctx context.Context, tenantID, widgetID string) (api.WidgetDefinition, error) {
	var (
		graphJSON    []byte
		targetNodeID string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT graph, target_node_id FROM flowforge_widgets WHERE tenant_id = $1 AND widget_id = $2`,
		tenantID, widgetID,
	).Scan(&graphJSON, &targetNodeID)
	if err != nil {
		return api.WidgetDefinition{}, fmt.Errorf("widgetstore: %w", err)
	}

	var g dag.Graph
	if err := json.Unmarshal(graphJSON, &g); err != nil {
		return api.WidgetDefinition{}, fmt.Errorf("widgetstore: decode graph: %w", err)
	}

	return api.WidgetDefinition{Graph: g, TargetNodeID: targetNodeID}, nil
}

// Put upserts a widget definition, used by the seed CLI.
func (s *Store) Put(ctx context.Context, tenantID, widgetID string, g dag.Graph, targetNodeID string) error {
	graphJSON, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("widgetstore: encode graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flowforge_widgets (tenant_id, widget_id, graph, target_node_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, widget_id) DO UPDATE
		SET graph = EXCLUDED.graph, target_node_id = EXCLUDED.target_node_id`,
		tenantID, widgetID, graphJSON, targetNodeID,
	)
	return err
}
