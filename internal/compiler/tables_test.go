package compiler

import (
	"sort"
	"testing"

	"github.com/frowell/flowforge/internal/dag"
)

func TestTablesForTargetCollectsAncestorDataSources(t *testing.T) {
	g := dag.Graph{
		Nodes: []dag.Node{
			{ID: "orders", Type: dag.NodeDataSource, Config: map[string]any{"table": "orders"}},
			{ID: "items", Type: dag.NodeDataSource, Config: map[string]any{"table": "order_items"}},
			{ID: "joined", Type: dag.NodeJoin},
			{ID: "out", Type: dag.NodeTableOutput},
		},
		Edges: []dag.Edge{
			{Source: "orders", Target: "joined"},
			{Source: "items", Target: "joined"},
			{Source: "joined", Target: "out"},
		},
	}

	got := TablesForTarget(g, "out")
	sort.Strings(got)
	want := []string{"order_items", "orders"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestTablesForTargetOnDataSourceItself(t *testing.T) {
	g := dag.Graph{
		Nodes: []dag.Node{
			{ID: "orders", Type: dag.NodeDataSource, Config: map[string]any{"table": "orders"}},
		},
	}
	got := TablesForTarget(g, "orders")
	if len(got) != 1 || got[0] != "orders" {
		t.Fatalf("got %v, want [orders]", got)
	}
}
