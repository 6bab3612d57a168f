package cache

import (
	"testing"

	"github.com/frowell/flowforge/internal/compiler"
	"github.com/frowell/flowforge/internal/dag"
)

func sampleGraph() dag.Graph {
	return dag.Graph{
		Nodes: []dag.Node{
			{ID: "src", Type: dag.NodeDataSource, Config: map[string]any{"table": "orders"}},
			{ID: "filt", Type: dag.NodeFilter, Config: map[string]any{"column": "status", "operator": "=", "value": "paid"}},
			{ID: "out", Type: dag.NodeTableOutput, Config: map[string]any{}},
		},
		Edges: []dag.Edge{
			{Source: "src", Target: "filt"},
			{Source: "filt", Target: "out"},
		},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	g := sampleGraph()
	page := compiler.Pagination{Offset: 0, Limit: 50}
	filters := []compiler.DrillFilter{{Column: "region", Operator: "=", Value: "west"}}

	a, err := Fingerprint("tenant-a", g, "out", page, filters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Fingerprint("tenant-a", g, "out", page, filters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical fingerprints for identical input, got %q vs %q", a, b)
	}
}

func TestFingerprintDiffersAcrossTenants(t *testing.T) {
	g := sampleGraph()
	page := compiler.Pagination{Offset: 0, Limit: 50}

	a, err := Fingerprint("tenant-a", g, "out", page, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Fingerprint("tenant-b", g, "out", page, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatal("expected different tenants to produce different fingerprints for an identical graph")
	}
}

func TestFingerprintDrillFilterOrderInsensitive(t *testing.T) {
	g := sampleGraph()
	page := compiler.Pagination{Offset: 0, Limit: 50}

	forward := []compiler.DrillFilter{
		{Column: "region", Operator: "=", Value: "west"},
		{Column: "status", Operator: "=", Value: "paid"},
	}
	reversed := []compiler.DrillFilter{
		{Column: "status", Operator: "=", Value: "paid"},
		{Column: "region", Operator: "=", Value: "west"},
	}

	a, err := Fingerprint("tenant-a", g, "out", page, forward)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Fingerprint("tenant-a", g, "out", page, reversed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatal("expected drill filter order not to affect the fingerprint")
	}
}

func TestFingerprintDiffersOnPagination(t *testing.T) {
	g := sampleGraph()

	a, err := Fingerprint("tenant-a", g, "out", compiler.Pagination{Offset: 0, Limit: 50}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Fingerprint("tenant-a", g, "out", compiler.Pagination{Offset: 50, Limit: 50}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatal("expected different pagination windows to produce different fingerprints")
	}
}

func TestFingerprintIgnoresNodesOutsideAncestorSet(t *testing.T) {
	g := sampleGraph()
	// Add an unrelated sibling branch that does not feed "out".
	g.Nodes = append(g.Nodes, dag.Node{ID: "other_src", Type: dag.NodeDataSource, Config: map[string]any{"table": "users"}})

	page := compiler.Pagination{Offset: 0, Limit: 50}
	withSibling, err := Fingerprint("tenant-a", g, "out", page, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	without, err := Fingerprint("tenant-a", sampleGraph(), "out", page, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withSibling != without {
		t.Fatal("expected a disconnected sibling node not to affect the fingerprint")
	}
}

func TestFingerprintCycleError(t *testing.T) {
	g := dag.Graph{
		Nodes: []dag.Node{
			{ID: "a", Type: dag.NodeFilter},
			{ID: "b", Type: dag.NodeFilter},
		},
		Edges: []dag.Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	if _, err := Fingerprint("tenant-a", g, "b", compiler.Pagination{}, nil); err == nil {
		t.Fatal("expected an error for a cyclic graph")
	}
}
