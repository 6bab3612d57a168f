package propagate

import (
	"testing"

	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/schemamodel"
)

func TestPropagateSimpleChain(t *testing.T) {
	cat := ordersCatalog()
	g := dag.Graph{
		Nodes: []dag.Node{
			{ID: "src", Type: dag.NodeDataSource, Config: map[string]any{"table": "public.orders"}},
			{ID: "filt", Type: dag.NodeFilter},
			{ID: "sel", Type: dag.NodeSelect, Config: map[string]any{"columns": []any{"id", "total"}}},
		},
		Edges: []dag.Edge{
			{Source: "src", Target: "filt"},
			{Source: "filt", Target: "sel"},
		},
	}

	schemas, err := Propagate(g, cat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schemas["src"]) != 3 {
		t.Fatalf("src: got %d columns, want 3", len(schemas["src"]))
	}
	if len(schemas["filt"]) != 3 {
		t.Fatalf("filt: got %d columns, want 3 (identity)", len(schemas["filt"]))
	}
	if !schemamodel.ColumnsEqual(schemas["sel"], []schemamodel.ColumnSchema{
		{Name: "id", DType: schemamodel.DTypeInt64},
		{Name: "total", DType: schemamodel.DTypeFloat64},
	}) {
		t.Fatalf("sel: got %v", schemas["sel"])
	}
}

func TestPropagateDeterministicAcrossRuns(t *testing.T) {
	cat := ordersCatalog()
	g := dag.Graph{
		Nodes: []dag.Node{
			{ID: "c", Type: dag.NodeDataSource, Config: map[string]any{"table": "public.orders"}},
			{ID: "a", Type: dag.NodeFilter},
			{ID: "b", Type: dag.NodeFilter},
			{ID: "join", Type: dag.NodeJoin},
		},
		Edges: []dag.Edge{
			{Source: "c", Target: "a"},
			{Source: "c", Target: "b"},
			{Source: "a", Target: "join"},
			{Source: "b", Target: "join"},
		},
	}

	first, err := Propagate(g, cat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Propagate(g, cat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !schemamodel.ColumnsEqual(first["join"], second["join"]) {
		t.Fatalf("propagation is not deterministic: %v vs %v", first["join"], second["join"])
	}
}

func TestPropagateCycleDetected(t *testing.T) {
	g := dag.Graph{
		Nodes: []dag.Node{{ID: "a", Type: dag.NodeFilter}, {ID: "b", Type: dag.NodeFilter}},
		Edges: []dag.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	_, err := Propagate(g, nil)
	if err == nil {
		t.Fatal("expected CycleDetected error")
	}
	if _, ok := err.(*CycleDetected); !ok {
		t.Fatalf("expected *CycleDetected, got %T: %v", err, err)
	}
}

func TestPropagateUnknownNodeType(t *testing.T) {
	g := dag.Graph{
		Nodes: []dag.Node{{ID: "a", Type: dag.NodeType("bogus")}},
	}
	_, err := Propagate(g, nil)
	if err == nil {
		t.Fatal("expected UnknownNodeType error")
	}
	if _, ok := err.(*UnknownNodeType); !ok {
		t.Fatalf("expected *UnknownNodeType, got %T: %v", err, err)
	}
}

func TestPropagateMissingInput(t *testing.T) {
	g := dag.Graph{
		Nodes: []dag.Node{
			{ID: "src", Type: dag.NodeDataSource, Config: map[string]any{"table": "public.orders"}},
			{ID: "join", Type: dag.NodeJoin},
		},
		Edges: []dag.Edge{{Source: "src", Target: "join"}},
	}
	_, err := Propagate(g, ordersCatalog())
	if err == nil {
		t.Fatal("expected MissingInput error")
	}
	if _, ok := err.(*MissingInput); !ok {
		t.Fatalf("expected *MissingInput, got %T: %v", err, err)
	}
}
