package dag

import "testing"

func TestTopoSortDeterministicTieBreak(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "c"}, {ID: "a"}, {ID: "b"}, {ID: "d"}},
		Edges: []Edge{{Source: "a", Target: "d"}, {Source: "b", Target: "d"}, {Source: "c", Target: "d"}},
	}
	idx := BuildIndex(g)

	order, err := TopoSort(idx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("order length = %d, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestTopoSortCycleDetected(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	idx := BuildIndex(g)

	_, err := TopoSort(idx, nil)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	var cycleErr *CycleError
	if _, ok := err.(*CycleError); !ok {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	_ = cycleErr
}

func TestAncestors(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	}
	idx := BuildIndex(g)
	anc := Ancestors(idx, "c")
	if _, ok := anc["a"]; !ok {
		t.Fatal("expected a to be an ancestor of c")
	}
	if _, ok := anc["b"]; !ok {
		t.Fatal("expected b to be an ancestor of c")
	}
	if _, ok := anc["c"]; ok {
		t.Fatal("target should not be its own ancestor")
	}
}

func TestValidateDanglingEdge(t *testing.T) {
	g := Graph{
		Nodes: []Node{{ID: "a"}},
		Edges: []Edge{{Source: "a", Target: "ghost"}},
	}
	if err := Validate(g); err == nil {
		t.Fatal("expected a dangling edge error")
	}
}
