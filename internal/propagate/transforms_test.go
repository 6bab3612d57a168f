package propagate

import (
	"testing"

	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/schemamodel"
)

type fakeCatalog struct {
	tables map[string]schemamodel.TableSchema
}

func (f fakeCatalog) Table(qualified string) (schemamodel.TableSchema, bool) {
	t, ok := f.tables[qualified]
	return t, ok
}

func ordersCatalog() fakeCatalog {
	return fakeCatalog{tables: map[string]schemamodel.TableSchema{
		"public.orders": {
			Name:   "orders",
			Source: schemamodel.SourceOLAP,
			Columns: []schemamodel.ColumnSchema{
				{Name: "id", DType: schemamodel.DTypeInt64},
				{Name: "customer_id", DType: schemamodel.DTypeInt64},
				{Name: "total", DType: schemamodel.DTypeFloat64},
			},
		},
	}}
}

func TestTransformDataSourceFromTable(t *testing.T) {
	cat := ordersCatalog()
	cols, err := dispatch("n1", dag.NodeDataSource, map[string]any{"table": "public.orders"}, nil, cat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d columns, want 3", len(cols))
	}
}

func TestTransformSelectDropsUnknown(t *testing.T) {
	in := [][]schemamodel.ColumnSchema{{
		{Name: "id", DType: schemamodel.DTypeInt64},
		{Name: "total", DType: schemamodel.DTypeFloat64},
	}}
	cols, err := dispatch("n2", dag.NodeSelect, map[string]any{"columns": []any{"id", "nonexistent"}}, in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols) != 1 || cols[0].Name != "id" {
		t.Fatalf("got %v, want [id]", cols)
	}
}

func TestTransformJoinLeftPrecedenceDedup(t *testing.T) {
	left := []schemamodel.ColumnSchema{{Name: "id", DType: schemamodel.DTypeInt64}, {Name: "name", DType: schemamodel.DTypeString}}
	right := []schemamodel.ColumnSchema{{Name: "id", DType: schemamodel.DTypeString}, {Name: "amount", DType: schemamodel.DTypeFloat64}}
	cols, err := dispatch("n3", dag.NodeJoin, nil, [][]schemamodel.ColumnSchema{left, right}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"id", "name", "amount"}
	if len(cols) != len(want) {
		t.Fatalf("got %v, want %v", cols, want)
	}
	for i, name := range want {
		if cols[i].Name != name {
			t.Fatalf("cols[%d] = %s, want %s", i, cols[i].Name, name)
		}
	}
	if cols[0].DType != schemamodel.DTypeInt64 {
		t.Fatalf("left-precedence should keep left's dtype for id, got %s", cols[0].DType)
	}
}

func TestTransformJoinMissingSecondInput(t *testing.T) {
	left := []schemamodel.ColumnSchema{{Name: "id", DType: schemamodel.DTypeInt64}}
	_, err := dispatch("n4", dag.NodeJoin, nil, [][]schemamodel.ColumnSchema{left}, nil)
	if err == nil {
		t.Fatal("expected MissingInput error")
	}
	if _, ok := err.(*MissingInput); !ok {
		t.Fatalf("expected *MissingInput, got %T: %v", err, err)
	}
}

func TestTransformGroupByAggregationsNullable(t *testing.T) {
	in := [][]schemamodel.ColumnSchema{{
		{Name: "region", DType: schemamodel.DTypeString},
		{Name: "total", DType: schemamodel.DTypeFloat64},
	}}
	config := map[string]any{
		"group_by": []any{"region"},
		"aggregations": []any{
			map[string]any{"alias": "total_sum", "output_dtype": "float64"},
		},
	}
	cols, err := dispatch("n5", dag.NodeGroupBy, config, in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("got %d columns, want 2", len(cols))
	}
	if cols[1].Name != "total_sum" || !cols[1].Nullable {
		t.Fatalf("got %+v, want nullable total_sum", cols[1])
	}
}

func TestTransformPivotValueColumnNaming(t *testing.T) {
	in := [][]schemamodel.ColumnSchema{{
		{Name: "region", DType: schemamodel.DTypeString},
	}}
	config := map[string]any{
		"row_dimensions": []any{"region"},
		"aggregations":   []any{"sum", "avg"},
	}
	cols, err := dispatch("n6", dag.NodePivot, config, in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d columns, want 3", len(cols))
	}
	if cols[1].Name != "value_column_sum" || cols[2].Name != "value_column_avg" {
		t.Fatalf("got %v", cols)
	}
}

func TestTransformWindowRankingIsInt64(t *testing.T) {
	in := [][]schemamodel.ColumnSchema{{
		{Name: "amount", DType: schemamodel.DTypeFloat64},
	}}
	config := map[string]any{"function": "row_number", "output_column": "rn"}
	cols, err := dispatch("n7", dag.NodeWindow, config, in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := cols[len(cols)-1]
	if last.Name != "rn" || last.DType != schemamodel.DTypeInt64 {
		t.Fatalf("got %+v, want int64 rn", last)
	}
}

func TestTransformWindowInheritsTargetDType(t *testing.T) {
	in := [][]schemamodel.ColumnSchema{{
		{Name: "amount", DType: schemamodel.DTypeFloat64},
	}}
	config := map[string]any{"function": "sum", "target_column": "amount", "output_column": "running_total"}
	cols, err := dispatch("n8", dag.NodeWindow, config, in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := cols[len(cols)-1]
	if last.DType != schemamodel.DTypeFloat64 {
		t.Fatalf("got %+v, want float64 running_total", last)
	}
}

func TestTransformOutputNodesHaveNoColumns(t *testing.T) {
	for _, typ := range []dag.NodeType{dag.NodeChartOutput, dag.NodeTableOutput, dag.NodeKPIOutput} {
		cols, err := dispatch("out", typ, nil, [][]schemamodel.ColumnSchema{{{Name: "x"}}}, nil)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", typ, err)
		}
		if len(cols) != 0 {
			t.Fatalf("%s: got %v, want empty", typ, cols)
		}
	}
}

func TestDispatchUnknownNodeType(t *testing.T) {
	_, err := dispatch("bad", dag.NodeType("not_a_real_type"), nil, nil, nil)
	if err == nil {
		t.Fatal("expected UnknownNodeType error")
	}
	if _, ok := err.(*UnknownNodeType); !ok {
		t.Fatalf("expected *UnknownNodeType, got %T: %v", err, err)
	}
}
