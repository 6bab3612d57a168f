package propagate

import (
	"fmt"

	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/schemamodel"
)

// CatalogLookup is the subset of schemamodel.Catalog the data_source
// transform needs. Kept as an interface (rather than depending on
// *schemamodel.Catalog directly) so the engine stays testable with a fake.
type CatalogLookup interface {
	Table(qualified string) (schemamodel.TableSchema, bool)
}

// transformFn computes one node's output schema from its config and its
// ordered input schemas (one slice per inbound port).
type transformFn func(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, cat CatalogLookup) ([]schemamodel.ColumnSchema, error)

// dispatch is the closed tagged variant named in the Design Notes
// (spec.md §9 "Schema transform registry"): one case per node type, no
// runtime-populated global registry, so the complete set of supported node
// types is visible at compile time in this single switch.
func dispatch(nodeID string, typ dag.NodeType, config map[string]any, inputs [][]schemamodel.ColumnSchema, cat CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	switch typ {
	case dag.NodeDataSource:
		return transformDataSource(nodeID, config, inputs, cat)
	case dag.NodeFilter, dag.NodeSort, dag.NodeLimit, dag.NodeSample, dag.NodeUnique:
		return transformIdentity(nodeID, config, inputs, cat)
	case dag.NodeSelect:
		return transformSelect(nodeID, config, inputs, cat)
	case dag.NodeRename:
		return transformRename(nodeID, config, inputs, cat)
	case dag.NodeJoin:
		return transformJoin(nodeID, config, inputs, cat)
	case dag.NodeUnion:
		return transformUnion(nodeID, config, inputs, cat)
	case dag.NodeGroupBy:
		return transformGroupBy(nodeID, config, inputs, cat)
	case dag.NodePivot:
		return transformPivot(nodeID, config, inputs, cat)
	case dag.NodeFormula:
		return transformFormula(nodeID, config, inputs, cat)
	case dag.NodeWindow:
		return transformWindow(nodeID, config, inputs, cat)
	case dag.NodeChartOutput, dag.NodeTableOutput, dag.NodeKPIOutput:
		return nil, nil
	default:
		return nil, &UnknownNodeType{NodeID: nodeID, Type: string(typ)}
	}
}

func requireInput(nodeID string, inputs [][]schemamodel.ColumnSchema, port int) ([]schemamodel.ColumnSchema, error) {
	if port >= len(inputs) {
		return nil, &MissingInput{NodeID: nodeID, PortIndex: port, NeedAtLeast: port + 1, Have: len(inputs)}
	}
	return inputs[port], nil
}

func transformDataSource(nodeID string, config map[string]any, _ [][]schemamodel.ColumnSchema, cat CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	if raw, ok := config["columns"]; ok {
		if cols, ok := parseColumnList(raw); ok {
			return cols, nil
		}
	}
	table, _ := config["table"].(string)
	if table != "" && cat != nil {
		if t, ok := cat.Table(table); ok {
			return append([]schemamodel.ColumnSchema(nil), t.Columns...), nil
		}
	}
	return nil, fmt.Errorf("propagate: data_source node %q has no resolvable columns (config.table=%q)", nodeID, table)
}

func transformIdentity(nodeID string, _ map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	return append([]schemamodel.ColumnSchema(nil), in...), nil
}

func transformSelect(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	names, _ := parseStringList(config["columns"])
	byName := make(map[string]schemamodel.ColumnSchema, len(in))
	for _, c := range in {
		byName[c.Name] = c
	}
	out := make([]schemamodel.ColumnSchema, 0, len(names))
	for _, n := range names {
		if c, ok := byName[n]; ok {
			out = append(out, c)
		}
		// unknown names are silently dropped, per spec.md §4.1.
	}
	return out, nil
}

func transformRename(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	renameMap, _ := parseStringMap(config["rename_map"])
	out := make([]schemamodel.ColumnSchema, len(in))
	for i, c := range in {
		if newName, ok := renameMap[c.Name]; ok {
			c.Name = newName
		}
		out[i] = c
	}
	return out, nil
}

func transformJoin(nodeID string, _ map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	left, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	right, err := requireInput(nodeID, inputs, 1)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(left))
	out := make([]schemamodel.ColumnSchema, 0, len(left)+len(right))
	for _, c := range left {
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}
	for _, c := range right {
		if _, dup := seen[c.Name]; dup {
			continue // left-precedence dedup
		}
		out = append(out, c)
	}
	return out, nil
}

func transformUnion(nodeID string, _ map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	// Alignment across the remaining inputs is checked by the compiler
	// (SchemaMismatch), not here — this transform only reports inputs[0]'s
	// shape, per spec.md §4.1.
	return append([]schemamodel.ColumnSchema(nil), in...), nil
}

func transformGroupBy(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]schemamodel.ColumnSchema, len(in))
	for _, c := range in {
		byName[c.Name] = c
	}

	keys, _ := parseStringList(config["group_by"])
	out := make([]schemamodel.ColumnSchema, 0, len(keys))
	for _, k := range keys {
		if c, ok := byName[k]; ok {
			out = append(out, c)
		}
	}

	aggs, _ := config["aggregations"].([]any)
	for _, a := range aggs {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		alias, _ := m["alias"].(string)
		dtype, _ := m["output_dtype"].(string)
		if dtype == "" {
			dtype = string(schemamodel.DTypeFloat64)
		}
		out = append(out, schemamodel.ColumnSchema{Name: alias, DType: schemamodel.DType(dtype), Nullable: true})
	}
	return out, nil
}

func transformPivot(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]schemamodel.ColumnSchema, len(in))
	for _, c := range in {
		byName[c.Name] = c
	}

	dims, _ := parseStringList(config["row_dimensions"])
	out := make([]schemamodel.ColumnSchema, 0, len(dims)+1)
	for _, d := range dims {
		if c, ok := byName[d]; ok {
			out = append(out, c)
		}
	}

	aggs, _ := parseStringList(config["aggregations"])
	for _, agg := range aggs {
		out = append(out, schemamodel.ColumnSchema{
			Name:     "value_column_" + agg,
			DType:    schemamodel.DTypeFloat64,
			Nullable: true,
		})
	}
	return out, nil
}

func transformFormula(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	outputCol, _ := config["output_column"].(string)
	dtype, _ := config["output_dtype"].(string)
	if dtype == "" {
		dtype = string(schemamodel.DTypeFloat64)
	}
	out := append([]schemamodel.ColumnSchema(nil), in...)
	out = append(out, schemamodel.ColumnSchema{Name: outputCol, DType: schemamodel.DType(dtype), Nullable: true})
	return out, nil
}

// rankingWindowFunctions always produce an integer position regardless of
// the column they order by.
var rankingWindowFunctions = map[string]bool{
	"row_number": true, "rank": true, "dense_rank": true, "ntile": true,
}

func transformWindow(nodeID string, config map[string]any, inputs [][]schemamodel.ColumnSchema, _ CatalogLookup) ([]schemamodel.ColumnSchema, error) {
	in, err := requireInput(nodeID, inputs, 0)
	if err != nil {
		return nil, err
	}
	outputCol, _ := config["output_column"].(string)
	fn, _ := config["function"].(string)

	dtype := schemamodel.DTypeFloat64
	if rankingWindowFunctions[fn] {
		dtype = schemamodel.DTypeInt64
	} else if target, ok := config["target_column"].(string); ok {
		for _, c := range in {
			if c.Name == target {
				dtype = c.DType
				break
			}
		}
	}

	out := append([]schemamodel.ColumnSchema(nil), in...)
	out = append(out, schemamodel.ColumnSchema{Name: outputCol, DType: dtype, Nullable: true})
	return out, nil
}

// --- config decoding helpers (config is free-form map[string]any off the wire) ---

func parseStringList(raw any) ([]string, bool) {
	list, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss, true
		}
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func parseStringMap(raw any) (map[string]string, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		if sm, ok := raw.(map[string]string); ok {
			return sm, true
		}
		return nil, false
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, true
}

func parseColumnList(raw any) ([]schemamodel.ColumnSchema, bool) {
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]schemamodel.ColumnSchema, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		dtype, _ := m["dtype"].(string)
		nullable, _ := m["nullable"].(bool)
		desc, _ := m["description"].(string)
		out = append(out, schemamodel.ColumnSchema{Name: name, DType: schemamodel.DType(dtype), Nullable: nullable, Description: desc})
	}
	return out, true
}
