// Package compiler implements the Workflow Compiler (Component C): it turns
// an authored graph plus a target node into a CompiledSegment ready for the
// Query Router & Executor, following the eight phases in spec.md §4.2 —
// ancestor isolation, a deterministic topological sort shared with the
// Schema Propagation Engine (see internal/propagate), per-target-store
// dispatch, typed SQL AST construction via pg_query_go, adjacent-node
// merging, mandatory tenant ACL injection, and AST-built pagination. A kv
// target compiles to a bare key-pattern scan: filter, sort, limit and other
// nodes downstream of a kv data_source carry the lookup through unchanged
// and their configs are not applied.
package compiler

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/frowell/flowforge/internal/dag"
	"github.com/frowell/flowforge/internal/propagate"
	"github.com/frowell/flowforge/internal/schemamodel"
)

// Input bundles everything one Compile call needs: a request-scoped
// snapshot, not retained across requests.
type Input struct {
	Graph        dag.Graph
	TargetNodeID string
	TenantID     string
	// AllowedIdentifierSet is the caller-supplied shared-identifier ACL
	// set. nil means "not supplied" (an ACLSharedIdentifierSet table then
	// fails closed with TenantACLMissing); a non-nil but empty slice means
	// "the caller has access to nothing" and must be distinguished from the
	// unset case — see AllowedIdentifierSetProvided.
	AllowedIdentifierSet []string
	// AllowedIdentifierSetProvided distinguishes an explicitly empty
	// AllowedIdentifierSet (caller legitimately has zero shared
	// identifiers — the compile should short-circuit to an empty result)
	// from an unset one (caller never supplied the set at all — the
	// compile should fail closed). spec.md §4.2 phase 6.
	AllowedIdentifierSetProvided bool
	Pagination                   Pagination
	DrillFilters                 []DrillFilter
}

type segmentState struct {
	target Target
	sel    *pg_query.SelectStmt
	kv     *KVLookup
	// stage names the most recent merge-compatible operation applied to sel,
	// governing whether the next node can mutate it in place or must wrap it
	// in a subquery (spec.md §4.2 phase 5 merge table).
	stage string
	// empty marks a segment that is statically known to contribute zero
	// rows (an ACLSharedIdentifierSet table with an explicitly empty
	// allowed set). It propagates through single-input nodes and inner
	// joins (any empty input makes the result empty) and through unions
	// only when every branch is empty.
	empty bool
}

const (
	stageSource     = "source"
	stageFiltered   = "filtered"
	stageProjected  = "projected"
	stageAggregated = "aggregated"
	stageRoot       = "root" // join/union/pivot output: always a fresh root
)

// Compile produces the CompiledSegment for in.TargetNodeID.
func Compile(in Input, cat *schemamodel.Catalog) (*CompiledSegment, error) {
	if err := dag.Validate(in.Graph); err != nil {
		return nil, err
	}
	idx := dag.BuildIndex(in.Graph)

	ancestors := dag.Ancestors(idx, in.TargetNodeID)
	subset := make([]string, 0, len(ancestors)+1)
	for id := range ancestors {
		subset = append(subset, id)
	}
	subset = append(subset, in.TargetNodeID)

	order, err := dag.TopoSort(idx, subset)
	if err != nil {
		if cycleErr, ok := err.(*dag.CycleError); ok {
			return nil, &CycleDetected{NodeIDs: cycleErr.Remaining}
		}
		return nil, err
	}

	subGraph := subGraphOf(in.Graph, subset)
	schemas, err := propagate.Propagate(subGraph, cat)
	if err != nil {
		switch e := err.(type) {
		case *propagate.CycleDetected:
			return nil, &CycleDetected{NodeIDs: e.NodeIDs}
		case *propagate.UnknownNodeType:
			return nil, &UnknownNodeType{NodeID: e.NodeID, Type: e.Type}
		default:
			return nil, err
		}
	}

	states := make(map[string]*segmentState, len(order))
	for _, nodeID := range order {
		node := idx.ByID[nodeID]
		inputIDs := idx.In[nodeID]

		state, err := compileNode(node, inputIDs, states, schemas, cat, in)
		if err != nil {
			return nil, err
		}
		states[nodeID] = state
	}

	final := states[in.TargetNodeID]
	outCols := schemas[in.TargetNodeID]

	seg := &CompiledSegment{
		Target:        final.target,
		Dialect:       "postgres",
		OutputColumns: outCols,
		Tenant:        TenantBinding{TenantID: in.TenantID},
		Empty:         final.empty,
	}

	if seg.Empty {
		// An explicitly-empty shared-identifier ACL set means the caller
		// has access to nothing on this table: the router must never
		// dispatch this segment to a store at all.
		return seg, nil
	}

	if final.target == TargetKV {
		seg.KV = final.kv
		return seg, nil
	}

	sel := final.sel
	if len(in.DrillFilters) > 0 {
		for _, df := range in.DrillFilters {
			col, ok := lookupColumn(outCols, df.Column)
			if !ok {
				return nil, &UnresolvedColumn{NodeID: in.TargetNodeID, Column: df.Column}
			}
			pred, err := buildFilterPredicate(col.Name, col.DType, df.Operator, df.Value)
			if err != nil {
				if invalidOp, ok := err.(*InvalidOperator); ok {
					invalidOp.NodeID = in.TargetNodeID
					return nil, invalidOp
				}
				return nil, err
			}
			if sel.GetGroupClause() != nil {
				addHaving(sel, pred)
			} else {
				addWhere(sel, pred)
			}
		}
	}

	paged := applyPagination(sel, in.Pagination)
	sql, err := deparse(paged)
	if err != nil {
		return nil, fmt.Errorf("compiler: deparse failed: %w", err)
	}
	seg.SQL = sql
	return seg, nil
}

func lookupColumn(cols []schemamodel.ColumnSchema, name string) (schemamodel.ColumnSchema, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return schemamodel.ColumnSchema{}, false
}

func subGraphOf(g dag.Graph, subset []string) dag.Graph {
	in := make(map[string]bool, len(subset))
	for _, id := range subset {
		in[id] = true
	}
	out := dag.Graph{}
	for _, n := range g.Nodes {
		if in[n.ID] {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		if in[e.Source] && in[e.Target] {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}

func compileNode(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema, cat *schemamodel.Catalog, in Input) (*segmentState, error) {
	var state *segmentState
	var err error

	switch node.Type {
	case dag.NodeDataSource:
		state, err = compileDataSource(node, cat, in)
	case dag.NodeFilter:
		state, err = compileFilter(node, inputIDs, states, schemas)
	case dag.NodeSort:
		state, err = compileSort(node, inputIDs, states)
	case dag.NodeLimit:
		state, err = compileLimit(node, inputIDs, states)
	case dag.NodeSample, dag.NodeUnique:
		state, err = compileIdentityLike(node, inputIDs, states)
	case dag.NodeSelect:
		state, err = compileSelect(node, inputIDs, states, schemas)
	case dag.NodeRename:
		state, err = compileRename(node, inputIDs, states, schemas)
	case dag.NodeJoin:
		state, err = compileJoin(node, inputIDs, states, schemas)
	case dag.NodeUnion:
		state, err = compileUnion(node, inputIDs, states, schemas)
	case dag.NodeGroupBy:
		state, err = compileGroupBy(node, inputIDs, states, schemas)
	case dag.NodePivot:
		state, err = compilePivot(node, inputIDs, states, schemas)
	case dag.NodeFormula:
		state, err = compileFormula(node, inputIDs, states, schemas)
	case dag.NodeWindow:
		state, err = compileWindow(node, inputIDs, states, schemas)
	case dag.NodeChartOutput, dag.NodeTableOutput, dag.NodeKPIOutput:
		state, err = compileIdentityLike(node, inputIDs, states)
	default:
		return nil, &UnknownNodeType{NodeID: node.ID, Type: string(node.Type)}
	}
	if err != nil || state == nil || node.Type == dag.NodeDataSource {
		return state, err
	}

	if node.Type == dag.NodeUnion {
		state.empty = allInputsEmpty(inputIDs, states)
	} else {
		state.empty = anyInputEmpty(inputIDs, states)
	}
	return state, nil
}

// anyInputEmpty reports whether at least one input segment is statically
// known to be empty — the correct fold for single-input nodes and inner
// joins, where one empty side makes the whole result empty.
func anyInputEmpty(inputIDs []string, states map[string]*segmentState) bool {
	for _, id := range inputIDs {
		if s := states[id]; s != nil && s.empty {
			return true
		}
	}
	return false
}

// allInputsEmpty reports whether every input segment is empty — the
// correct fold for a union, which still contributes rows if any one
// branch does.
func allInputsEmpty(inputIDs []string, states map[string]*segmentState) bool {
	if len(inputIDs) == 0 {
		return false
	}
	for _, id := range inputIDs {
		if s := states[id]; s == nil || !s.empty {
			return false
		}
	}
	return true
}

func singleInput(nodeID string, inputIDs []string, states map[string]*segmentState) (*segmentState, error) {
	if len(inputIDs) == 0 {
		return nil, &UnresolvedColumn{NodeID: nodeID, Column: "<no input>"}
	}
	return states[inputIDs[0]], nil
}

func detectTarget(table string, cat *schemamodel.Catalog) (Target, schemamodel.TableSchema) {
	if cat != nil {
		if t, ok := cat.Table(table); ok {
			switch t.Source {
			case schemamodel.SourceKV:
				return TargetKV, t
			case schemamodel.SourceStream:
				return TargetStream, t
			default:
				return TargetOLAP, t
			}
		}
	}
	name := table
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			name = name[i+1:]
			break
		}
	}
	switch {
	case hasKeyPatternPrefix(name):
		return TargetKV, schemamodel.TableSchema{Name: table, Source: schemamodel.SourceKV}
	case hasStreamPrefix(name):
		return TargetStream, schemamodel.TableSchema{Name: table, Source: schemamodel.SourceStream}
	default:
		return TargetOLAP, schemamodel.TableSchema{Name: table, Source: schemamodel.SourceOLAP}
	}
}

func hasKeyPatternPrefix(name string) bool {
	return len(name) > 0 && (hasPrefix(name, "latest:") || hasPrefix(name, "kv:"))
}

func hasStreamPrefix(name string) bool {
	return hasPrefix(name, "live_")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func compileDataSource(node dag.Node, cat *schemamodel.Catalog, in Input) (*segmentState, error) {
	table, _ := node.Config["table"].(string)
	target, t := detectTarget(table, cat)

	if target == TargetKV {
		extractor, _ := node.Config["identifier_extractor"].(string)
		return &segmentState{target: TargetKV, kv: &KVLookup{Kind: "SCAN_HASH", KeyPattern: table, IdentifierExtractor: extractor}, stage: stageSource}, nil
	}

	alias := node.ID
	sel := baseSelect(t.Name, alias)

	pred, empty, err := tenantPredicate(t, in.TenantID, in.AllowedIdentifierSet, in.AllowedIdentifierSetProvided)
	if err != nil {
		if missing, ok := err.(*TenantACLMissing); ok {
			missing.NodeID = node.ID
			return nil, missing
		}
		return nil, err
	}
	if empty {
		return &segmentState{target: target, sel: sel, stage: stageSource, empty: true}, nil
	}
	if pred != nil {
		addWhere(sel, pred)
	}

	return &segmentState{target: target, sel: sel, stage: stageSource}, nil
}

func compileFilter(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageFiltered}, nil
	}

	column, _ := node.Config["column"].(string)
	op, _ := node.Config["operator"].(string)
	value := node.Config["value"]

	col, ok := lookupColumn(schemas[inputIDs[0]], column)
	if !ok {
		return nil, &UnresolvedColumn{NodeID: node.ID, Column: column}
	}
	pred, err := buildFilterPredicate(col.Name, col.DType, op, value)
	if err != nil {
		if invalidOp, ok := err.(*InvalidOperator); ok {
			invalidOp.NodeID = node.ID
			return nil, invalidOp
		}
		return nil, err
	}

	sel := parent.sel
	switch parent.stage {
	case stageAggregated:
		addHaving(sel, pred) // group_by -> filter merges as HAVING
		return &segmentState{target: parent.target, sel: sel, stage: stageAggregated}, nil
	case stageRoot:
		sel = wrapAsSubquery(sel, node.ID)
	}
	addWhere(sel, pred)
	return &segmentState{target: parent.target, sel: sel, stage: stageFiltered}, nil
}

func compileSort(node dag.Node, inputIDs []string, states map[string]*segmentState) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageFiltered}, nil
	}
	sel := parent.sel
	if parent.stage == stageRoot {
		sel = wrapAsSubquery(sel, node.ID)
	}
	keys, _ := node.Config["sort"].([]any)
	var sortKeys []SortKey
	for _, k := range keys {
		m, ok := k.(map[string]any)
		if !ok {
			continue
		}
		col, _ := m["column"].(string)
		desc, _ := m["desc"].(bool)
		sortKeys = append(sortKeys, SortKey{Column: col, Desc: desc})
	}
	addOrderBy(sel, sortKeys)
	return &segmentState{target: parent.target, sel: sel, stage: stageProjected}, nil
}

func compileLimit(node dag.Node, inputIDs []string, states map[string]*segmentState) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageFiltered}, nil
	}
	sel := parent.sel
	if parent.stage == stageRoot {
		sel = wrapAsSubquery(sel, node.ID)
	}
	if n, ok := node.Config["limit"].(float64); ok {
		sel.LimitCount = intConst(int(n))
	}
	return &segmentState{target: parent.target, sel: sel, stage: parent.stage}, nil
}

// compileIdentityLike handles nodes whose SQL shape spec.md §4.2 leaves
// unspecified (sample, unique, and the terminal *_output nodes): they carry
// the parent's compiled statement through unchanged.
func compileIdentityLike(node dag.Node, inputIDs []string, states map[string]*segmentState) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if node.Type == dag.NodeUnique && parent.sel != nil {
		sel := parent.sel
		if parent.stage == stageRoot {
			sel = wrapAsSubquery(sel, node.ID)
		}
		sel.DistinctClause = []*pg_query.Node{}
		return &segmentState{target: parent.target, sel: sel, stage: parent.stage}, nil
	}
	return parent, nil
}

func compileSelect(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageProjected}, nil
	}
	sel := parent.sel
	if parent.stage == stageRoot {
		sel = wrapAsSubquery(sel, node.ID)
	}
	setProjection(sel, schemas[node.ID], nil)
	return &segmentState{target: parent.target, sel: sel, stage: stageProjected}, nil
}

func compileRename(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageProjected}, nil
	}
	sel := parent.sel
	if parent.stage == stageRoot {
		sel = wrapAsSubquery(sel, node.ID)
	}

	renameMap, _ := parseStringMap(node.Config["rename_map"])
	parentCols := schemas[inputIDs[0]]
	targets := make([]*pg_query.Node, 0, len(parentCols))
	for _, c := range parentCols {
		outName := c.Name
		if newName, ok := renameMap[c.Name]; ok {
			outName = newName
		}
		targets = append(targets, resTarget(colRef(c.Name), outName))
	}
	sel.TargetList = targets
	return &segmentState{target: parent.target, sel: sel, stage: stageProjected}, nil
}

func compileJoin(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	if len(inputIDs) < 2 {
		return nil, &UnresolvedColumn{NodeID: node.ID, Column: "<missing join input>"}
	}
	left := states[inputIDs[0]]
	right := states[inputIDs[1]]
	if left.target != right.target {
		return nil, &CrossStoreOperation{NodeID: node.ID, Stores: []string{string(left.target), string(right.target)}}
	}

	joinType, _ := node.Config["join_type"].(string)
	leftKey, _ := node.Config["left_key"].(string)
	rightKey, _ := node.Config["right_key"].(string)

	leftNames := make(map[string]bool, len(schemas[inputIDs[0]]))
	for _, c := range schemas[inputIDs[0]] {
		leftNames[c.Name] = true
	}

	sel := joinSelect(left.sel, right.sel, joinType, leftKey, rightKey, schemas[node.ID], leftNames)
	return &segmentState{target: left.target, sel: sel, stage: stageRoot}, nil
}

func compileUnion(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	if len(inputIDs) < 2 {
		return nil, &UnresolvedColumn{NodeID: node.ID, Column: "<missing union input>"}
	}
	first := schemas[inputIDs[0]]
	target := states[inputIDs[0]].target
	var sel *pg_query.SelectStmt
	for i, id := range inputIDs {
		st := states[id]
		if st.target != target {
			return nil, &CrossStoreOperation{NodeID: node.ID, Stores: []string{string(target), string(st.target)}}
		}
		cols := schemas[id]
		if len(cols) != len(first) {
			return nil, &SchemaMismatch{NodeID: node.ID, Reason: "inputs disagree on column count"}
		}
		for j := range cols {
			if cols[j].DType != first[j].DType {
				return nil, &SchemaMismatch{NodeID: node.ID, Reason: fmt.Sprintf("column %d dtype mismatch: %s vs %s", j, cols[j].DType, first[j].DType)}
			}
		}
		if i == 0 {
			sel = st.sel
			continue
		}
		sel = unionAll(sel, st.sel)
	}
	return &segmentState{target: target, sel: sel, stage: stageRoot}, nil
}

func compileGroupBy(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageAggregated}, nil
	}

	sel := parent.sel
	// Merge table: data_source -> group_by and filter -> group_by merge
	// WHERE+GROUP BY into one statement; any other predecessor becomes a
	// fresh root first.
	if parent.stage != stageFiltered && parent.stage != stageSource {
		sel = wrapAsSubquery(sel, node.ID)
	}

	keys, _ := parseStringList(node.Config["group_by"])
	addGroupBy(sel, keys)
	setProjection(sel, schemas[node.ID], nil)

	aggs, _ := node.Config["aggregations"].([]any)
	for i, a := range aggs {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := m["function"].(string)
		col, _ := m["column"].(string)
		alias, _ := m["alias"].(string)
		idx := len(keys) + i
		if idx >= len(sel.TargetList) {
			continue
		}
		sel.TargetList[idx] = resTarget(&pg_query.Node{Node: &pg_query.Node_FuncCall{FuncCall: &pg_query.FuncCall{
			Funcname: []*pg_query.Node{strNode(fn)},
			Args:     []*pg_query.Node{colRef(col)},
		}}}, alias)
	}

	return &segmentState{target: parent.target, sel: sel, stage: stageAggregated}, nil
}

func compilePivot(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageRoot}, nil
	}
	sel := wrapAsSubquery(parent.sel, node.ID)

	dims, _ := parseStringList(node.Config["row_dimensions"])
	addGroupBy(sel, dims)

	pivotColumn, _ := node.Config["pivot_column"].(string)
	valueColumn, _ := node.Config["value_column"].(string)
	vocabulary, _ := parseStringList(node.Config["pivot_values"])
	aggs, _ := parseStringList(node.Config["aggregations"])

	setProjection(sel, schemas[node.ID], nil)
	idx := len(dims)
	for _, agg := range aggs {
		if idx >= len(sel.TargetList) {
			break
		}
		// CASE WHEN pivot_column = <value> THEN value_column END, aggregated
		// across the finite pivot vocabulary supplied in config.
		var caseArgs []*pg_query.Node
		for _, v := range vocabulary {
			caseArgs = append(caseArgs, &pg_query.Node{Node: &pg_query.Node_CaseWhen{CaseWhen: &pg_query.CaseWhen{
				Expr:   &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{Kind: pg_query.A_Expr_Kind_AEXPR_OP, Name: []*pg_query.Node{strNode("=")}, Lexpr: colRef(pivotColumn), Rexpr: stringConst(v)}}},
				Result: colRef(valueColumn),
			}}})
		}
		caseExpr := &pg_query.Node{Node: &pg_query.Node_CaseExpr{CaseExpr: &pg_query.CaseExpr{Args: caseArgs}}}
		aggCall := &pg_query.Node{Node: &pg_query.Node_FuncCall{FuncCall: &pg_query.FuncCall{
			Funcname: []*pg_query.Node{strNode(agg)},
			Args:     []*pg_query.Node{caseExpr},
		}}}
		sel.TargetList[idx] = resTarget(aggCall, "value_column_"+agg)
		idx++
	}

	return &segmentState{target: parent.target, sel: sel, stage: stageRoot}, nil
}

func compileFormula(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageRoot}, nil
	}

	expr, _ := node.Config["expression"].(string)
	outputCol, _ := node.Config["output_column"].(string)

	fragment, err := CompileFormula(expr, schemas[inputIDs[0]])
	if err != nil {
		if unresolved, ok := err.(*UnresolvedColumn); ok {
			unresolved.NodeID = node.ID
			return nil, unresolved
		}
		return nil, err
	}

	sel := parent.sel
	if parent.stage == stageRoot {
		sel = wrapAsSubquery(sel, node.ID)
	}
	sel.TargetList = append(sel.TargetList, resTarget(fragment, outputCol))
	return &segmentState{target: parent.target, sel: sel, stage: stageProjected}, nil
}

func compileWindow(node dag.Node, inputIDs []string, states map[string]*segmentState, schemas map[string][]schemamodel.ColumnSchema) (*segmentState, error) {
	parent, err := singleInput(node.ID, inputIDs, states)
	if err != nil {
		return nil, err
	}
	if parent.target == TargetKV {
		return &segmentState{target: TargetKV, kv: parent.kv, stage: stageRoot}, nil
	}

	fn, _ := node.Config["function"].(string)
	target, _ := node.Config["target_column"].(string)
	outputCol, _ := node.Config["output_column"].(string)
	partitionBy, _ := parseStringList(node.Config["partition_by"])
	orderBy, _ := parseStringList(node.Config["order_by"])

	var args []*pg_query.Node
	if target != "" {
		args = append(args, colRef(target))
	}

	partition := make([]*pg_query.Node, len(partitionBy))
	for i, c := range partitionBy {
		partition[i] = colRef(c)
	}
	var order []*pg_query.Node
	for _, c := range orderBy {
		order = append(order, &pg_query.Node{Node: &pg_query.Node_SortBy{SortBy: &pg_query.SortBy{Node: colRef(c), SortbyDir: pg_query.SortByDir_SORTBY_ASC}}})
	}

	over := &pg_query.WindowDef{PartitionClause: partition, OrderClause: order}
	winCall := &pg_query.Node{Node: &pg_query.Node_FuncCall{FuncCall: &pg_query.FuncCall{
		Funcname: []*pg_query.Node{strNode(fn)},
		Args:     args,
		Over:     over,
	}}}

	sel := parent.sel
	if parent.stage == stageRoot {
		sel = wrapAsSubquery(sel, node.ID)
	}
	sel.TargetList = append(sel.TargetList, resTarget(winCall, outputCol))
	return &segmentState{target: parent.target, sel: sel, stage: stageProjected}, nil
}
