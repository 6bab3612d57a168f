package compiler

import (
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/frowell/flowforge/internal/schemamodel"
)

// ast.go builds and deparses Postgres-dialect SELECTs: construct typed
// pg_query_go nodes, never assemble SQL text by concatenation, then hand
// the tree to pg_query.Deparse. Every identifier that ends up in one of these nodes
// came from the catalog or from a node's already-validated config — never
// from unchecked request input.

func strNode(s string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: s}}}
}

func colRef(parts ...string) *pg_query.Node {
	fields := make([]*pg_query.Node, len(parts))
	for i, p := range parts {
		fields[i] = strNode(p)
	}
	return &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: &pg_query.ColumnRef{Fields: fields}}}
}

func starRef() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: &pg_query.ColumnRef{
		Fields: []*pg_query.Node{{Node: &pg_query.Node_AStar{AStar: &pg_query.A_Star{}}}},
	}}}
}

func resTarget(val *pg_query.Node, alias string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{
		Name: alias,
		Val:  val,
	}}}
}

func rangeVar(qualifiedTable, alias string) *pg_query.Node {
	schema, rel := splitQualified(qualifiedTable)
	rv := &pg_query.RangeVar{Schemaname: schema, Relname: rel, Inh: true, Relpersistence: "p"}
	if alias != "" {
		rv.Alias = &pg_query.Alias{Aliasname: alias}
	}
	return &pg_query.Node{Node: &pg_query.Node_RangeVar{RangeVar: rv}}
}

func splitQualified(qualified string) (schema, rel string) {
	if i := strings.IndexByte(qualified, '.'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "public", qualified
}

// baseSelect builds `SELECT * FROM <qualifiedTable> AS <alias>`, the seed of
// a merge chain (phase 4/5, data_source).
func baseSelect(qualifiedTable, alias string) *pg_query.SelectStmt {
	return &pg_query.SelectStmt{
		TargetList: []*pg_query.Node{resTarget(starRef(), "")},
		FromClause: []*pg_query.Node{rangeVar(qualifiedTable, alias)},
		Op:         pg_query.SetOperation_SETOP_NONE,
	}
}

// setProjection replaces sel's target list with an explicit column list —
// the schema engine's computed output, never SELECT * (spec.md §4.2 join
// rule: "guarantees SQL and schema agree").
func setProjection(sel *pg_query.SelectStmt, columns []schemamodel.ColumnSchema, aliasOf func(name string) string) {
	targets := make([]*pg_query.Node, 0, len(columns))
	for _, c := range columns {
		outAlias := ""
		if aliasOf != nil {
			outAlias = aliasOf(c.Name)
		}
		targets = append(targets, resTarget(colRef(c.Name), outAlias))
	}
	sel.TargetList = targets
}

func andNode(a, b *pg_query.Node) *pg_query.Node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &pg_query.Node{Node: &pg_query.Node_BoolExpr{BoolExpr: &pg_query.BoolExpr{
		Boolop: pg_query.BoolExprType_AND_EXPR,
		Args:   []*pg_query.Node{a, b},
	}}}
}

// addWhere ANDs pred into sel's existing WHERE clause.
func addWhere(sel *pg_query.SelectStmt, pred *pg_query.Node) {
	sel.WhereClause = andNode(sel.GetWhereClause(), pred)
}

// addHaving ANDs pred into sel's existing HAVING clause.
func addHaving(sel *pg_query.SelectStmt, pred *pg_query.Node) {
	sel.HavingClause = andNode(sel.GetHavingClause(), pred)
}

func addGroupBy(sel *pg_query.SelectStmt, columns []string) {
	for _, c := range columns {
		sel.GroupClause = append(sel.GroupClause, colRef(c))
	}
}

type SortKey struct {
	Column string
	Desc   bool
}

func addOrderBy(sel *pg_query.SelectStmt, keys []SortKey) {
	for _, k := range keys {
		dir := pg_query.SortByDir_SORTBY_ASC
		if k.Desc {
			dir = pg_query.SortByDir_SORTBY_DESC
		}
		sel.SortClause = append(sel.SortClause, &pg_query.Node{Node: &pg_query.Node_SortBy{SortBy: &pg_query.SortBy{
			Node:    colRef(k.Column),
			SortbyDir: dir,
		}}})
	}
}

// wrapAsSubquery starts a fresh `SELECT * FROM (<inner>) AS <alias>` — used
// whenever phase 5's merge table calls for "new segment root" or a subquery
// boundary: always for pivot, for group_by over anything other than a bare
// source or filter, and for single-input nodes that follow a join, union or
// pivot root. Join and union build their own statements instead.
func wrapAsSubquery(inner *pg_query.SelectStmt, alias string) *pg_query.SelectStmt {
	sub := &pg_query.RangeSubselect{
		Subquery: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: inner}},
		Alias:    &pg_query.Alias{Aliasname: alias},
	}
	return &pg_query.SelectStmt{
		TargetList: []*pg_query.Node{resTarget(starRef(), "")},
		FromClause: []*pg_query.Node{{Node: &pg_query.Node_RangeSubselect{RangeSubselect: sub}}},
		Op:         pg_query.SetOperation_SETOP_NONE,
	}
}

// joinSelect builds `SELECT <cols> FROM (<left>) l JOIN (<right>) r ON
// l.<leftKey> = r.<rightKey>`. Projection is the caller's already-resolved
// output schema (left columns, then right columns not already named on the
// left) per propagate's join transform, so SQL and schema agree.
func joinSelect(left, right *pg_query.SelectStmt, joinType string, leftKey, rightKey string, output []schemamodel.ColumnSchema, leftNames map[string]bool) *pg_query.SelectStmt {
	jt := pg_query.JoinType_JOIN_INNER
	switch joinType {
	case "left":
		jt = pg_query.JoinType_JOIN_LEFT
	case "right":
		jt = pg_query.JoinType_JOIN_RIGHT
	case "full":
		jt = pg_query.JoinType_JOIN_FULL
	}

	onExpr := &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
		Kind:  pg_query.A_Expr_Kind_AEXPR_OP,
		Name:  []*pg_query.Node{strNode("=")},
		Lexpr: colRef("l", leftKey),
		Rexpr: colRef("r", rightKey),
	}}}

	join := &pg_query.JoinExpr{
		Jointype: jt,
		Larg:     wrapRangeSubselect(left, "l"),
		Rarg:     wrapRangeSubselect(right, "r"),
		Quals:    onExpr,
	}

	sel := &pg_query.SelectStmt{
		FromClause: []*pg_query.Node{{Node: &pg_query.Node_JoinExpr{JoinExpr: join}}},
		Op:         pg_query.SetOperation_SETOP_NONE,
	}
	setProjection(sel, output, func(name string) string { return "" })
	// Qualify projection by side so duplicate-named columns resolve to the
	// left-precedence copy, matching propagate's join dedup.
	for i, c := range output {
		side := "r"
		if leftNames[c.Name] {
			side = "l"
		}
		sel.TargetList[i] = resTarget(colRef(side, c.Name), c.Name)
	}
	return sel
}

func wrapRangeSubselect(sel *pg_query.SelectStmt, alias string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_RangeSubselect{RangeSubselect: &pg_query.RangeSubselect{
		Subquery: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}},
		Alias:    &pg_query.Alias{Aliasname: alias},
	}}}
}

// unionAll builds `<left> UNION ALL <right>`.
func unionAll(left, right *pg_query.SelectStmt) *pg_query.SelectStmt {
	return &pg_query.SelectStmt{
		Op:    pg_query.SetOperation_SETOP_UNION,
		All:   true,
		Larg:  left,
		Rarg:  right,
	}
}

// applyPagination wraps sel in an outer SELECT carrying LIMIT/OFFSET built
// as integer A_Const nodes — never by formatting user-supplied numbers into
// the query string (spec.md §4.2 phase 7).
func applyPagination(sel *pg_query.SelectStmt, page Pagination) *pg_query.SelectStmt {
	page = page.Clamp()
	outer := wrapAsSubquery(sel, "paged")
	outer.LimitCount = intConst(page.Limit)
	outer.LimitOffset = intConst(page.Offset)
	return outer
}

func intConst(v int) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val: &pg_query.A_Const_Ival{Ival: &pg_query.Integer{Ival: int32(v)}},
	}}}
}

func floatConst(v float64) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val: &pg_query.A_Const_Fval{Fval: &pg_query.Float{Fval: strconv.FormatFloat(v, 'f', -1, 64)}},
	}}}
}

func stringConst(v string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val: &pg_query.A_Const_Sval{Sval: &pg_query.String{Sval: v}},
	}}}
}

func boolConst(v bool) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_TypeCast{TypeCast: &pg_query.TypeCast{
		Arg: stringConst(strconv.FormatBool(v)),
		TypeName: &pg_query.TypeName{
			Names: []*pg_query.Node{strNode("bool")},
		},
	}}}
}

// typedLiteral builds a literal node whose representation matches dtype,
// per spec.md §4.1/§4.2 ("Literals use the column's dtype").
func typedLiteral(dtype schemamodel.DType, value any) (*pg_query.Node, error) {
	switch dtype {
	case schemamodel.DTypeInt64:
		switch v := value.(type) {
		case int:
			return intConst(v), nil
		case int64:
			return intConst(int(v)), nil
		case float64:
			return intConst(int(v)), nil
		}
	case schemamodel.DTypeFloat64:
		switch v := value.(type) {
		case float64:
			return floatConst(v), nil
		case int:
			return floatConst(float64(v)), nil
		}
	case schemamodel.DTypeBool:
		if v, ok := value.(bool); ok {
			return boolConst(v), nil
		}
	case schemamodel.DTypeDatetime:
		if v, ok := value.(string); ok {
			return &pg_query.Node{Node: &pg_query.Node_TypeCast{TypeCast: &pg_query.TypeCast{
				Arg:      stringConst(v),
				TypeName: &pg_query.TypeName{Names: []*pg_query.Node{strNode("timestamp")}},
			}}}, nil
		}
	default: // string, object
		if v, ok := value.(string); ok {
			return stringConst(v), nil
		}
	}
	return nil, fmt.Errorf("compiler: value %v is not representable as dtype %s", value, dtype)
}

// filterOperators is the recognized, never-silently-defaulted operator set
// from spec.md §4.2.
var filterOperators = map[string]bool{
	"=": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"IN": true, "NOT IN": true, "BETWEEN": true, "LIKE": true,
	"CONTAINS": true, "STARTS_WITH": true, "ENDS_WITH": true,
	"IS NULL": true, "IS NOT NULL": true,
}

// buildFilterPredicate renders one `column op literal` comparison as a typed
// AST node. column must already have passed schema resolution.
func buildFilterPredicate(column string, dtype schemamodel.DType, op string, value any) (*pg_query.Node, error) {
	if !filterOperators[op] {
		return nil, &InvalidOperator{Operator: op}
	}

	cref := colRef(column)

	switch op {
	case "IS NULL", "IS NOT NULL":
		tt := pg_query.NullTestType_IS_NULL
		if op == "IS NOT NULL" {
			tt = pg_query.NullTestType_IS_NOT_NULL
		}
		return &pg_query.Node{Node: &pg_query.Node_NullTest{NullTest: &pg_query.NullTest{
			Arg:          cref,
			Nulltesttype: tt,
		}}}, nil
	case "CONTAINS", "STARTS_WITH", "ENDS_WITH":
		s, _ := value.(string)
		pattern := s
		switch op {
		case "CONTAINS":
			pattern = "%" + s + "%"
		case "STARTS_WITH":
			pattern = s + "%"
		case "ENDS_WITH":
			pattern = "%" + s
		}
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  pg_query.A_Expr_Kind_AEXPR_LIKE,
			Name:  []*pg_query.Node{strNode("~~")},
			Lexpr: cref,
			Rexpr: stringConst(pattern),
		}}}, nil
	case "IN", "NOT IN":
		values, _ := value.([]any)
		list := make([]*pg_query.Node, 0, len(values))
		for _, v := range values {
			lit, err := typedLiteral(dtype, v)
			if err != nil {
				return nil, err
			}
			list = append(list, lit)
		}
		kind := pg_query.A_Expr_Kind_AEXPR_IN
		opName := "="
		if op == "NOT IN" {
			opName = "<>"
		}
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  kind,
			Name:  []*pg_query.Node{strNode(opName)},
			Lexpr: cref,
			Rexpr: &pg_query.Node{Node: &pg_query.Node_List{List: &pg_query.List{Items: list}}},
		}}}, nil
	case "BETWEEN":
		bounds, _ := value.([]any)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("compiler: BETWEEN requires exactly two bounds")
		}
		lo, err := typedLiteral(dtype, bounds[0])
		if err != nil {
			return nil, err
		}
		hi, err := typedLiteral(dtype, bounds[1])
		if err != nil {
			return nil, err
		}
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  pg_query.A_Expr_Kind_AEXPR_BETWEEN,
			Name:  []*pg_query.Node{strNode("BETWEEN")},
			Lexpr: cref,
			Rexpr: &pg_query.Node{Node: &pg_query.Node_List{List: &pg_query.List{Items: []*pg_query.Node{lo, hi}}}},
		}}}, nil
	case "LIKE":
		lit, err := typedLiteral(dtype, value)
		if err != nil {
			return nil, err
		}
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  pg_query.A_Expr_Kind_AEXPR_LIKE,
			Name:  []*pg_query.Node{strNode("~~")},
			Lexpr: cref,
			Rexpr: lit,
		}}}, nil
	default:
		lit, err := typedLiteral(dtype, value)
		if err != nil {
			return nil, err
		}
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  pg_query.A_Expr_Kind_AEXPR_OP,
			Name:  []*pg_query.Node{strNode(op)},
			Lexpr: cref,
			Rexpr: lit,
		}}}, nil
	}
}

// tenantPredicate builds the mandatory ACL predicate for a table per
// spec.md §4.2 phase 6. For an ACLSharedIdentifierSet table, an unset
// allowedIdentifierSet (provided=false) fails closed with
// TenantACLMissing; an explicitly empty one (provided=true, len 0) instead
// reports empty=true so the caller can short-circuit to a zero-row result
// without ever building a predicate or dispatching to the store.
func tenantPredicate(t schemamodel.TableSchema, tenantID string, allowedIdentifierSet []string, provided bool) (pred *pg_query.Node, empty bool, err error) {
	switch t.ACL {
	case schemamodel.ACLMetadataTenantColumn:
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  pg_query.A_Expr_Kind_AEXPR_OP,
			Name:  []*pg_query.Node{strNode("=")},
			Lexpr: colRef(t.TenantColumn),
			Rexpr: stringConst(tenantID),
		}}}, false, nil
	case schemamodel.ACLSharedIdentifierSet:
		if len(allowedIdentifierSet) == 0 {
			if !provided {
				return nil, false, &TenantACLMissing{Table: t.Name}
			}
			return nil, true, nil
		}
		list := make([]*pg_query.Node, len(allowedIdentifierSet))
		for i, id := range allowedIdentifierSet {
			list[i] = stringConst(id)
		}
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind:  pg_query.A_Expr_Kind_AEXPR_IN,
			Name:  []*pg_query.Node{strNode("=")},
			Lexpr: colRef(t.TenantColumn),
			Rexpr: &pg_query.Node{Node: &pg_query.Node_List{List: &pg_query.List{Items: list}}},
		}}}, false, nil
	default:
		return nil, false, nil
	}
}

// deparse renders a SelectStmt back to SQL text, the final step of every
// compile path targeting olap or stream.
func deparse(sel *pg_query.SelectStmt) (string, error) {
	tree := &pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{
			Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}},
		}},
	}
	return pg_query.Deparse(tree)
}
