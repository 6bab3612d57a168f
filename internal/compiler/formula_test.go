package compiler

import (
	"testing"

	"github.com/frowell/flowforge/internal/schemamodel"
)

func formulaSchema() []schemamodel.ColumnSchema {
	return []schemamodel.ColumnSchema{
		{Name: "price", DType: schemamodel.DTypeFloat64},
		{Name: "quantity", DType: schemamodel.DTypeInt64},
	}
}

func TestCompileFormulaArithmetic(t *testing.T) {
	node, err := CompileFormula("[price] * [quantity]", formulaSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node.GetAExpr() == nil {
		t.Fatalf("expected an A_Expr node, got %T", node.Node)
	}
}

func TestCompileFormulaUnresolvedColumn(t *testing.T) {
	_, err := CompileFormula("[nonexistent] + 1", formulaSchema())
	if err == nil {
		t.Fatal("expected UnresolvedColumn error")
	}
	if _, ok := err.(*UnresolvedColumn); !ok {
		t.Fatalf("expected *UnresolvedColumn, got %T: %v", err, err)
	}
}

func TestCompileFormulaIf(t *testing.T) {
	node, err := CompileFormula("IF([price] > 100, [price], 0)", formulaSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if node.GetCaseExpr() == nil {
		t.Fatalf("expected a CaseExpr node, got %T", node.Node)
	}
}

func TestCompileFormulaRejectsNonWhitelistedFunction(t *testing.T) {
	_, err := CompileFormula("PG_SLEEP(10)", formulaSchema())
	if err == nil {
		t.Fatal("expected an error for a non-whitelisted function")
	}
}
