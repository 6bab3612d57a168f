package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/frowell/flowforge/internal/schemamodel"
)

// formula.go implements the Formula sublanguage (spec.md §4.5): literals,
// bracketed column refs, arithmetic/comparison/boolean operators, IF(), and
// a whitelisted function set, compiled directly to a pg_query_go AST
// fragment. No step assembles SQL text — every literal becomes a typed AST
// node and every column reference is checked against the node's computed
// input schema before it is allowed to appear in the fragment.

// whitelistedFormulaFuncs is the complete set of store functions the
// sublanguage may call; anything else is a parse error.
var whitelistedFormulaFuncs = map[string]bool{
	"ABS": true, "ROUND": true, "CEIL": true, "FLOOR": true, "POWER": true, "SQRT": true,
	"UPPER": true, "LOWER": true, "TRIM": true, "CONCAT": true, "LENGTH": true, "SUBSTRING": true,
	"COALESCE": true, "NULLIF": true,
	"DATE_TRUNC": true, "EXTRACT": true, "NOW": true,
	"CAST_INT": true, "CAST_FLOAT": true, "CAST_STRING": true,
}

type formulaLexer struct {
	src []rune
	pos int
}

type formulaToken struct {
	kind string // colref, ident, number, string, op, lparen, rparen, comma, error, eof
	text string
}

func newFormulaLexer(src string) *formulaLexer { return &formulaLexer{src: []rune(src)} }

func (l *formulaLexer) peekRune() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *formulaLexer) next() formulaToken {
	for l.pos < len(l.src) && unicode.IsSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return formulaToken{kind: "eof"}
	}
	c := l.src[l.pos]
	switch {
	case c == '[':
		end := strings.IndexRune(string(l.src[l.pos+1:]), ']')
		if end < 0 {
			return formulaToken{kind: "error", text: "unterminated column ref"}
		}
		name := string(l.src[l.pos+1 : l.pos+1+end])
		l.pos += end + 2
		return formulaToken{kind: "colref", text: name}
	case c == '\'':
		end := l.pos + 1
		for end < len(l.src) && l.src[end] != '\'' {
			end++
		}
		s := string(l.src[l.pos+1 : end])
		l.pos = end + 1
		return formulaToken{kind: "string", text: s}
	case c == '(':
		l.pos++
		return formulaToken{kind: "lparen"}
	case c == ')':
		l.pos++
		return formulaToken{kind: "rparen"}
	case c == ',':
		l.pos++
		return formulaToken{kind: "comma"}
	case unicode.IsDigit(c):
		start := l.pos
		for l.pos < len(l.src) && (unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		return formulaToken{kind: "number", text: string(l.src[start:l.pos])}
	case unicode.IsLetter(c) || c == '_':
		start := l.pos
		for l.pos < len(l.src) && (unicode.IsLetter(l.src[l.pos]) || unicode.IsDigit(l.src[l.pos]) || l.src[l.pos] == '_') {
			l.pos++
		}
		return formulaToken{kind: "ident", text: string(l.src[start:l.pos])}
	default:
		for _, op := range []string{"!=", "<=", ">=", "=", "<", ">", "+", "-", "*", "/", "%"} {
			if strings.HasPrefix(string(l.src[l.pos:]), op) {
				l.pos += len([]rune(op))
				return formulaToken{kind: "op", text: op}
			}
		}
		l.pos++
		return formulaToken{kind: "error", text: string(c)}
	}
}

type formulaParser struct {
	lex    *formulaLexer
	tok    formulaToken
	schema map[string]schemamodel.ColumnSchema
	err    error
}

func (p *formulaParser) advance() { p.tok = p.lex.next() }

// CompileFormula parses a Formula sublanguage expression against inputSchema
// and returns the equivalent pg_query_go AST fragment.
func CompileFormula(expr string, inputSchema []schemamodel.ColumnSchema) (*pg_query.Node, error) {
	byName := make(map[string]schemamodel.ColumnSchema, len(inputSchema))
	for _, c := range inputSchema {
		byName[c.Name] = c
	}
	p := &formulaParser{lex: newFormulaLexer(expr), schema: byName}
	p.advance()
	node := p.parseOr()
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != "eof" {
		return nil, fmt.Errorf("compiler: unexpected trailing token %q in formula %q", p.tok.text, expr)
	}
	return node, nil
}

func (p *formulaParser) parseOr() *pg_query.Node {
	left := p.parseAnd()
	for p.err == nil && p.tok.kind == "ident" && strings.EqualFold(p.tok.text, "OR") {
		p.advance()
		right := p.parseAnd()
		left = &pg_query.Node{Node: &pg_query.Node_BoolExpr{BoolExpr: &pg_query.BoolExpr{
			Boolop: pg_query.BoolExprType_OR_EXPR, Args: []*pg_query.Node{left, right},
		}}}
	}
	return left
}

func (p *formulaParser) parseAnd() *pg_query.Node {
	left := p.parseNot()
	for p.err == nil && p.tok.kind == "ident" && strings.EqualFold(p.tok.text, "AND") {
		p.advance()
		right := p.parseNot()
		left = &pg_query.Node{Node: &pg_query.Node_BoolExpr{BoolExpr: &pg_query.BoolExpr{
			Boolop: pg_query.BoolExprType_AND_EXPR, Args: []*pg_query.Node{left, right},
		}}}
	}
	return left
}

func (p *formulaParser) parseNot() *pg_query.Node {
	if p.tok.kind == "ident" && strings.EqualFold(p.tok.text, "NOT") {
		p.advance()
		inner := p.parseNot()
		return &pg_query.Node{Node: &pg_query.Node_BoolExpr{BoolExpr: &pg_query.BoolExpr{
			Boolop: pg_query.BoolExprType_NOT_EXPR, Args: []*pg_query.Node{inner},
		}}}
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *formulaParser) parseComparison() *pg_query.Node {
	left := p.parseAdditive()
	if p.err == nil && p.tok.kind == "op" && comparisonOps[p.tok.text] {
		op := p.tok.text
		p.advance()
		right := p.parseAdditive()
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind: pg_query.A_Expr_Kind_AEXPR_OP, Name: []*pg_query.Node{strNode(op)}, Lexpr: left, Rexpr: right,
		}}}
	}
	return left
}

func (p *formulaParser) parseAdditive() *pg_query.Node {
	left := p.parseTerm()
	for p.err == nil && p.tok.kind == "op" && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.advance()
		right := p.parseTerm()
		left = &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind: pg_query.A_Expr_Kind_AEXPR_OP, Name: []*pg_query.Node{strNode(op)}, Lexpr: left, Rexpr: right,
		}}}
	}
	return left
}

func (p *formulaParser) parseTerm() *pg_query.Node {
	left := p.parseUnary()
	for p.err == nil && p.tok.kind == "op" && (p.tok.text == "*" || p.tok.text == "/" || p.tok.text == "%") {
		op := p.tok.text
		p.advance()
		right := p.parseUnary()
		left = &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind: pg_query.A_Expr_Kind_AEXPR_OP, Name: []*pg_query.Node{strNode(op)}, Lexpr: left, Rexpr: right,
		}}}
	}
	return left
}

func (p *formulaParser) parseUnary() *pg_query.Node {
	if p.tok.kind == "op" && p.tok.text == "-" {
		p.advance()
		inner := p.parseUnary()
		return &pg_query.Node{Node: &pg_query.Node_AExpr{AExpr: &pg_query.A_Expr{
			Kind: pg_query.A_Expr_Kind_AEXPR_OP, Name: []*pg_query.Node{strNode("-")},
			Lexpr: intConst(0), Rexpr: inner,
		}}}
	}
	return p.parsePrimary()
}

func (p *formulaParser) parsePrimary() *pg_query.Node {
	switch p.tok.kind {
	case "number":
		text := p.tok.text
		p.advance()
		if strings.Contains(text, ".") {
			f, _ := strconv.ParseFloat(text, 64)
			return floatConst(f)
		}
		i, _ := strconv.Atoi(text)
		return intConst(i)
	case "string":
		s := p.tok.text
		p.advance()
		return stringConst(s)
	case "colref":
		name := p.tok.text
		p.advance()
		if _, ok := p.schema[name]; !ok {
			p.err = &UnresolvedColumn{Column: name}
			return nil
		}
		return colRef(name)
	case "lparen":
		p.advance()
		inner := p.parseOr()
		if p.tok.kind != "rparen" {
			p.err = fmt.Errorf("compiler: expected ')' in formula")
			return nil
		}
		p.advance()
		return inner
	case "ident":
		name := strings.ToUpper(p.tok.text)
		p.advance()
		if strings.EqualFold(name, "IF") {
			return p.parseIf()
		}
		if strings.EqualFold(name, "TRUE") {
			return boolConst(true)
		}
		if strings.EqualFold(name, "FALSE") {
			return boolConst(false)
		}
		if p.tok.kind != "lparen" {
			p.err = fmt.Errorf("compiler: expected '(' after function name %q", name)
			return nil
		}
		if !whitelistedFormulaFuncs[name] {
			p.err = fmt.Errorf("compiler: function %q is not in the whitelisted formula function set", name)
			return nil
		}
		p.advance()
		var args []*pg_query.Node
		for p.tok.kind != "rparen" {
			args = append(args, p.parseOr())
			if p.err != nil {
				return nil
			}
			if p.tok.kind == "comma" {
				p.advance()
			}
		}
		p.advance() // consume rparen
		return &pg_query.Node{Node: &pg_query.Node_FuncCall{FuncCall: &pg_query.FuncCall{
			Funcname: []*pg_query.Node{strNode(strings.ToLower(name))},
			Args:     args,
		}}}
	default:
		p.err = fmt.Errorf("compiler: unexpected token %q in formula", p.tok.text)
		return nil
	}
}

// parseIf compiles IF(cond, then, else) into a CASE WHEN cond THEN then ELSE
// else END node.
func (p *formulaParser) parseIf() *pg_query.Node {
	if p.tok.kind != "lparen" {
		p.err = fmt.Errorf("compiler: expected '(' after IF")
		return nil
	}
	p.advance()
	cond := p.parseOr()
	if p.tok.kind != "comma" {
		p.err = fmt.Errorf("compiler: expected ',' in IF()")
		return nil
	}
	p.advance()
	thenExpr := p.parseOr()
	if p.tok.kind != "comma" {
		p.err = fmt.Errorf("compiler: expected ',' in IF()")
		return nil
	}
	p.advance()
	elseExpr := p.parseOr()
	if p.tok.kind != "rparen" {
		p.err = fmt.Errorf("compiler: expected ')' to close IF()")
		return nil
	}
	p.advance()

	when := &pg_query.Node{Node: &pg_query.Node_CaseWhen{CaseWhen: &pg_query.CaseWhen{
		Expr:   cond,
		Result: thenExpr,
	}}}
	return &pg_query.Node{Node: &pg_query.Node_CaseExpr{CaseExpr: &pg_query.CaseExpr{
		Args:      []*pg_query.Node{when},
		Defresult: elseExpr,
	}}}
}
