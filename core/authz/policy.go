package authz

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/databridge/dataapi/core/plan"
)

// Policy expression grammar:
//
//	expr       := orExpr
//	orExpr     := andExpr ( "or" andExpr )*
//	andExpr    := unary ( "and" unary )*
//	unary      := "not" unary | "(" expr ")" | comparison
//	comparison := operand op operand
//	op         := "eq" | "ne" | "gt" | "ge" | "lt" | "le"
//	operand    := "@claims." NAME | "@item." NAME | literal
//
// A small hand-written recursive-descent parser rather than a
// parser-generator grammar, producing the same plan.Exp tree the renderer
// already knows how to lower for GraphQL filter arguments.

var policyOps = map[string]plan.ExpOp{
	"eq": plan.OpEquals, "ne": plan.OpNotEquals,
	"gt": plan.OpGreaterThan, "ge": plan.OpGreaterOrEquals,
	"lt": plan.OpLesserThan, "le": plan.OpLesserOrEquals,
}

type policyParser struct {
	tokens []string
	pos    int
	claims map[string]interface{}
}

// CompilePolicy parses a {policy: {database: expr}} string into a plan.Exp,
// substituting every "@claims.<name>" with a literal pulled from claims and
// keeping every "@item.<field>" symbolic (ValColumn) so the renderer can
// reference the row under evaluation. An unknown claim name compiles to a
// literal nil, bound as a NULL parameter, so the comparison never holds for
// eq or ne and the row is filtered out
// — deliberately fails closed rather than raising, since a row policy is
// gating access, not reporting a config error to the caller.
func CompilePolicy(expr string, claims map[string]interface{}) (*plan.Exp, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	p := &policyParser{tokens: tokenizePolicy(expr), claims: claims}
	ex, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("policy: unexpected trailing token %q", p.tokens[p.pos])
	}
	return ex, nil
}

func tokenizePolicy(expr string) []string {
	expr = strings.ReplaceAll(expr, "(", " ( ")
	expr = strings.ReplaceAll(expr, ")", " ) ")
	return strings.Fields(expr)
}

func (p *policyParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *policyParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *policyParser) parseOr() (*plan.Exp, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &plan.Exp{Op: plan.OpOr, Children: []*plan.Exp{left, right}}
	}
	return left, nil
}

func (p *policyParser) parseAnd() (*plan.Exp, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = plan.And(left, right)
	}
	return left, nil
}

func (p *policyParser) parseUnary() (*plan.Exp, error) {
	if strings.EqualFold(p.peek(), "not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &plan.Exp{Op: plan.OpNot, Children: []*plan.Exp{inner}}, nil
	}
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("policy: expected ')'")
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *policyParser) parseComparison() (*plan.Exp, error) {
	left, leftIsColumn, leftLit, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	opTok := strings.ToLower(p.next())
	op, ok := policyOps[opTok]
	if !ok {
		return nil, fmt.Errorf("policy: expected comparison operator, got %q", opTok)
	}
	right, rightIsColumn, rightLit, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch {
	case leftIsColumn:
		ex := &plan.Exp{Op: op, Column: left}
		if rightIsColumn {
			ex.ValType, ex.Val = plan.ValColumn, right
		} else {
			ex.ValType, ex.Val = plan.ValLiteral, rightLit
		}
		return ex, nil
	case rightIsColumn:
		// Normalize "@claims.x eq @item.y" to column-on-the-left form so the
		// renderer only ever has to handle one orientation.
		ex := &plan.Exp{Op: flip(op), Column: right, ValType: plan.ValLiteral, Val: leftLit}
		return ex, nil
	default:
		return nil, fmt.Errorf("policy: at least one side of a comparison must be @item.<field>")
	}
}

func flip(op plan.ExpOp) plan.ExpOp {
	switch op {
	case plan.OpGreaterThan:
		return plan.OpLesserThan
	case plan.OpGreaterOrEquals:
		return plan.OpLesserOrEquals
	case plan.OpLesserThan:
		return plan.OpGreaterThan
	case plan.OpLesserOrEquals:
		return plan.OpGreaterOrEquals
	default:
		return op
	}
}

// parseOperand returns (name-or-literal, isColumn, literalValue).
func (p *policyParser) parseOperand() (string, bool, interface{}, error) {
	tok := p.next()
	switch {
	case strings.HasPrefix(tok, "@item."):
		return strings.TrimPrefix(tok, "@item."), true, nil, nil
	case strings.HasPrefix(tok, "@claims."):
		name := strings.TrimPrefix(tok, "@claims.")
		v, ok := p.claims[name]
		if !ok {
			return "", false, nil, nil
		}
		return "", false, v, nil
	case tok == "":
		return "", false, nil, fmt.Errorf("policy: unexpected end of expression")
	default:
		return "", false, parseLiteral(tok), nil
	}
}

func parseLiteral(tok string) interface{} {
	if len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'' {
		return tok[1 : len(tok)-1]
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(tok); err == nil {
		return b
	}
	return tok
}
