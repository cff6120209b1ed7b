package plan

import (
	"fmt"
	"strconv"
	"strings"
)

// scalarOps maps a GraphQL ScalarFilter field name to its Exp operator:
// eq/neq/gt/gte/lt/lte/contains/startsWith/endsWith/in/isNull.
var scalarOps = map[string]ExpOp{
	"eq":         OpEquals,
	"neq":        OpNotEquals,
	"gt":         OpGreaterThan,
	"gte":        OpGreaterOrEquals,
	"lt":         OpLesserThan,
	"lte":        OpLesserOrEquals,
	"contains":   OpContains,
	"startsWith": OpStartsWith,
	"endsWith":   OpEndsWith,
	"in":         OpIn,
}

// CompileGraphQLFilter turns a decoded filter-input argument map into an
// Exp tree. Each top-level key is either a column name mapping to a
// ScalarFilter sub-map, or one of and/or/not taking nested filter inputs.
func CompileGraphQLFilter(filter map[string]interface{}) (*Exp, error) {
	if len(filter) == 0 {
		return nil, nil // empty object filter is identity
	}
	var root *Exp
	for key, raw := range filter {
		var ex *Exp
		var err error
		switch key {
		case "and":
			ex, err = compileConnective(OpAnd, raw)
		case "or":
			ex, err = compileConnective(OpOr, raw)
		case "not":
			sub, serr := asMap(raw)
			if serr != nil {
				return nil, serr
			}
			inner, ierr := CompileGraphQLFilter(sub)
			if ierr != nil {
				return nil, ierr
			}
			ex = &Exp{Op: OpNot, Children: []*Exp{inner}}
		default:
			ex, err = compileScalarFilter(key, raw)
		}
		if err != nil {
			return nil, err
		}
		root = And(root, ex)
	}
	return root, nil
}

func compileConnective(op ExpOp, raw interface{}) (*Exp, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("filter: %s expects a list", op)
	}
	node := &Exp{Op: op}
	for _, it := range items {
		m, err := asMap(it)
		if err != nil {
			return nil, err
		}
		sub, err := CompileGraphQLFilter(m)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			node.Children = append(node.Children, sub)
		}
	}
	return node, nil
}

func compileScalarFilter(column string, raw interface{}) (*Exp, error) {
	m, err := asMap(raw)
	if err != nil {
		return nil, err
	}
	if v, ok := m["isNull"]; ok {
		isNull, _ := v.(bool)
		op := OpIsNotNull
		if isNull {
			op = OpIsNull
		}
		return &Exp{Op: op, Column: column}, nil
	}
	var root *Exp
	for field, val := range m {
		op, ok := scalarOps[field]
		if !ok {
			return nil, fmt.Errorf("filter: unknown operator %q on column %q", field, column)
		}
		ex := &Exp{Op: op, Column: column}
		if op == OpIn {
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("filter: %q.in expects a list", column)
			}
			ex.ValType, ex.List = ValList, list
		} else {
			ex.ValType, ex.Val = ValLiteral, val
		}
		root = And(root, ex)
	}
	return root, nil
}

func asMap(raw interface{}) (map[string]interface{}, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("filter: expected object, got %T", raw)
	}
	return m, nil
}

// odataOps maps the REST $filter OData-subset comparison tokens to Exp
// operators.
var odataOps = map[string]ExpOp{
	"eq": OpEquals, "ne": OpNotEquals,
	"gt": OpGreaterThan, "ge": OpGreaterOrEquals,
	"lt": OpLesserThan, "le": OpLesserOrEquals,
}

// CompileODataFilter parses a flat `$filter` expression of the form
// "col op value and col op value" (no parentheses, left-to-right, 'and'/'or'
// binding as written) into an Exp tree. This deliberately covers a small
// comparison-operator subset rather than the full OData ABNF grammar.
func CompileODataFilter(expr string) (*Exp, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	clauses := splitODataConnectives(expr)
	var root *Exp
	op := OpAnd
	for _, c := range clauses {
		switch strings.ToLower(c.connective) {
		case "or":
			op = OpOr
		default:
			op = OpAnd
		}
		ex, err := compileODataClause(c.text)
		if err != nil {
			return nil, err
		}
		if root == nil {
			root = ex
		} else if op == OpOr {
			root = &Exp{Op: OpOr, Children: []*Exp{root, ex}}
		} else {
			root = And(root, ex)
		}
	}
	return root, nil
}

type odataClause struct {
	connective string // "", "and", "or" — the connective preceding this clause
	text       string
}

func splitODataConnectives(expr string) []odataClause {
	fields := strings.Fields(expr)
	var clauses []odataClause
	var cur []string
	connective := ""
	for _, f := range fields {
		lf := strings.ToLower(f)
		if lf == "and" || lf == "or" {
			clauses = append(clauses, odataClause{connective: connective, text: strings.Join(cur, " ")})
			connective = lf
			cur = nil
			continue
		}
		cur = append(cur, f)
	}
	if len(cur) > 0 {
		clauses = append(clauses, odataClause{connective: connective, text: strings.Join(cur, " ")})
	}
	return clauses
}

func compileODataClause(text string) (*Exp, error) {
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return nil, fmt.Errorf("$filter: malformed clause %q", text)
	}
	column := parts[0]
	opTok := strings.ToLower(parts[1])
	op, ok := odataOps[opTok]
	if !ok {
		return nil, fmt.Errorf("$filter: unsupported operator %q", parts[1])
	}
	valTok := strings.Join(parts[2:], " ")
	return &Exp{Op: op, Column: column, ValType: ValLiteral, Val: parseODataLiteral(valTok)}, nil
}

// parseODataLiteral strips a quoted string's quotes and otherwise tries
// int, float, then bool, falling back to the raw token as a string.
func parseODataLiteral(tok string) interface{} {
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
