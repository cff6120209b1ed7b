// Package shape turns one executed Node's raw JSON document into the value
// callers actually asked for: the always-projected plumbing columns (join
// keys, order keys, primary keys the caller never selected) get stripped,
// keyset pagination's +1 probe row gets popped into a hasNextPage/endCursor
// pair, and a groupBy result gets repacked into {fields, aggregations}.
// The column mask itself is decided earlier, by core/authz, before the
// query is ever compiled; this package applies it once more to the result,
// deleting every key outside a node's Mask along with the columns the
// planner added for its own internal bookkeeping.
package shape

import (
	"encoding/json"

	"github.com/databridge/dataapi/core/plan"
)

// Page is one shaped plural result: Items is the cleaned row slice,
// HasNextPage/EndCursor describe the next page of the connection.
type Page struct {
	Items       []interface{}
	HasNextPage bool
	EndCursor   string
}

// Shaper cleans one Node's executed result. Stateless — a single Shaper
// is reused across requests.
type Shaper struct {
	CursorKey [32]byte
}

func New(cursorKey [32]byte) *Shaper {
	return &Shaper{CursorKey: cursorKey}
}

// ShapeObject cleans a singular (by-PK or to-one) result. doc is nil when
// the executor's query returned SQL NULL — the caller maps that to
// EntityNotFound, this function only returns nil, nil for it.
func (s *Shaper) ShapeObject(doc *string, node *plan.Node) (map[string]interface{}, error) {
	if doc == nil {
		return nil, nil
	}
	var row map[string]interface{}
	if err := json.Unmarshal([]byte(*doc), &row); err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	s.cleanRow(row, node, node.RequestedFields)
	return row, nil
}

// ShapePage cleans a plural result and, when node was compiled with keyset
// pagination (node.Cursor != nil), pops the +1 probe row and encodes the
// next cursor from the last retained row's orderBy tuple.
func (s *Shaper) ShapePage(doc *string, node *plan.Node) (Page, error) {
	var rows []map[string]interface{}
	if doc != nil {
		if err := json.Unmarshal([]byte(*doc), &rows); err != nil {
			return Page{}, err
		}
	}

	page := Page{}
	if node.Cursor != nil && node.Cursor.RawFirst > 0 {
		if len(rows) > node.Cursor.RawFirst {
			page.HasNextPage = true
			rows = rows[:node.Cursor.RawFirst]
		}
		if len(rows) > 0 {
			cursor, err := s.encodeRowCursor(rows[len(rows)-1], node.Cursor.Keys)
			if err == nil {
				page.EndCursor = cursor
			}
		}
	}

	for _, row := range rows {
		s.cleanRow(row, node, node.RequestedFields)
		page.Items = append(page.Items, row)
	}
	return page, nil
}

// ShapeGroupBy repacks each row of a groupBy result into
// {fields: {...}, aggregations: {...}} — the grouping columns and the
// aggregate terms are rendered as flat sibling keys by sqlgen and need
// separating back out here.
func (s *Shaper) ShapeGroupBy(doc *string, node *plan.Node) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if doc != nil {
		if err := json.Unmarshal([]byte(*doc), &rows); err != nil {
			return nil, err
		}
	}
	aggAlias := map[string]bool{}
	for _, a := range node.Aggregations {
		aggAlias[a.Alias] = true
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		fields := map[string]interface{}{}
		aggregations := map[string]interface{}{}
		for k, v := range row {
			if aggAlias[k] {
				aggregations[k] = v
			} else {
				fields[k] = v
			}
		}
		out = append(out, map[string]interface{}{"fields": fields, "aggregations": aggregations})
	}
	return out, nil
}

// cleanRow strips every key of row that isn't in requested, recursing into
// nested relationship values by matching node.Children's alias to the
// corresponding map/slice value. It also deletes any key absent from
// node.Mask — the authorization column mask the Node was compiled under —
// so a column that slipped through as a join/order bookkeeping column, or
// one the caller never explicitly named but that the mask still excludes,
// can never reach the response. Relationship aliases are never checked
// against Mask, which only ever describes the entity's own plain columns.
func (s *Shaper) cleanRow(row map[string]interface{}, node *plan.Node, requested []string) {
	keep := map[string]bool{}
	for _, f := range requested {
		keep[f] = true
	}
	childAlias := map[string]bool{}
	for _, child := range node.Children {
		keep[child.Alias] = true
		childAlias[child.Alias] = true
	}

	for k := range row {
		if !keep[k] {
			delete(row, k)
			continue
		}
		if node.Mask != nil && !childAlias[k] && !node.Mask[k] {
			delete(row, k)
		}
	}

	for _, child := range node.Children {
		val, ok := row[child.Alias]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case map[string]interface{}:
			s.cleanRow(v, child, child.RequestedFields)
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					s.cleanRow(m, child, child.RequestedFields)
				}
			}
		}
	}
}

func (s *Shaper) encodeRowCursor(row map[string]interface{}, keys []plan.OrderKey) (string, error) {
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = row[k.Column]
	}
	return plan.EncodeCursor(s.CursorKey, keys, values)
}
