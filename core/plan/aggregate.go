package plan

import "fmt"

var aggFnNames = map[string]AggFn{
	"count": AggCount, "countDistinct": AggCountDistinct,
	"sum": AggSum, "avg": AggAvg, "min": AggMin, "max": AggMax,
}

// planGroupBy compiles a plural root's groupBy(...) argument into a
// GROUP BY-shaped Node: Columns becomes the grouping columns, Aggregations
// the aggregate terms. The response shaper repacks each row into
// `{fields: {...}, aggregations: {...}}`.
func (pl *Planner) planGroupBy(node *Node, gb *GroupBySelection, _ *Exp) error {
	if len(gb.By) == 0 {
		return fmt.Errorf("groupBy: at least one 'by' field is required")
	}
	node.Columns = nil
	for _, col := range gb.By {
		node.Columns = append(node.Columns, Column{Expr: col, Alias: col})
	}
	for _, agg := range gb.Aggregations {
		fn := agg.Fn
		if fn == AggNone {
			return fmt.Errorf("groupBy: aggregation %q missing fn", agg.Alias)
		}
		node.Aggregations = append(node.Aggregations, agg)
	}
	node.Shape = ShapeArray
	return nil
}

// ParseAggFn resolves an AggregationInput.fn string token to an AggFn —
// one of count, sum, avg, min, max, countDistinct.
func ParseAggFn(name string) (AggFn, bool) {
	fn, ok := aggFnNames[name]
	return fn, ok
}
