package plan

import "fmt"

// planPagination wires keyset pagination onto a plural root Node:
// `first` becomes `LIMIT first+1` (the +1 probe row detects
// hasNextPage), `after` decodes to a strict tuple-greater-than predicate
// over the current orderBy tuple. The default order key (when the caller
// gave none) is already set by the caller to primary-key ASC, guaranteeing
// a stable keyset.
func (pl *Planner) planPagination(node *Node, sel Selection, orderBy []OrderKey) error {
	if sel.First == 0 {
		return nil
	}
	if sel.First > MaxFirst {
		return fmt.Errorf("%w: first=%d exceeds cap of %d", ErrFirstExceedsCap, sel.First, MaxFirst)
	}

	node.Limit = sel.First + 1
	node.Cursor = &CursorSpec{Keys: orderBy, RawFirst: sel.First}

	if sel.After == "" {
		return nil
	}
	values, err := DecodeCursor(pl.CursorKey, sel.After, orderBy)
	if err != nil {
		return err
	}
	node.Cursor.After = values
	node.Predicates = append(node.Predicates, TupleGreaterThan(orderBy, values))
	return nil
}
