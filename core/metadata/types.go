// Package metadata introspects the backing store lazily, one entity at a
// time, and caches the result per config snapshot — mirroring the
// compiler's own dbinfo/DBSchema split, but scoped to exactly the entities a
// config names instead of discovering an entire database up front.
package metadata

// Column describes one physical column backing an entity.
type Column struct {
	Name       string
	DBType     string
	Nullable   bool
	IsPrimary  bool
	IsIdentity bool
}

// ForeignKey describes one physical foreign key constraint discovered on a
// table, used to resolve a config relationship that named no explicit
// source/target field pairs.
type ForeignKey struct {
	Columns       []string
	RefObject     string
	RefColumns    []string
	ConstraintKey string // unique name, used to tell two FKs to the same table apart
}

// TableInfo is everything the planner and schema builder need to know about
// one entity's backing object.
type TableInfo struct {
	Object      string
	Columns     []Column
	ColumnByName map[string]Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

func (t *TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *TableInfo) HasColumn(name string) bool {
	_, ok := t.ColumnByName[name]
	return ok
}
