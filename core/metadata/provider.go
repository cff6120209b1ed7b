package metadata

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/databridge/dataapi/conf"
)

// Provider serves TableInfo for an entity, introspecting lazily on first use
// and caching the result per config snapshot. A snapshot reload drops the
// whole cache rather than diffing it — config reloads are rare and
// introspection is cheap per entity, so there is no value in the extra
// bookkeeping a partial invalidation would need.
type Provider struct {
	db   Queryer
	kind conf.DBKind

	mu    sync.Mutex
	cache *lru.Cache[string, *TableInfo]
}

// NewProvider builds a Provider backed by db (typically a *sql.DB), caching
// up to cacheSize entities' worth of introspected metadata.
func NewProvider(db Queryer, kind conf.DBKind, cacheSize int) (*Provider, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[string, *TableInfo](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Provider{db: db, kind: kind, cache: c}, nil
}

// Table returns the TableInfo for object, introspecting it on first request.
func (p *Provider) Table(ctx context.Context, object string) (*TableInfo, error) {
	p.mu.Lock()
	if ti, ok := p.cache.Get(object); ok {
		p.mu.Unlock()
		return ti, nil
	}
	p.mu.Unlock()

	ti, err := introspectTable(ctx, p.db, p.kind, object)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache.Add(object, ti)
	p.mu.Unlock()
	return ti, nil
}

// Reset drops every cached TableInfo — called from an Engine reload hook so
// a config change that renames or repoints an entity's source object is
// picked up instead of silently continuing to serve stale column metadata.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

// ResolvedRelationship is a Relationship config entry with its field pairs
// fully determined — either copied straight from config, or derived from a
// single unambiguous foreign key when config left them unspecified.
type ResolvedRelationship struct {
	Name          string
	Cardinality   conf.Cardinality
	TargetEntity  string
	SourceFields  []string
	TargetFields  []string
	LinkingObject string
	LinkingSource []string
	LinkingTarget []string
}

// ResolveRelationship fills in a relationship's field pairs from physical
// foreign keys when the config entry specified none, and returns
// RelationshipAmbiguous (as a plain error; callers wrap it with the gateway
// error taxonomy) when more than one foreign key could equally satisfy it.
func (p *Provider) ResolveRelationship(ctx context.Context, sourceObject, targetObject, name string, rel *conf.Relationship) (*ResolvedRelationship, error) {
	out := &ResolvedRelationship{Name: name, Cardinality: rel.Cardinality, TargetEntity: rel.Target.Entity}

	if rel.Linking != nil {
		out.LinkingObject = rel.Linking.Object
		out.LinkingSource = rel.Linking.Source
		out.LinkingTarget = rel.Linking.Target
	}

	if rel.SourceEnd != nil && rel.TargetEnd != nil {
		out.SourceFields = rel.SourceEnd.Fields
		out.TargetFields = rel.TargetEnd.Fields
		return out, nil
	}

	if rel.Linking != nil {
		// Many-to-many via a linking table: the two FK pairs are on the
		// linking object itself, not derivable from sourceObject — config
		// must name them explicitly in this case.
		return nil, fmt.Errorf("relationship %q: linking relationships require explicit source/target fields", name)
	}

	ti, err := p.Table(ctx, sourceObject)
	if err != nil {
		return nil, err
	}
	var candidates []ForeignKey
	for _, fk := range ti.ForeignKeys {
		if fk.RefObject == rel.Target.Entity || tableNameMatches(fk.RefObject, rel.Target.Entity) {
			candidates = append(candidates, fk)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("relationship %q: no foreign key found from %s to %s and no explicit fields configured",
			name, sourceObject, rel.Target.Entity)
	case 1:
		out.SourceFields = candidates[0].Columns
		out.TargetFields = candidates[0].RefColumns
		return out, nil
	default:
		return nil, fmt.Errorf("relationship %q is ambiguous: %d foreign keys from %s to %s, configure source/target fields explicitly",
			name, len(candidates), sourceObject, rel.Target.Entity)
	}
}

func tableNameMatches(object, entity string) bool {
	return object == entity
}
