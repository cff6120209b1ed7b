package schema

import (
	"context"
	"fmt"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core/metadata"
	"github.com/databridge/dataapi/core/plan"
)

// BuildCatalog introspects every entity (and resolves every relationship)
// named in rc once, up front, and returns the resulting plan.Catalog —
// the wiring layer that turns a conf.RuntimeConfig plus a metadata.Provider
// into the narrow, ctx-free lookup core/plan actually consumes. Built once
// per config snapshot and discarded on reload, exactly like the Provider's
// own cache it sits on top of.
func BuildCatalog(ctx context.Context, rc *conf.RuntimeConfig, provider *metadata.Provider) (plan.MapCatalog, error) {
	out := plan.MapCatalog{}
	for name, entity := range rc.Entities {
		info := plan.EntityInfo{Name: name, Source: entity.Source.Object}

		if entity.Source.Type == conf.SourceStoredProcedure {
			info.IsStoredProc = true
			out[name] = info
			continue
		}

		ti, err := provider.Table(ctx, entity.Source.Object)
		if err != nil {
			return nil, fmt.Errorf("schema: introspect %s (%s): %w", name, entity.Source.Object, err)
		}
		info.PrimaryKey = ti.PrimaryKey
		info.Columns = ti.ColumnNames()
		out[name] = info
	}

	// Relationships are resolved in a second pass so every entity's Source
	// is already known, including the target side of an edge.
	for name, entity := range rc.Entities {
		info := out[name]
		if info.IsStoredProc {
			continue
		}
		for relName, rel := range entity.Relationships {
			target, ok := rc.Entities[rel.Target.Entity]
			if !ok {
				return nil, fmt.Errorf("schema: relationship %s.%s targets unknown entity %q", name, relName, rel.Target.Entity)
			}
			resolved, err := provider.ResolveRelationship(ctx, entity.Source.Object, target.Source.Object, relName, rel)
			if err != nil {
				return nil, fmt.Errorf("schema: relationship %s.%s: %w", name, relName, err)
			}
			if info.Relationships == nil {
				info.Relationships = map[string]plan.RelationshipInfo{}
			}
			info.Relationships[relName] = plan.RelationshipInfo{
				Many:          resolved.Cardinality == conf.CardinalityMany,
				TargetEntity:  resolved.TargetEntity,
				TargetSource:  target.Source.Object,
				SourceFields:  resolved.SourceFields,
				TargetFields:  resolved.TargetFields,
				LinkingObject: resolved.LinkingObject,
				LinkingSource: resolved.LinkingSource,
				LinkingTarget: resolved.LinkingTarget,
			}
		}
		out[name] = info
	}
	return out, nil
}
