package conf

import "fmt"

// ValidateRefs checks cross-references that require the whole entity catalog
// to be present: relationship targets, linking objects, global name
// uniqueness of GraphQL singular/plural names. Ambiguous-FK relationship
// resolution is NOT checked here — that requires backend metadata and is
// deferred to the Metadata Provider (core/metadata), which raises
// RelationshipAmbiguous lazily at first use.
func ValidateRefs(rc *RuntimeConfig) ErrorList {
	var errs ErrorList

	if rc.SecretKey == "" {
		errs.add("secret_key", "must not be empty — it seeds the pagination cursor cipher")
	}

	gqlNames := map[string]string{} // name -> entity that claimed it

	for name, e := range rc.Entities {
		path := fmt.Sprintf("entities.%s", name)

		for relName, rel := range e.Relationships {
			relPath := fmt.Sprintf("%s.relationships.%s", path, relName)
			if rel.Target.Entity == "" {
				errs.add(relPath, "target.entity is required")
				continue
			}
			if _, ok := rc.Entities[rel.Target.Entity]; !ok {
				errs.add(relPath, "target.entity %q does not exist", rel.Target.Entity)
			}
			if rel.SourceEnd != nil && rel.TargetEnd != nil &&
				len(rel.SourceEnd.Fields) != len(rel.TargetEnd.Fields) {
				errs.add(relPath, "source.fields and target.fields must have equal length")
			}
			if rel.Linking != nil {
				if rel.Linking.Object == "" {
					errs.add(relPath+".linking", "object must not be empty")
				}
				if len(rel.Linking.Source) != len(rel.Linking.Target) {
					errs.add(relPath+".linking", "source.fields and target.fields must have equal length")
				}
			}
		}

		if e.GraphQL == nil || e.GraphQL.Enabled {
			singular, plural := name, name+"s"
			if e.GraphQL != nil && e.GraphQL.Singular != "" {
				singular = e.GraphQL.Singular
			}
			if e.GraphQL != nil && e.GraphQL.Plural != "" {
				plural = e.GraphQL.Plural
			}
			for _, n := range []string{singular, plural} {
				if owner, taken := gqlNames[n]; taken && owner != name {
					errs.add(path+".graphql", "GraphQL name %q collides with entity %q", n, owner)
				}
				gqlNames[n] = name
			}
		}
	}

	return errs
}
