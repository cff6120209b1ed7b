package schema

import (
	"strings"

	"github.com/graphql-go/graphql"
)

// scalarFor maps a physical column's database type name to the GraphQL
// scalar the schema builder exposes it as — a fixed lookup table, not an
// inference engine: an unrecognized DB type name falls
// back to graphql.String so an unexpected backend type degrades to "pass
// the value through as text" rather than failing schema construction.
func scalarFor(dbType string) *graphql.Scalar {
	t := strings.ToLower(dbType)
	switch {
	case strings.Contains(t, "int") && !strings.Contains(t, "uniqueidentifier"):
		if strings.Contains(t, "bigint") {
			return graphql.String // bigint exceeds GraphQL Int's 32-bit range
		}
		return graphql.Int
	case strings.Contains(t, "bool") || t == "bit":
		return graphql.Boolean
	case strings.Contains(t, "float") || strings.Contains(t, "double") ||
		strings.Contains(t, "real") || strings.Contains(t, "decimal") ||
		strings.Contains(t, "numeric") || strings.Contains(t, "money"):
		return graphql.Float
	case strings.Contains(t, "date") || strings.Contains(t, "time"):
		return graphql.DateTime
	case strings.Contains(t, "uuid") || strings.Contains(t, "uniqueidentifier"):
		return graphql.ID
	default:
		return graphql.String
	}
}

// filterInputScalar returns the GraphQL input type one column's comparison
// operators (eq, gt, contains, ...) bind against — always the column's own
// scalar type, reused identically on both sides of the comparison.
func filterInputScalar(dbType string) *graphql.Scalar {
	return scalarFor(dbType)
}
