package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/spf13/cobra"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core/exec"
	"github.com/databridge/dataapi/core/metadata"
	"github.com/databridge/dataapi/core/schema"
)

// printSchemaCmd loads the config, connects to the data source, and prints
// the resulting GraphQL schema as a standard introspection JSON document.
// graphql-go has no SDL printer, so introspection is the only portable way
// to dump the generated schema for inspection.
func printSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-schema",
		Short: "Print the generated GraphQL schema as an introspection document",
		Run:   cmdPrintSchema,
	}
}

func cmdPrintSchema(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	rc, err := conf.NewLoader(nil).Load(cpath)
	if err != nil {
		log.Fatalf("%s", err)
	}

	db, err := exec.Open(rc.DataSource)
	if err != nil {
		log.Fatalf("open data source: %s", err)
	}

	provider, err := metadata.NewProvider(db, rc.DataSource.Kind, 0)
	if err != nil {
		log.Fatalf("build metadata provider: %s", err)
	}

	catalog, err := schema.BuildCatalog(ctx, rc, provider)
	if err != nil {
		log.Fatalf("build catalog: %s", err)
	}

	executor := exec.NewExecutor(exec.WrapDB(db), 1, log)
	rt := schema.NewRuntime(rc, catalog, executor, schema.CursorKey(rc))

	gqlSchema, err := schema.BuildSchema(ctx, rt, provider)
	if err != nil {
		log.Fatalf("build graphql schema: %s", err)
	}

	result := graphql.Do(graphql.Params{
		Schema:        gqlSchema,
		RequestString: introspectionQuery,
		Context:       ctx,
	})
	if len(result.Errors) > 0 {
		log.Fatalf("introspection query failed: %v", result.Errors)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("marshal introspection result: %s", err)
	}
	fmt.Println(string(out))
}

const introspectionQuery = `
query IntrospectionQuery {
  __schema {
    queryType { name }
    mutationType { name }
    types {
      ...FullType
    }
  }
}

fragment FullType on __Type {
  kind
  name
  fields(includeDeprecated: true) {
    name
    args {
      ...InputValue
    }
    type {
      ...TypeRef
    }
    isDeprecated
    deprecationReason
  }
  inputFields {
    ...InputValue
  }
  interfaces {
    ...TypeRef
  }
  enumValues(includeDeprecated: true) {
    name
    isDeprecated
    deprecationReason
  }
  possibleTypes {
    ...TypeRef
  }
}

fragment InputValue on __InputValue {
  name
  type { ...TypeRef }
  defaultValue
}

fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
      }
    }
  }
}
`
