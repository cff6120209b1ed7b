package conf

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs afero.Fs, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, path, data, 0o644))
}

func baseConfig() map[string]interface{} {
	return map[string]interface{}{
		"schema_version": "1.0",
		"secret_key":     "test-secret",
		"data_source": map[string]interface{}{
			"database-type":     "postgresql",
			"connection-string": "postgres://localhost/db",
		},
		"runtime": map[string]interface{}{
			"rest":    map[string]interface{}{"enabled": true, "path": "/api"},
			"graphql": map[string]interface{}{"enabled": true, "path": "/graphql", "depth-limit": -1},
			"host":    map[string]interface{}{"mode": "development"},
		},
		"entities": map[string]interface{}{
			"Book": map[string]interface{}{
				"source": map[string]interface{}{"object": "dbo.books", "type": "table"},
				"permissions": []interface{}{
					map[string]interface{}{"role": "anonymous", "actions": []interface{}{"read"}},
				},
			},
		},
	}
}

func TestLoad_Basic(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/config.json", baseConfig())

	rc, err := NewLoader(fs).Load("/config.json")
	require.NoError(t, err)
	assert.Equal(t, KindPostgreSQL, rc.DataSource.Kind)
	assert.Contains(t, rc.Entities, "Book")
	assert.Equal(t, "Book", rc.Entities["Book"].Name)
}

func TestLoad_UnresolvedEnvIsFatal(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := baseConfig()
	cfg["data_source"].(map[string]interface{})["connection-string"] = "@env('DOES_NOT_EXIST_XYZ')"
	writeFile(t, fs, "/config.json", cfg)

	_, err := NewLoader(fs).Load("/config.json")
	require.Error(t, err)
}

func TestLoad_EnvTokenResolved(t *testing.T) {
	fs := afero.NewMemMapFs()
	os.Setenv("TEST_DB_CONN", "postgres://resolved/db")
	defer os.Unsetenv("TEST_DB_CONN")

	cfg := baseConfig()
	cfg["data_source"].(map[string]interface{})["connection-string"] = "@env('TEST_DB_CONN')"
	writeFile(t, fs, "/config.json", cfg)

	rc, err := NewLoader(fs).Load("/config.json")
	require.NoError(t, err)
	assert.Equal(t, "postgres://resolved/db", rc.DataSource.ConnectionString)
}

func TestLoad_InvalidDepthLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := baseConfig()
	cfg["runtime"].(map[string]interface{})["graphql"].(map[string]interface{})["depth-limit"] = 0
	writeFile(t, fs, "/config.json", cfg)

	_, err := NewLoader(fs).Load("/config.json")
	require.Error(t, err)
}

func TestLoad_DanglingRelationshipTarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := baseConfig()
	cfg["entities"].(map[string]interface{})["Book"].(map[string]interface{})["relationships"] = map[string]interface{}{
		"publisher": map[string]interface{}{
			"cardinality": "one",
			"target":      map[string]interface{}{"entity": "Publisher"},
		},
	}
	writeFile(t, fs, "/config.json", cfg)

	_, err := NewLoader(fs).Load("/config.json")
	require.Error(t, err)
}

func TestLoad_EnvironmentOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/config.json", baseConfig())
	writeFile(t, fs, "/config.staging.json", map[string]interface{}{
		"data_source": map[string]interface{}{"connection-string": "postgres://staging/db"},
	})

	os.Setenv("DAB_ENVIRONMENT", "staging")
	defer os.Unsetenv("DAB_ENVIRONMENT")

	rc, err := NewLoader(fs).Load("/config.json")
	require.NoError(t, err)
	assert.Equal(t, "postgres://staging/db", rc.DataSource.ConnectionString)
	// base fields not touched by the overlay survive the merge
	assert.Equal(t, KindPostgreSQL, rc.DataSource.Kind)
}

func TestFieldMask_EffectiveColumns(t *testing.T) {
	m := &FieldMask{Include: []string{"*"}, Exclude: []string{"ssn"}}
	eff := m.EffectiveColumns([]string{"id", "name", "ssn"})
	assert.True(t, eff["id"])
	assert.True(t, eff["name"])
	assert.False(t, eff["ssn"])
}

func TestFieldMask_IncludeExcludeConflictResolvesExcluded(t *testing.T) {
	m := &FieldMask{Include: []string{"id", "ssn"}, Exclude: []string{"ssn"}}
	eff := m.EffectiveColumns([]string{"id", "ssn"})
	assert.True(t, eff["id"])
	assert.False(t, eff["ssn"])
}

func TestPermission_FindAction_WildcardFallback(t *testing.T) {
	p := Permission{Role: "author", Actions: []Action{{Name: ActionAll}}}
	a, ok := p.FindAction(ActionUpdate)
	require.True(t, ok)
	assert.Equal(t, ActionAll, a.Name)
}

func TestValidate_StoredProcedureOnlyExecute(t *testing.T) {
	rc := &RuntimeConfig{
		DataSource: DataSource{Kind: KindPostgreSQL},
		Runtime:    RuntimeOptions{GraphQL: GraphQLOptions{DepthLimit: -1}},
		Entities: map[string]*Entity{
			"DoThing": {
				Source: EntitySource{Object: "dbo.do_thing", Type: SourceStoredProcedure},
				Permissions: []Permission{
					{Role: "user", Actions: []Action{{Name: ActionRead}}},
				},
			},
		},
	}
	err := rc.Validate()
	require.Error(t, err)
}
