package viewdef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDef(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "view.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoad_basic(t *testing.T) {
	path := writeDef(t, `{
		"resourceType": "Patient",
		"select": [{"column": [
			{"name": "patient_id", "path": "id", "type": "string"},
			{"name": "active", "path": "active", "type": "boolean"}
		]}]
	}`)

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Patient", def.ResourceType)
	assert.Len(t, def.columns(), 2)
}

func TestLoad_missingResourceType(t *testing.T) {
	path := writeDef(t, `{"select": [{"column": [{"name": "x", "path": "id", "type": "string"}]}]}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_noSelect(t *testing.T) {
	path := writeDef(t, `{"resourceType": "Patient"}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestDefinition_project_flatColumns(t *testing.T) {
	def := Definition{
		ResourceType: "Patient",
		Select: []Select{{Column: []Column{
			{Name: "patient_id", Path: "id", Type: "string"},
			{Name: "active", Path: "active", Type: "boolean"},
		}}},
	}
	resource := map[string]any{"id": "p1", "active": true}

	row, ok := def.Project(resource)
	require.True(t, ok)
	assert.Equal(t, "p1", row["patient_id"])
	assert.Equal(t, true, row["active"])
}

func TestDefinition_project_forEachFirstElement(t *testing.T) {
	def := Definition{
		ResourceType: "Patient",
		Select: []Select{{
			ForEach: "name",
			Column: []Column{
				{Name: "family", Path: "family", Type: "string"},
			},
		}},
	}
	resource := map[string]any{
		"id": "p1",
		"name": []any{
			map[string]any{"family": "Smith"},
			map[string]any{"family": "Jones"},
		},
	}

	row, ok := def.Project(resource)
	require.True(t, ok)
	assert.Equal(t, "Smith", row["family"])
}

func TestDefinition_project_whereFiltersRowOut(t *testing.T) {
	def := Definition{
		ResourceType: "Patient",
		Select:       []Select{{Column: []Column{{Name: "id", Path: "id", Type: "string"}}}},
		Where:        []Where{{Path: "active"}},
	}

	_, ok := def.Project(map[string]any{"id": "p1", "active": false})
	assert.False(t, ok)

	row, ok := def.Project(map[string]any{"id": "p1", "active": true})
	require.True(t, ok)
	assert.Equal(t, "p1", row["id"])
}

func TestDefinition_schema_buildsAvroRecord(t *testing.T) {
	def := Definition{
		ResourceType: "Patient",
		Select: []Select{{Column: []Column{
			{Name: "patient_id", Path: "id", Type: "string"},
			{Name: "age", Path: "age", Type: "integer"},
		}}},
	}

	schema, err := def.Schema()
	require.NoError(t, err)
	assert.Contains(t, schema.String(), "patient_id")
}

func TestResolvePath_nestedArrayIndex(t *testing.T) {
	resource := map[string]any{
		"code": map[string]any{
			"coding": []any{
				map[string]any{"system": "http://loinc.org", "code": "1234"},
			},
		},
	}
	assert.Equal(t, "1234", resolvePath(resource, "code.coding.0.code"))
}

func TestResolvePath_missingPathReturnsNil(t *testing.T) {
	resource := map[string]any{"id": "p1"}
	assert.Nil(t, resolvePath(resource, "meta.lastUpdated"))
}
