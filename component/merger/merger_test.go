package merger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmrs-community/fhir-warehouse-etl/component/parquetsink"
	"github.com/openmrs-community/fhir-warehouse-etl/component/schemaregistry"
)

// writeWarehouse writes one resource type's raw resources into a fresh
// warehouse root under t.TempDir(), the same way component/segment's
// Executor writes a live run's output.
func writeWarehouse(t *testing.T, resourceType string, resources ...string) string {
	t.Helper()
	root := t.TempDir()
	reg, err := schemaregistry.New(schemaregistry.Config{})
	require.NoError(t, err)
	sink := parquetsink.New(parquetsink.Config{Root: root}, reg)
	for _, raw := range resources {
		require.NoError(t, sink.Write(resourceType, []byte(raw)))
	}
	require.NoError(t, sink.CloseAll())
	return root
}

func TestMerge_lastWriterWins(t *testing.T) {
	a := writeWarehouse(t, "Observation", `{"resourceType":"Observation","id":"9","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	b := writeWarehouse(t, "Observation", `{"resourceType":"Observation","id":"9","meta":{"lastUpdated":"2024-06-01T00:00:00Z"}}`)
	out := t.TempDir()

	report, err := New(DefaultConfig()).Merge(a, b, out)
	require.NoError(t, err)

	assert.Equal(t, 1, report.NumDuplicates)
	assert.Equal(t, 1, report.NumOutputRecords)

	_, rows, err := readParquetRows(firstPartFile(t, filepath.Join(out, "Observation")))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	meta := rows[0]["meta"].(map[string]any)
	assert.Equal(t, "2024-06-01T00:00:00Z", meta["lastUpdated"])
}

func TestMerge_tombstoneErasesRecord(t *testing.T) {
	a := writeWarehouse(t, "Patient", `{"resourceType":"Patient","id":"1","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	b := writeWarehouse(t, "Patient", `{"resourceType":"Patient","id":"1","meta":{"lastUpdated":"2024-02-01T00:00:00Z","tag":[{"system":"http://terminology.hl7.org/CodeSystem/v3-ActionType","code":"REMOVE"}]}}`)
	out := t.TempDir()

	report, err := New(DefaultConfig()).Merge(a, b, out)
	require.NoError(t, err)

	assert.Equal(t, 0, report.NumOutputRecords)
	assert.Equal(t, 1, report.NumDuplicates)

	entries, err := partFiles(filepath.Join(out, "Patient"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMerge_disjointTypesCopiedVerbatim(t *testing.T) {
	a := writeWarehouse(t, "Patient", `{"resourceType":"Patient","id":"1","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	b := writeWarehouse(t, "Observation", `{"resourceType":"Observation","id":"2","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	out := t.TempDir()

	report, err := New(DefaultConfig()).Merge(a, b, out)
	require.NoError(t, err)

	assert.Equal(t, 0, report.NumDuplicates)
	assert.Equal(t, 2, report.NumOutputRecords)

	_, patientRows, err := readParquetRows(firstPartFile(t, filepath.Join(out, "Patient")))
	require.NoError(t, err)
	assert.Len(t, patientRows, 1)

	_, obsRows, err := readParquetRows(firstPartFile(t, filepath.Join(out, "Observation")))
	require.NoError(t, err)
	assert.Len(t, obsRows, 1)
}

func TestMerge_idempotentOnIdenticalInputs(t *testing.T) {
	a := writeWarehouse(t, "Patient",
		`{"resourceType":"Patient","id":"1","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`,
		`{"resourceType":"Patient","id":"2","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`,
	)
	out := t.TempDir()

	report, err := New(DefaultConfig()).Merge(a, a, out)
	require.NoError(t, err)

	assert.Equal(t, 2, report.NumOutputRecords)
	assert.Equal(t, 2, report.NumDuplicates)
}

func TestMerge_missingLastUpdatedIsFatal(t *testing.T) {
	a := writeWarehouse(t, "Patient", `{"resourceType":"Patient","id":"1"}`)
	b := writeWarehouse(t, "Patient", `{"resourceType":"Patient","id":"1","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`)
	out := t.TempDir()

	_, err := New(DefaultConfig()).Merge(a, b, out)
	require.Error(t, err)
}

func firstPartFile(t *testing.T, dir string) string {
	t.Helper()
	parts, err := partFiles(dir)
	require.NoError(t, err)
	require.NotEmpty(t, parts)
	return parts[0]
}
