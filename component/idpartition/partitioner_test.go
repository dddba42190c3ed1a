package idpartition

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestSplitRanges(t *testing.T) {
	assert.Equal(t, []IDRange{{From: 0, To: 100}, {From: 100, To: 200}, {From: 200, To: 300}}, splitRanges(250, 100))
	assert.Equal(t, []IDRange{{From: 0, To: 100}}, splitRanges(0, 100))
	assert.Nil(t, splitRanges(-1, 100))
}

func TestGroupIntoBatches(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	batches := groupIntoBatches("Patient", ids, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].IDs, 2)
	assert.Len(t, batches[1].IDs, 2)
	assert.Len(t, batches[2].IDs, 1)
	assert.Equal(t, ids[0].String(), batches[0].IDs[0])
}

func TestGroupIntoBatches_empty(t *testing.T) {
	assert.Empty(t, groupIntoBatches("Patient", nil, 10))
}

// TestPartitioner_integration exercises RangesFor and BatchesFor against a
// real Postgres instance. It requires a Docker daemon and is skipped with
// -short.
func TestPartitioner_integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers-backed integration test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("idpartition_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	mapping, err := LoadMapping(writeMapping(t, `[{"tableName": "patient", "resourceType": "Patient", "linkedResources": []}]`))
	require.NoError(t, err)

	p, err := Open(Config{DSN: dsn}, mapping, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.db.ExecContext(ctx, `CREATE TABLE patient (id BIGINT PRIMARY KEY, uuid UUID NOT NULL)`)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		_, err := p.db.ExecContext(ctx, `INSERT INTO patient (id, uuid) VALUES ($1, $2)`, i, ids[i])
		require.NoError(t, err)
	}

	ranges, err := p.RangesFor(ctx, "Patient", 10)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, IDRange{From: 0, To: 10}, ranges[0])

	batches, err := p.BatchesFor(ctx, "Patient", ranges[0], 2)
	require.NoError(t, err)

	var total int
	for _, b := range batches {
		total += len(b.IDs)
	}
	assert.Equal(t, 5, total)
}

func TestPartitioner_rangesForUnmappedResource(t *testing.T) {
	mapping, err := LoadMapping(writeMapping(t, `[{"tableName": "patient", "resourceType": "Patient", "linkedResources": []}]`))
	require.NoError(t, err)
	p, err := Open(Config{DSN: "postgres://unused/unused"}, mapping, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.RangesFor(context.Background(), "Observation", 10)
	require.ErrorIs(t, err, ErrResourceNotMapped)

	_, err = p.BatchesFor(context.Background(), "Observation", IDRange{}, 10)
	require.ErrorIs(t, err, ErrResourceNotMapped)
}
