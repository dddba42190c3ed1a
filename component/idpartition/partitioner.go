package idpartition

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// IDRange is a half-open window [From, To) over a table's integer primary
// key, one unit of discovery work for a resource type's JDBC partitioning.
type IDRange struct {
	From int64
	To   int64
}

// IdBatch is a set of resource UUIDs small enough to pass to
// Source.BatchGetByIDs, which comma-joins them into a single request.
type IdBatch struct {
	ResourceType string
	IDs          []string
}

// Config configures the Postgres connection Partitioner reads table data
// from.
type Config struct {
	DSN            string `koanf:"dsn"`
	MinConnections int    `koanf:"minconnections"`
}

// Partitioner splits a resource type's rows into IDRanges and, within a
// range, into fixed-size IdBatches of row UUIDs.
type Partitioner struct {
	db      *sql.DB
	mapping Mapping
}

// Open connects to config.DSN via the pgx stdlib driver and sizes the pool
// to max(config.MinConnections, workerCount), a fixed minimum to avoid
// connection churn under a bursty worker pool.
func Open(config Config, mapping Mapping, workerCount int) (*Partitioner, error) {
	db, err := sql.Open("pgx", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("idpartition: failed to open database: %w", err)
	}

	poolSize := workerCount
	if config.MinConnections > poolSize {
		poolSize = config.MinConnections
	}
	if poolSize < 1 {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	return &Partitioner{db: db, mapping: mapping}, nil
}

// Close releases the underlying connection pool.
func (p *Partitioner) Close() error {
	return p.db.Close()
}

// Mapping returns the table mapping this Partitioner was opened with, so a
// caller can resolve a requested resource type's linked resource types
// before planning work for it.
func (p *Partitioner) Mapping() Mapping {
	return p.mapping
}

// RangesFor issues SELECT MAX(id) FROM <table> for resourceType's backing
// table and splits [0, MAX] into half-open [from, to) windows of width
// batchSize.
func (p *Partitioner) RangesFor(ctx context.Context, resourceType string, batchSize int) ([]IDRange, error) {
	table, err := p.mapping.TableFor(resourceType)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("idpartition: batchSize must be positive, got %d", batchSize)
	}

	var maxID sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(id) FROM %s", table)
	if err := p.db.QueryRowContext(ctx, query).Scan(&maxID); err != nil {
		return nil, fmt.Errorf("idpartition: failed to query MAX(id) for %s: %w", table, err)
	}
	if !maxID.Valid {
		return nil, nil
	}

	return splitRanges(maxID.Int64, batchSize), nil
}

// BatchesFor issues SELECT uuid FROM <table> WHERE id >= $1 AND id < $2
// for resourceType's backing table, scans the results into UUIDs, and
// groups every fetchSize of them into one IdBatch.
func (p *Partitioner) BatchesFor(ctx context.Context, resourceType string, r IDRange, fetchSize int) ([]IdBatch, error) {
	table, err := p.mapping.TableFor(resourceType)
	if err != nil {
		return nil, err
	}
	if fetchSize <= 0 {
		return nil, fmt.Errorf("idpartition: fetchSize must be positive, got %d", fetchSize)
	}

	query := fmt.Sprintf("SELECT uuid FROM %s WHERE id >= $1 AND id < $2", table)
	rows, err := p.db.QueryContext(ctx, query, r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("idpartition: failed to query uuids for %s in [%d,%d): %w", table, r.From, r.To, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("idpartition: failed to scan uuid for %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idpartition: row iteration failed for %s: %w", table, err)
	}

	return groupIntoBatches(resourceType, ids, fetchSize), nil
}

// groupIntoBatches renders every fetchSize UUIDs into one IdBatch.
func groupIntoBatches(resourceType string, ids []uuid.UUID, fetchSize int) []IdBatch {
	var batches []IdBatch
	for i := 0; i < len(ids); i += fetchSize {
		end := i + fetchSize
		if end > len(ids) {
			end = len(ids)
		}
		strs := make([]string, 0, end-i)
		for _, id := range ids[i:end] {
			strs = append(strs, id.String())
		}
		batches = append(batches, IdBatch{ResourceType: resourceType, IDs: strs})
	}
	return batches
}

// splitRanges divides [0, maxID] into half-open [from, to) windows of
// width batchSize.
func splitRanges(maxID int64, batchSize int) []IDRange {
	var ranges []IDRange
	for from := int64(0); from <= maxID; from += int64(batchSize) {
		ranges = append(ranges, IDRange{From: from, To: from + int64(batchSize)})
	}
	return ranges
}
