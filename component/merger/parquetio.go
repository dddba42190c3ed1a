package merger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hamba/avro/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/openmrs-community/fhir-warehouse-etl/component/parquetsink"
)

// readParquetRows reads every row of path into memory along with the
// schema the file was written with (schemaregistry.Registry guarantees
// that schema is identical for every part file of a given resource type
// across independent runs, spec.md §4.1's determinism contract).
func readParquetRows(path string) (*parquet.Schema, []map[string]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	schema := reader.Schema()
	var rows []map[string]any
	for {
		row := map[string]any{}
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	return schema, rows, nil
}

// countRows returns the number of rows in path without retaining them.
func countRows(path string) (int, error) {
	_, rows, err := readParquetRows(path)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// toParquetSchema converts a view's derived Avro schema into a parquet
// schema, reusing the same Avro-to-parquet type mapping component/
// parquetsink uses for resource schemas, so a materialized view's part
// files are structurally consistent with the rest of the warehouse.
func toParquetSchema(name string, schema avro.Schema) (*parquet.Schema, error) {
	return parquetsink.AvroToParquetSchema(name, schema)
}

// writeRows writes rows to dir as one or more Snappy-compressed part
// files, rotating to a new file once the approximate JSON-encoded size of
// the rows written so far reaches rowGroupSizeBytes, mirroring
// component/parquetsink's typeWriter rotation policy.
func writeRows(dir string, schema *parquet.Schema, rows []map[string]any, rowGroupSizeBytes int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("merger: failed to create %s: %w", dir, err)
	}

	var (
		partIndex    int
		file         *os.File
		writer       *parquet.Writer
		bytesWritten int64
	)

	rotate := func() error {
		if writer != nil {
			if err := writer.Close(); err != nil {
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("part-%05d.parquet", partIndex))
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		file = f
		writer = parquet.NewWriter(file, schema, parquet.Compression(&parquet.Snappy))
		partIndex++
		bytesWritten = 0
		return nil
	}

	if err := rotate(); err != nil {
		return fmt.Errorf("merger: failed to open part file in %s: %w", dir, err)
	}

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("merger: failed to write row in %s: %w", dir, err)
		}
		encoded, _ := json.Marshal(row)
		bytesWritten += int64(len(encoded))
		if bytesWritten >= rowGroupSizeBytes {
			if err := rotate(); err != nil {
				return fmt.Errorf("merger: failed to rotate part file in %s: %w", dir, err)
			}
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("merger: failed to close writer in %s: %w", dir, err)
	}
	return file.Close()
}
