// Package parquetsink writes FHIR resources into a partitioned Parquet
// warehouse, one directory and schema per resource type, rotating to a new
// file once a type's current row group grows past a configured size.
package parquetsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hamba/avro/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/openmrs-community/fhir-warehouse-etl/component/schemaregistry"
)

// ErrSinkClosed is returned by Write once CloseAll has run.
var ErrSinkClosed = errors.New("parquetsink: sink is closed")

// SinkIoError wraps a fatal I/O or schema error tied to one resource type.
// Once raised, the affected type's writer refuses further writes.
type SinkIoError struct {
	ResourceType string
	Err          error
}

func (e *SinkIoError) Error() string {
	return fmt.Sprintf("parquetsink: %s: %v", e.ResourceType, e.Err)
}

func (e *SinkIoError) Unwrap() error { return e.Err }

// Config configures warehouse layout and row-group rotation.
type Config struct {
	Root              string `koanf:"root"`
	RowGroupSizeBytes int64  `koanf:"rowgroupsizebytes"`
}

// DefaultConfig returns the sink defaults used when no configuration is
// supplied: a 128 MiB row-group rotation threshold.
func DefaultConfig() Config {
	return Config{RowGroupSizeBytes: 128 << 20}
}

// Sink manages one typeWriter per resource type written so far. It is safe
// for concurrent use by multiple worker goroutines writing distinct or
// overlapping resource types.
type Sink struct {
	root              string
	rowGroupSizeBytes int64
	registry          *schemaregistry.Registry

	mu         sync.Mutex
	writers    map[string]*typeWriter
	closed     bool
	firstFatal error
}

// New constructs a Sink rooted at config.Root. Directories for each
// resource type are created lazily on first Write.
func New(config Config, registry *schemaregistry.Registry) *Sink {
	if config.RowGroupSizeBytes <= 0 {
		config.RowGroupSizeBytes = DefaultConfig().RowGroupSizeBytes
	}
	return &Sink{
		root:              config.Root,
		rowGroupSizeBytes: config.RowGroupSizeBytes,
		registry:          registry,
		writers:           make(map[string]*typeWriter),
	}
}

// Write converts raw FHIR resource JSON into a row matching resourceType's
// registered Avro schema and appends it to that type's current part file.
func (s *Sink) Write(resourceType string, raw []byte) error {
	tw, err := s.writerFor(resourceType)
	if err != nil {
		return err
	}

	if err := tw.write(raw); err != nil {
		s.recordFatal(err)
		return err
	}
	return nil
}

func (s *Sink) writerFor(resourceType string) (*typeWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSinkClosed
	}
	if tw, ok := s.writers[resourceType]; ok {
		return tw, nil
	}

	schema, err := s.registry.SchemaFor(resourceType)
	if err != nil {
		return nil, err
	}
	tw, err := newTypeWriter(s.root, resourceType, schema, s.rowGroupSizeBytes)
	if err != nil {
		s.firstFatal = cmpFirst(s.firstFatal, err)
		return nil, err
	}
	s.writers[resourceType] = tw
	return tw, nil
}

func (s *Sink) recordFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstFatal = cmpFirst(s.firstFatal, err)
}

func cmpFirst(existing, candidate error) error {
	if existing != nil {
		return existing
	}
	return candidate
}

// FirstFatalError returns the first SinkIoError raised by any typeWriter,
// or nil if none occurred.
func (s *Sink) FirstFatalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstFatal
}

// Root returns the warehouse root directory this Sink writes under.
func (s *Sink) Root() string {
	return s.root
}

// WrittenTypes returns every resource type with at least one typeWriter
// opened, sorted for deterministic _types.txt output.
func (s *Sink) WrittenTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.writers))
	for t := range s.writers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CloseAll flushes and closes every typeWriter exactly once. It is safe to
// call multiple times; only the first call does work.
func (s *Sink) CloseAll() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	writers := make([]*typeWriter, 0, len(s.writers))
	for _, tw := range s.writers {
		writers = append(writers, tw)
	}
	s.mu.Unlock()

	var firstErr error
	for _, tw := range writers {
		if err := tw.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// typeWriter owns the current *parquet.Writer for one resource type and
// rotates to a new part file once rowGroupSizeBytes is exceeded. Each
// typeWriter is guarded by its own mutex, independent of every other type's
// writer, so writes to distinct resource types never contend.
type typeWriter struct {
	mu                sync.Mutex
	resourceType      string
	dir               string
	parquetSchema     *parquet.Schema
	rowGroupSizeBytes int64

	schema       avro.Schema
	partIndex    int
	bytesWritten int64
	file         *os.File
	writer       *parquet.Writer
	fatalErr     error
}

func newTypeWriter(root, resourceType string, schema avro.Schema, rowGroupSizeBytes int64) (*typeWriter, error) {
	dir := filepath.Join(root, resourceType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &SinkIoError{ResourceType: resourceType, Err: err}
	}

	pschema, err := AvroToParquetSchema(resourceType, schema)
	if err != nil {
		return nil, &SinkIoError{ResourceType: resourceType, Err: err}
	}

	tw := &typeWriter{
		resourceType:      resourceType,
		dir:               dir,
		parquetSchema:     pschema,
		rowGroupSizeBytes: rowGroupSizeBytes,
		schema:            schema,
	}
	if err := tw.rotate(); err != nil {
		return nil, err
	}
	return tw, nil
}

func (tw *typeWriter) write(raw []byte) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.fatalErr != nil {
		return tw.fatalErr
	}

	row, err := resourceToRow(tw.schema, raw)
	if err != nil {
		tw.fatalErr = &SinkIoError{ResourceType: tw.resourceType, Err: err}
		return tw.fatalErr
	}

	if tw.bytesWritten >= tw.rowGroupSizeBytes {
		if err := tw.rotate(); err != nil {
			tw.fatalErr = err
			return err
		}
	}

	if err := tw.writer.Write(row); err != nil {
		tw.fatalErr = &SinkIoError{ResourceType: tw.resourceType, Err: err}
		return tw.fatalErr
	}

	tw.bytesWritten += int64(len(raw))
	return nil
}

// rotate closes the current part file (if any) and opens the next
// zero-padded part-NNNNN.parquet file for this type.
func (tw *typeWriter) rotate() error {
	if tw.writer != nil {
		if err := tw.writer.Close(); err != nil {
			return &SinkIoError{ResourceType: tw.resourceType, Err: err}
		}
		if err := tw.file.Close(); err != nil {
			return &SinkIoError{ResourceType: tw.resourceType, Err: err}
		}
	}

	path := filepath.Join(tw.dir, fmt.Sprintf("part-%05d.parquet", tw.partIndex))
	file, err := os.Create(path)
	if err != nil {
		return &SinkIoError{ResourceType: tw.resourceType, Err: err}
	}

	tw.writer = parquet.NewWriter(file, tw.parquetSchema, parquet.Compression(&parquet.Snappy))
	tw.file = file
	tw.partIndex++
	tw.bytesWritten = 0
	return nil
}

func (tw *typeWriter) close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.writer == nil {
		return nil
	}
	err := tw.writer.Close()
	if closeErr := tw.file.Close(); err == nil {
		err = closeErr
	}
	tw.writer = nil
	if err != nil {
		return &SinkIoError{ResourceType: tw.resourceType, Err: err}
	}
	return nil
}
