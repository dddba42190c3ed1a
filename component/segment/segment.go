// Package segment fans discovered FHIR search segments and JDBC ID batches
// out to a bounded pool of workers, routing every fetched resource to a
// Parquet sink and, optionally, a mirror FHIR server.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"golang.org/x/sync/errgroup"

	"github.com/openmrs-community/fhir-warehouse-etl/component/fhirclient"
	"github.com/openmrs-community/fhir-warehouse-etl/component/idpartition"
	"github.com/openmrs-community/fhir-warehouse-etl/component/parquetsink"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/fhirutil"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/logging"
)

// Config configures an Executor's worker pool and destinations.
type Config struct {
	WorkerCount int `koanf:"workercount"`

	Source      *fhirclient.Source
	ParquetSink *parquetsink.Sink
	MirrorSink  *fhirclient.Sink // nil disables mirroring
}

// Executor consumes SearchSegment and IdBatch channels and fans work out
// across a bounded pool of goroutines.
type Executor struct {
	config Config

	FailureCount atomic.Int64
}

// New constructs an Executor. A WorkerCount <= 0 defaults to 1.
func New(config Config) *Executor {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	return &Executor{config: config}
}

// Run drains segments and batches concurrently, bounded by
// config.WorkerCount. Either channel may be nil or already closed. Run
// returns the first error that is not a PermanentRemoteError: a Parquet
// sink write failure, a malformed bundle entry, a fetch error still failing
// after fhirclient's retries, or a mirror upload in which every resource
// failed. A PermanentRemoteError on an individual segment increments
// FailureCount and the segment is skipped, without cancelling the rest of
// the run.
func (e *Executor) Run(ctx context.Context, segments <-chan fhirclient.SearchSegment, batches <-chan idpartition.IdBatch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.WorkerCount)

	for segments != nil || batches != nil {
		select {
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			g.Go(func() error { return e.runSearchSegment(gctx, seg) })
		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			g.Go(func() error { return e.runIDBatch(gctx, batch) })
		case <-gctx.Done():
			return g.Wait()
		}
	}

	return g.Wait()
}

func (e *Executor) runSearchSegment(ctx context.Context, seg fhirclient.SearchSegment) error {
	bundle, err := e.config.Source.SearchByPage(ctx, seg.PageID, seg.Count, seg.Offset)
	if err != nil {
		return e.handleSegmentError(ctx, seg, err)
	}
	return e.emit(ctx, bundle)
}

func (e *Executor) runIDBatch(ctx context.Context, batch idpartition.IdBatch) error {
	bundle, err := e.config.Source.BatchGetByIDs(ctx, batch.ResourceType, batch.IDs)
	if err != nil {
		return e.handleBatchError(ctx, batch, err)
	}
	return e.emit(ctx, bundle)
}

func (e *Executor) handleSegmentError(ctx context.Context, seg fhirclient.SearchSegment, err error) error {
	var permErr *fhirclient.PermanentRemoteError
	if errors.As(err, &permErr) {
		e.FailureCount.Add(1)
		slog.WarnContext(ctx, "skipping search segment after permanent remote error",
			logging.Segment(seg.PageID, seg.Offset, seg.Count), logging.Error(err))
		return nil
	}
	return fmt.Errorf("segment: search page %s offset %d: %w", seg.PageID, seg.Offset, err)
}

func (e *Executor) handleBatchError(ctx context.Context, batch idpartition.IdBatch, err error) error {
	var permErr *fhirclient.PermanentRemoteError
	if errors.As(err, &permErr) {
		e.FailureCount.Add(1)
		slog.WarnContext(ctx, "skipping id batch after permanent remote error",
			logging.ResourceType(batch.ResourceType), logging.Error(err))
		return nil
	}
	return fmt.Errorf("segment: batch get %s (%d ids): %w", batch.ResourceType, len(batch.IDs), err)
}

// emit writes every bundle entry's resource to the Parquet sink and, if a
// mirror sink is configured, uploads the whole bundle to it.
func (e *Executor) emit(ctx context.Context, bundle fhir.Bundle) error {
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		raw := []byte(entry.Resource)
		info, err := fhirutil.ExtractResourceInfo(raw)
		if err != nil {
			return fmt.Errorf("segment: malformed bundle entry: %w", err)
		}
		if err := e.config.ParquetSink.Write(info.ResourceType, raw); err != nil {
			return fmt.Errorf("segment: parquet sink write failed: %w", err)
		}
	}

	if e.config.MirrorSink != nil {
		if _, err := e.config.MirrorSink.UploadBundle(ctx, bundle); err != nil {
			return fmt.Errorf("segment: mirror upload failed: %w", err)
		}
	}
	return nil
}
