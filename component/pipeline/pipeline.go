// Package pipeline assembles one batch ETL run: it discovers how much work
// there is for each requested resource type, plans either search-API pages
// or JDBC ID batches to cover it, fans the plan out to a
// component/segment.Executor, and writes the warehouse's closing
// _types.txt side file once every worker has drained.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openmrs-community/fhir-warehouse-etl/component/fhirclient"
	"github.com/openmrs-community/fhir-warehouse-etl/component/idpartition"
	"github.com/openmrs-community/fhir-warehouse-etl/component/parquetsink"
	"github.com/openmrs-community/fhir-warehouse-etl/component/segment"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/logging"
)

// Summary reports what one pipeline run accomplished, printed by
// cmd/fhiretl per spec.md §7's user-visible failure summary.
type Summary struct {
	WrittenTypes []string
	FailureCount int64
}

// Config assembles a run. Exactly one discovery mode is used: JDBC mode
// when Partitioner is non-nil, search mode otherwise.
type Config struct {
	ResourceTypes []string
	PageSize      int
	FetchSize     int
	WorkerCount   int

	Source      *fhirclient.Source
	Partitioner *idpartition.Partitioner
	ParquetSink *parquetsink.Sink
	MirrorSink  *fhirclient.Sink // nil disables mirroring

	// ShutdownDeadline bounds how long Run waits for in-flight segments to
	// drain after ctx is cancelled, before forcing CloseAll regardless.
	ShutdownDeadline time.Duration
}

// Pipeline assembles and runs one batch ETL pass.
type Pipeline struct {
	config Config
}

// New constructs a Pipeline. A WorkerCount <= 0 defaults to 1, a
// ShutdownDeadline <= 0 defaults to 30s.
func New(config Config) *Pipeline {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.ShutdownDeadline <= 0 {
		config.ShutdownDeadline = 30 * time.Second
	}
	return &Pipeline{config: config}
}

// Run discovers the segment plan for every configured resource type, fans
// it out to a segment.Executor, and closes the sinks exactly once on
// completion, cancellation, or fatal error.
//
// ctx only governs when planning stops feeding new segments/batches: the
// Executor itself runs against a detached background context, so an
// in-flight HTTP request is never cancelled mid-flight by the caller's ctx
// (spec.md §5's shutdown contract). If the Executor has not drained
// within ShutdownDeadline of ctx being cancelled, Run gives up waiting and
// closes the sink anyway.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	segments := make(chan fhirclient.SearchSegment)
	batches := make(chan idpartition.IdBatch)

	exec := segment.New(segment.Config{
		WorkerCount: p.config.WorkerCount,
		Source:      p.config.Source,
		ParquetSink: p.config.ParquetSink,
		MirrorSink:  p.config.MirrorSink,
	})

	// planCtx is cancelled both when the caller's ctx is (so planning stops
	// feeding new work) and as soon as the Executor returns for any reason,
	// including a fatal error that makes it stop reading segments/batches
	// early. Without the latter, plan's blocked sends on the now-unread
	// unbuffered channels would never unblock: the Executor only watches
	// its own internal errgroup context, not the caller's ctx.
	planCtx, cancelPlan := context.WithCancel(ctx)
	defer cancelPlan()

	planDone := make(chan error, 1)
	go func() { planDone <- p.plan(planCtx, segments, batches) }()

	execDone := make(chan error, 1)
	go func() {
		err := exec.Run(context.Background(), segments, batches)
		cancelPlan()
		execDone <- err
	}()

	runErr := p.waitForCompletion(ctx, execDone)
	cancelPlan()
	if planErr := <-planDone; runErr == nil {
		runErr = planErr
	}

	if err := p.config.ParquetSink.CloseAll(); err != nil && runErr == nil {
		runErr = err
	}

	writtenTypes := p.config.ParquetSink.WrittenTypes()
	if err := writeTypesFile(p.config.ParquetSink, writtenTypes); err != nil && runErr == nil {
		runErr = err
	}

	summary := Summary{
		WrittenTypes: writtenTypes,
		FailureCount: exec.FailureCount.Load(),
	}

	if runErr != nil {
		return summary, fmt.Errorf("pipeline: run failed: %w", runErr)
	}
	return summary, nil
}

// waitForCompletion waits for the Executor to drain naturally. If ctx is
// cancelled first, planning (which observes the same ctx) stops feeding
// new work and closes the channels, and waitForCompletion gives the
// already-dispatched work up to ShutdownDeadline to finish before giving
// up and returning ctx's error.
func (p *Pipeline) waitForCompletion(ctx context.Context, execDone <-chan error) error {
	select {
	case err := <-execDone:
		return err
	case <-ctx.Done():
		select {
		case err := <-execDone:
			return err
		case <-time.After(p.config.ShutdownDeadline):
			return ctx.Err()
		}
	}
}

// plan discovers the segment/batch counts for every requested resource
// type and feeds them into the given channels, closing both when done or
// when ctx is cancelled.
func (p *Pipeline) plan(ctx context.Context, segments chan<- fhirclient.SearchSegment, batches chan<- idpartition.IdBatch) error {
	defer close(segments)
	defer close(batches)

	resourceTypes := p.config.ResourceTypes
	if p.config.Partitioner != nil {
		expanded, err := expandLinkedResourceTypes(p.config.Partitioner.Mapping(), resourceTypes)
		if err != nil {
			return fmt.Errorf("pipeline: expanding linked resource types: %w", err)
		}
		resourceTypes = expanded
	}

	for _, resourceType := range resourceTypes {
		var err error
		if p.config.Partitioner != nil {
			err = p.planJDBC(ctx, resourceType, batches)
		} else {
			err = p.planSearch(ctx, resourceType, segments)
		}
		if err != nil {
			return fmt.Errorf("pipeline: planning %s: %w", resourceType, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// expandLinkedResourceTypes adds every resource type transitively linked to
// each requested type (spec.md:86: an Encounter entry MUST implicitly pull
// in its linked Visit table), deduplicating while keeping the requested
// types' relative order first.
func expandLinkedResourceTypes(mapping idpartition.Mapping, resourceTypes []string) ([]string, error) {
	seen := make(map[string]bool, len(resourceTypes))
	var expanded []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			expanded = append(expanded, t)
		}
	}

	for _, resourceType := range resourceTypes {
		add(resourceType)
		linked, err := mapping.LinkedResourceTypes(resourceType)
		if err != nil {
			return nil, err
		}
		for _, l := range linked {
			add(l)
		}
	}
	return expanded, nil
}

// planSearch probes resourceType's total count, learns its _getpages
// continuation token, and emits one SearchSegment per pageSize-wide
// window, per spec.md §4.6 step 1's search-mode branch.
func (p *Pipeline) planSearch(ctx context.Context, resourceType string, segments chan<- fhirclient.SearchSegment) error {
	countBundle, err := p.config.Source.SearchForResource(ctx, resourceType, 1, true)
	if err != nil {
		return err
	}
	total := countBundle.Total
	if total == nil || *total == 0 {
		logPlanSkip(ctx, resourceType)
		return nil
	}

	probeBundle, err := p.config.Source.SearchForResource(ctx, resourceType, 1, false)
	if err != nil {
		return err
	}
	pageID, err := fhirclient.FindBaseSearchURL(probeBundle)
	if err != nil {
		return fmt.Errorf("%s: %w", resourceType, err)
	}

	pageSize := p.config.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	for offset := 0; offset < *total; offset += pageSize {
		seg := fhirclient.SearchSegment{PageID: pageID, Offset: offset, Count: pageSize}
		select {
		case segments <- seg:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// planJDBC uses idpartition.Partitioner to split resourceType's table into
// ID ranges and then into fetch-sized IdBatches, per spec.md §4.6 step 1's
// JDBC-mode branch.
func (p *Pipeline) planJDBC(ctx context.Context, resourceType string, batches chan<- idpartition.IdBatch) error {
	batchSize := p.config.PageSize
	if batchSize <= 0 {
		batchSize = 100
	}
	fetchSize := p.config.FetchSize
	if fetchSize <= 0 {
		fetchSize = 100
	}

	ranges, err := p.config.Partitioner.RangesFor(ctx, resourceType, batchSize)
	if err != nil {
		return err
	}

	for _, r := range ranges {
		batchList, err := p.config.Partitioner.BatchesFor(ctx, resourceType, r, fetchSize)
		if err != nil {
			return err
		}
		for _, b := range batchList {
			select {
			case batches <- b:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

// writeTypesFile writes the warehouse's closing side file listing every
// resource type with at least one record written, per spec.md §4.6 step 4.
func writeTypesFile(sink *parquetsink.Sink, writtenTypes []string) error {
	root := sink.Root()
	if root == "" {
		return nil
	}
	sorted := append([]string(nil), writtenTypes...)
	sort.Strings(sorted)

	path := filepath.Join(root, "_types.txt")
	content := strings.Join(sorted, "\n")
	if len(sorted) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("pipeline: failed to write _types.txt: %w", err)
	}
	return nil
}

// logPlanSkip logs a type with zero discovered resources, so an operator
// can distinguish "nothing to do" from a silently dropped type.
func logPlanSkip(ctx context.Context, resourceType string) {
	slog.DebugContext(ctx, "no resources discovered for type", logging.ResourceType(resourceType), logging.Count(0))
}
