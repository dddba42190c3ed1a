// Package merger implements the two-way warehouse merge: for every
// resource type present in both input warehouse roots, group records by
// id, keep the one with the greatest meta.lastUpdated (second input wins
// ties), drop tombstones, and write survivors to the output root. Types
// present in only one input are copied verbatim.
package merger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/openmrs-community/fhir-warehouse-etl/component/viewdef"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/coding"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/logging"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/to"
)

// MergeError is fatal to the whole run: a record is missing the id or
// meta.lastUpdated fields the merge algorithm requires, per spec.md §4.8.
type MergeError struct {
	ResourceType string
	Path         string
	Reason       string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merger: %s (%s): %s", e.ResourceType, e.Path, e.Reason)
}

// Config configures row-group sizing for the merged output and, optionally,
// view materialization.
type Config struct {
	RowGroupSizeBytes int64

	// MergeViews, when true, additionally materializes every view
	// definition found under ViewDefinitionsDir, repeating the
	// group-by-id/last-write-wins/tombstone pass against each view's
	// projected columns instead of the raw resource schema.
	MergeViews         bool
	ViewDefinitionsDir string
}

// DefaultConfig returns the merger defaults: a 128 MiB row-group target.
func DefaultConfig() Config {
	return Config{RowGroupSizeBytes: 128 << 20}
}

// Report summarizes one Merge call.
type Report struct {
	NumDuplicates    int
	NumOutputRecords int
	PerTypeCounts    map[string]int
}

// Merger runs the two-way warehouse merge.
type Merger struct {
	config Config
}

// New constructs a Merger.
func New(config Config) *Merger {
	if config.RowGroupSizeBytes <= 0 {
		config.RowGroupSizeBytes = DefaultConfig().RowGroupSizeBytes
	}
	return &Merger{config: config}
}

// Merge reads warehouse roots a and b, merges every resource type common
// to both, copies every type present in only one, and writes everything
// to out.
func (m *Merger) Merge(a, b, out string) (Report, error) {
	report := Report{PerTypeCounts: map[string]int{}}

	aTypes, err := listResourceTypes(a)
	if err != nil {
		return report, err
	}
	bTypes, err := listResourceTypes(b)
	if err != nil {
		return report, err
	}

	common, aOnly, bOnly := partitionTypes(aTypes, bTypes)

	for _, resourceType := range common {
		n, dups, err := m.mergeType(resourceType, filepath.Join(a, resourceType), filepath.Join(b, resourceType), filepath.Join(out, resourceType))
		if err != nil {
			return report, fmt.Errorf("merger: merging %s: %w", resourceType, err)
		}
		report.NumOutputRecords += n
		report.NumDuplicates += dups
		report.PerTypeCounts[resourceType] = n
	}

	for _, resourceType := range aOnly {
		n, err := copyType(filepath.Join(a, resourceType), filepath.Join(out, resourceType))
		if err != nil {
			return report, fmt.Errorf("merger: copying %s from first input: %w", resourceType, err)
		}
		report.NumOutputRecords += n
		report.PerTypeCounts[resourceType] = n
	}
	for _, resourceType := range bOnly {
		n, err := copyType(filepath.Join(b, resourceType), filepath.Join(out, resourceType))
		if err != nil {
			return report, fmt.Errorf("merger: copying %s from second input: %w", resourceType, err)
		}
		report.NumOutputRecords += n
		report.PerTypeCounts[resourceType] = n
	}

	if m.config.MergeViews && m.config.ViewDefinitionsDir != "" {
		if err := m.mergeViews(a, b, out, &report); err != nil {
			return report, err
		}
	}

	return report, nil
}

// mergeType implements spec.md §4.7 steps 1-5 for one resource type,
// returning the number of records written and the number of duplicate
// groups observed.
func (m *Merger) mergeType(resourceType, aDir, bDir, outDir string) (int, int, error) {
	groups := map[string][]record{}

	if err := readRecordsInto(resourceType, aDir, "a", groups); err != nil {
		return 0, 0, err
	}
	if err := readRecordsInto(resourceType, bDir, "b", groups); err != nil {
		return 0, 0, err
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var schema *parquet.Schema
	var survivors []map[string]any
	numDuplicates := 0

	for _, id := range ids {
		recs := groups[id]
		if len(recs) > 1 {
			numDuplicates++
		}
		if len(recs) > 2 {
			slog.Warn("merge group larger than expected for a two-snapshot merge",
				logging.ResourceType(resourceType), slog.String("id", id), slog.Int("count", len(recs)))
		}
		winner := pickWinner(recs)
		if schema == nil {
			schema = winner.schema
		}
		if isTombstone(winner.row) {
			continue
		}
		survivors = append(survivors, winner.row)
	}

	if schema == nil || len(survivors) == 0 {
		return 0, numDuplicates, nil
	}

	if err := writeRows(outDir, schema, survivors, m.config.RowGroupSizeBytes); err != nil {
		return 0, numDuplicates, err
	}
	return len(survivors), numDuplicates, nil
}

// record is one candidate row for a group, tagged with which input it
// came from (for the "second input wins" tie-break) and the schema it was
// read against (needed to write the winner back out).
type record struct {
	row         map[string]any
	lastUpdated string
	fromSecond  bool
	schema      *parquet.Schema
}

// pickWinner selects the record with the greatest lastUpdated, the second
// input ("b") winning ties, per spec.md §4.7 step 2 and the Open Question
// resolution in §9.
func pickWinner(recs []record) record {
	winner := recs[0]
	for _, r := range recs[1:] {
		if r.lastUpdated > winner.lastUpdated {
			winner = r
		} else if r.lastUpdated == winner.lastUpdated && r.fromSecond {
			winner = r
		}
	}
	return winner
}

// isTombstone reports whether row's meta.tag carries the REMOVE action
// tag, per spec.md's tombstone definition. Rows come back from
// readParquetRows as untyped maps, so the tag list is adapted into
// []fhir.Coding before deferring to coding.IsTombstone, the single place
// that definition lives.
func isTombstone(row map[string]any) bool {
	meta, ok := row["meta"].(map[string]any)
	if !ok {
		return false
	}
	tags, ok := meta["tag"].([]any)
	if !ok {
		return false
	}
	return coding.IsTombstone(rowTagsToCodings(tags))
}

func rowTagsToCodings(tags []any) []fhir.Coding {
	codings := make([]fhir.Coding, 0, len(tags))
	for _, t := range tags {
		tag, ok := t.(map[string]any)
		if !ok {
			continue
		}
		var c fhir.Coding
		if system, ok := tag["system"].(string); ok {
			c.System = to.Ptr(system)
		}
		if code, ok := tag["code"].(string); ok {
			c.Code = to.Ptr(code)
		}
		codings = append(codings, c)
	}
	return codings
}

// readRecordsInto reads every part-*.parquet file in dir and appends one
// record per row into groups, keyed by id.
func readRecordsInto(resourceType, dir, side string, groups map[string][]record) error {
	parts, err := partFiles(dir)
	if err != nil {
		return err
	}

	for _, path := range parts {
		schema, rows, err := readParquetRows(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		for _, row := range rows {
			id, ok := row["id"].(string)
			if !ok || id == "" {
				return &MergeError{ResourceType: resourceType, Path: path, Reason: "missing id"}
			}
			lastUpdated, err := extractLastUpdated(row)
			if err != nil {
				return &MergeError{ResourceType: resourceType, Path: path, Reason: err.Error()}
			}
			groups[id] = append(groups[id], record{
				row:         row,
				lastUpdated: lastUpdated,
				fromSecond:  side == "b",
				schema:      schema,
			})
		}
	}
	return nil
}

func extractLastUpdated(row map[string]any) (string, error) {
	meta, ok := row["meta"].(map[string]any)
	if !ok {
		return "", errors.New("missing meta.lastUpdated")
	}
	lu, ok := meta["lastUpdated"].(string)
	if !ok || lu == "" {
		return "", errors.New("missing meta.lastUpdated")
	}
	return lu, nil
}

// copyType copies every part file in srcDir to dstDir verbatim, used for
// resource types present in only one input (spec.md Property 6).
func copyType(srcDir, dstDir string) (int, error) {
	parts, err := partFiles(srcDir)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return 0, err
	}

	total := 0
	for _, path := range parts {
		n, err := countRows(path)
		if err != nil {
			return 0, err
		}
		total += n

		dst := filepath.Join(dstDir, filepath.Base(path))
		if err := copyFile(path, dst); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// listResourceTypes lists the immediate subdirectories of root, each one a
// resource type's warehouse directory.
func listResourceTypes(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("merger: failed to list %s: %w", root, err)
	}
	var types []string
	for _, e := range entries {
		if e.IsDir() {
			types = append(types, e.Name())
		}
	}
	return types, nil
}

// partitionTypes splits a and b into types present in both, only in a, and
// only in b.
func partitionTypes(a, b []string) (common, aOnly, bOnly []string) {
	aSet := make(map[string]bool, len(a))
	for _, t := range a {
		aSet[t] = true
	}
	bSet := make(map[string]bool, len(b))
	for _, t := range b {
		bSet[t] = true
	}
	for _, t := range a {
		if bSet[t] {
			common = append(common, t)
		} else {
			aOnly = append(aOnly, t)
		}
	}
	for _, t := range b {
		if !aSet[t] {
			bOnly = append(bOnly, t)
		}
	}
	sort.Strings(common)
	sort.Strings(aOnly)
	sort.Strings(bOnly)
	return common, aOnly, bOnly
}

// partFiles lists part-*.parquet files under dir in name order.
func partFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("merger: failed to list %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".parquet" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// mergeViews repeats the group-by-id/last-write-wins pass once per view
// definition found under ViewDefinitionsDir, per spec.md §4.7 step 7 /
// SPEC_FULL.md §4.8.
func (m *Merger) mergeViews(a, b, out string, report *Report) error {
	defPaths, err := filepath.Glob(filepath.Join(m.config.ViewDefinitionsDir, "*.json"))
	if err != nil {
		return fmt.Errorf("merger: failed to list view definitions: %w", err)
	}

	for _, defPath := range defPaths {
		def, err := viewdef.Load(defPath)
		if err != nil {
			return fmt.Errorf("merger: loading view %s: %w", defPath, err)
		}

		viewName := def.ResourceType + "View"
		n, err := m.mergeView(def, filepath.Join(a, def.ResourceType), filepath.Join(b, def.ResourceType), filepath.Join(out, "views", viewName))
		if err != nil {
			return fmt.Errorf("merger: materializing view %s: %w", viewName, err)
		}
		report.PerTypeCounts[viewName] = n
		report.NumOutputRecords += n
	}
	return nil
}

func (m *Merger) mergeView(def viewdef.Definition, aDir, bDir, outDir string) (int, error) {
	avroSchema, err := def.Schema()
	if err != nil {
		return 0, err
	}
	viewName := def.ResourceType + "View"
	pschema, err := toParquetSchema(viewName, avroSchema)
	if err != nil {
		return 0, err
	}

	groups := map[string][]record{}
	for _, side := range []struct {
		dir string
		tag string
	}{{aDir, "a"}, {bDir, "b"}} {
		parts, err := partFiles(side.dir)
		if err != nil {
			return 0, err
		}
		for _, path := range parts {
			_, rows, err := readParquetRows(path)
			if err != nil {
				return 0, err
			}
			for _, row := range rows {
				id, _ := row["id"].(string)
				if id == "" {
					continue
				}
				lastUpdated, err := extractLastUpdated(row)
				if err != nil {
					continue
				}
				projected, ok := def.Project(row)
				if !ok {
					continue
				}
				groups[id] = append(groups[id], record{row: projected, lastUpdated: lastUpdated, fromSecond: side.tag == "b", schema: pschema})
			}
		}
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var survivors []map[string]any
	for _, id := range ids {
		winner := pickWinner(groups[id])
		if isTombstone(winner.row) {
			continue
		}
		projected, ok := def.Project(winner.row)
		if !ok {
			continue
		}
		survivors = append(survivors, projected)
	}
	if len(survivors) == 0 {
		return 0, nil
	}
	if err := writeRows(outDir, pschema, survivors, m.config.RowGroupSizeBytes); err != nil {
		return 0, err
	}
	return len(survivors), nil
}
