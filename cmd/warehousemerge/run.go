package warehousemerge

import (
	"context"
	"fmt"

	"github.com/openmrs-community/fhir-warehouse-etl/component/merger"
)

// Run executes one merge pass from a resolved Config. ctx is accepted for
// symmetry with cmd/fhiretl.Run and for a future cancellable merge, though
// component/merger's current Merge call is not itself context-aware.
func Run(_ context.Context, config Config) (merger.Report, error) {
	report, err := merger.New(config.mergerConfig()).Merge(config.Dwh1, config.Dwh2, config.MergedDwh)
	if err != nil {
		return report, fmt.Errorf("warehousemerge: run failed: %w", err)
	}
	return report, nil
}
