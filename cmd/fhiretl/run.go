package fhiretl

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/openmrs-community/fhir-warehouse-etl/component/fhirclient"
	"github.com/openmrs-community/fhir-warehouse-etl/component/idpartition"
	"github.com/openmrs-community/fhir-warehouse-etl/component/parquetsink"
	"github.com/openmrs-community/fhir-warehouse-etl/component/pipeline"
	"github.com/openmrs-community/fhir-warehouse-etl/component/schemaregistry"
)

// Run assembles and executes one extraction pass from a resolved Config,
// mirroring cmd.Start(ctx, config)'s role as the testable body behind
// main.go's thin os.Exit wrapper.
func Run(ctx context.Context, config Config) (pipeline.Summary, error) {
	registry, err := schemaregistry.New(config.schemaRegistryConfig())
	if err != nil {
		return pipeline.Summary{}, errors.Wrap(err, "failed to build schema registry")
	}

	sink := parquetsink.New(config.parquetSinkConfig(), registry)

	pcfg := pipeline.Config{
		ResourceTypes:    config.ResourceTypes(),
		PageSize:         config.BatchSize,
		FetchSize:        config.FetchSize,
		WorkerCount:      config.WorkerCount,
		ParquetSink:      sink,
		ShutdownDeadline: config.ShutdownDeadline,
	}

	if config.SinkFhirPath != "" {
		mirror, err := fhirclient.NewSink(config.sinkClientConfig())
		if err != nil {
			return pipeline.Summary{}, errors.Wrap(err, "failed to build mirror sink client")
		}
		pcfg.MirrorSink = mirror
	}

	if config.JdbcMode {
		mapping, err := idpartition.LoadMapping(config.TableFhirMapPath)
		if err != nil {
			return pipeline.Summary{}, errors.Wrap(err, "failed to load table-to-resource-type mapping")
		}
		partitioner, err := idpartition.Open(config.jdbcConfig(), mapping, config.WorkerCount)
		if err != nil {
			return pipeline.Summary{}, errors.Wrap(err, "failed to open JDBC partitioner")
		}
		defer partitioner.Close()
		pcfg.Partitioner = partitioner
	} else {
		source, err := fhirclient.NewSource(config.sourceClientConfig())
		if err != nil {
			return pipeline.Summary{}, errors.Wrap(err, "failed to build source client")
		}
		pcfg.Source = source
	}

	summary, err := pipeline.New(pcfg).Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("fhiretl: run failed: %w", err)
	}
	return summary, nil
}
