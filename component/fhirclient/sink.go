package fhirclient

import (
	"context"
	"fmt"

	sfc "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/openmrs-community/fhir-warehouse-etl/lib/fhirutil"
)

// UploadReport counts the outcome of one Sink.UploadBundle call. Per-
// resource failures do not abort the bundle: the run continues and the
// failure is counted in CountFailed and, when the resource's type and id
// could be read, listed in FailedIDs as "Type/id".
type UploadReport struct {
	CountUploaded int
	CountFailed   int
	FailedIDs     []string
}

// Sink writes resources to one downstream (mirror) FHIR server using FHIR
// update semantics (PUT resourceType/id), so re-running an upload is
// idempotent.
type Sink struct {
	client sfc.Client
	retry  RetryConfig
}

// NewSink constructs a Sink from config, sharing the same HTTP client
// construction as NewSource.
func NewSink(config Config) (*Sink, error) {
	client, _, err := newClient(config)
	if err != nil {
		return nil, err
	}
	retry := config.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Sink{client: client, retry: retry}, nil
}

// UploadBundle iterates bundle.Entry and PUTs each entry's resource to the
// mirror server by (resourceType, id), counting successes and failures
// into an UploadReport rather than aborting on the first failure, per the
// "sink FHIR 4xx/5xx: per-resource; counted as failed uploads; run
// continues" error-handling rule.
func (s *Sink) UploadBundle(ctx context.Context, bundle fhir.Bundle) (UploadReport, error) {
	var report UploadReport

	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		info, err := fhirutil.ExtractResourceInfo(entry.Resource)
		if err != nil {
			report.CountFailed++
			continue
		}

		path := info.ResourceType + "/" + info.ID
		var result any
		uploadErr := withRetry(ctx, s.retry, func() error {
			err := s.client.UpdateWithContext(ctx, path, entry.Resource, &result)
			return classifyHTTPError(err)
		})
		if uploadErr != nil {
			report.CountFailed++
			report.FailedIDs = append(report.FailedIDs, path)
			continue
		}
		report.CountUploaded++
	}

	if report.CountUploaded == 0 && report.CountFailed == 0 {
		return report, nil
	}
	if report.CountFailed == len(bundle.Entry) && report.CountFailed > 0 {
		return report, fmt.Errorf("fhirclient: all %d uploads in bundle failed", report.CountFailed)
	}
	return report, nil
}
