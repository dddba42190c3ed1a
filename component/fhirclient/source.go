package fhirclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	sfc "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Source reads resources from one upstream FHIR server, retrying transient
// failures with backoff and classifying 4xx responses as permanent.
type Source struct {
	baseURL string
	client  sfc.Client
	retry   RetryConfig
}

// NewSource constructs a Source from config, building the shared,
// tracing-wrapped, optionally-authenticated HTTP client the way
// component/mcsd.New does.
func NewSource(config Config) (*Source, error) {
	client, _, err := newClient(config)
	if err != nil {
		return nil, err
	}
	retry := config.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Source{baseURL: config.BaseURL, client: client, retry: retry}, nil
}

// SearchForResource issues the first page of a type search. When
// countOnly is true it asks the server for just the total match count
// (_summary=count), used during discovery to learn how many pages a
// resource type will need without paying for the first page's body.
func (s *Source) SearchForResource(ctx context.Context, resourceType string, pageSize int, countOnly bool) (fhir.Bundle, error) {
	params := countParams(pageSize)
	if countOnly {
		params.Set("_summary", "count")
	}

	var bundle fhir.Bundle
	err := withRetry(ctx, s.retry, func() error {
		err := s.client.SearchWithContext(ctx, "", params, &bundle, sfc.AtPath(resourceType))
		return classifyHTTPError(err)
	})
	if err != nil {
		return fhir.Bundle{}, fmt.Errorf("fhirclient: search %s failed: %w", resourceType, err)
	}
	return bundle, nil
}

// SearchByPage fetches one page of a previously started search by its
// opaque _getpages continuation token and starting offset.
func (s *Source) SearchByPage(ctx context.Context, pageID string, pageSize, offset int) (fhir.Bundle, error) {
	params := url.Values{
		"_getpages":       []string{pageID},
		"_getpagesoffset": []string{strconv.Itoa(offset)},
		"_count":          []string{strconv.Itoa(pageSize)},
	}

	var bundle fhir.Bundle
	err := withRetry(ctx, s.retry, func() error {
		err := s.client.SearchWithContext(ctx, "", params, &bundle, sfc.AtPath(""))
		return classifyHTTPError(err)
	})
	if err != nil {
		return fhir.Bundle{}, fmt.Errorf("fhirclient: fetch page %s offset %d failed: %w", pageID, offset, err)
	}
	return bundle, nil
}

// BatchGetByIDs fetches a set of resources of a single type in one
// request, used by the JDBC partitioning path (component/idpartition) to
// pull a batch of rows by primary-key UUID.
func (s *Source) BatchGetByIDs(ctx context.Context, resourceType string, ids []string) (fhir.Bundle, error) {
	if len(ids) == 0 {
		return fhir.Bundle{}, nil
	}
	joined := ids[0]
	for _, id := range ids[1:] {
		joined += "," + id
	}
	params := url.Values{"_id": []string{joined}}

	var bundle fhir.Bundle
	err := withRetry(ctx, s.retry, func() error {
		err := s.client.SearchWithContext(ctx, "", params, &bundle, sfc.AtPath(resourceType))
		return classifyHTTPError(err)
	})
	if err != nil {
		return fhir.Bundle{}, fmt.Errorf("fhirclient: batch get %s failed: %w", resourceType, err)
	}
	return bundle, nil
}
