// Package logging provides small slog.Attr builders so call sites log
// structured, consistently-keyed fields instead of ad-hoc strings.
package logging

import "log/slog"

// Error builds a standard "error" attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// ResourceType builds a standard "resource_type" attribute.
func ResourceType(t string) slog.Attr {
	return slog.String("resource_type", t)
}

// FHIRServer builds a standard "fhir_server" attribute for the base URL of a
// source or sink FHIR server.
func FHIRServer(baseURL string) slog.Attr {
	return slog.String("fhir_server", baseURL)
}

// Segment builds a standard attribute describing a search segment.
func Segment(pageID string, offset, count int) slog.Attr {
	return slog.Group("segment",
		slog.String("page_id", pageID),
		slog.Int("offset", offset),
		slog.Int("count", count),
	)
}

// Worker builds a standard "worker" attribute identifying a pipeline worker.
func Worker(id int) slog.Attr {
	return slog.Int("worker", id)
}

// Count builds a standard "count" attribute.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}
