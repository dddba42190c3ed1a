// Package tracing wraps outbound HTTP calls with OpenTelemetry spans. Unlike
// the teacher's always-on tracing component (which exports spans
// continuously from a long-running server via OTLP), a batch CLI run has no
// server to export from continuously, so this package only records spans
// against whatever global TracerProvider the process has configured
// (a no-op provider if none was set up, which keeps the instrumentation free
// in the common case) and leaves wiring an exporter to the caller.
package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/openmrs-community/fhir-warehouse-etl"

var tracer = otel.Tracer(instrumentationName)

// roundTripper wraps a base http.RoundTripper, recording one span per
// request.
type roundTripper struct {
	base http.RoundTripper
}

// WrapTransport wraps base (http.DefaultTransport if nil) with span
// recording for every outbound request.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base}
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := tracer.Start(req.Context(), "http."+req.Method,
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

// NewHTTPClient returns an *http.Client whose transport records spans but
// performs no authentication. Use httpauth.NewHTTPClientWithTransport to
// combine tracing with auth, matching the teacher's composition pattern.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: WrapTransport(nil)}
}
