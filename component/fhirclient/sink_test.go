package fhirclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestSink_uploadBundle_allSucceed(t *testing.T) {
	var mu sync.Mutex
	var putPaths []string

	mux := http.NewServeMux()
	mux.HandleFunc("/Patient/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		putPaths = append(putPaths, r.URL.Path)
		mu.Unlock()
		assert.Equal(t, http.MethodPut, r.Method)
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"p1"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	sink, err := NewSink(Config{BaseURL: server.URL})
	require.NoError(t, err)

	bundle := fhir.Bundle{Entry: []fhir.BundleEntry{
		{Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1"}`)},
	}}

	report, err := sink.UploadBundle(t.Context(), bundle)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CountUploaded)
	assert.Equal(t, 0, report.CountFailed)
	assert.Equal(t, []string{"/Patient/p1"}, putPaths)
}

func TestSink_uploadBundle_partialFailureContinues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"ok"}`))
	})
	mux.HandleFunc("/Patient/bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	sink, err := NewSink(Config{BaseURL: server.URL, Retry: RetryConfig{MaxAttempts: 1, BaseDelay: 1, Multiplier: 2}})
	require.NoError(t, err)

	bundle := fhir.Bundle{Entry: []fhir.BundleEntry{
		{Resource: json.RawMessage(`{"resourceType":"Patient","id":"bad"}`)},
		{Resource: json.RawMessage(`{"resourceType":"Patient","id":"ok"}`)},
	}}

	report, err := sink.UploadBundle(t.Context(), bundle)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CountUploaded)
	assert.Equal(t, 1, report.CountFailed)
	assert.Equal(t, []string{"Patient/bad"}, report.FailedIDs)
}

func TestSink_uploadBundle_emptyEntriesIsNoop(t *testing.T) {
	sink, err := NewSink(Config{BaseURL: "http://example.org/fhir"})
	require.NoError(t, err)

	report, err := sink.UploadBundle(t.Context(), fhir.Bundle{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.CountUploaded)
	assert.Equal(t, 0, report.CountFailed)
}
