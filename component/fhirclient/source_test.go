package fhirclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_searchForResource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("_count"))
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":2,"entry":[{"resource":{"resourceType":"Patient","id":"p1"}}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	src, err := NewSource(Config{BaseURL: server.URL})
	require.NoError(t, err)

	bundle, err := src.SearchForResource(t.Context(), "Patient", 5, false)
	require.NoError(t, err)
	require.Len(t, bundle.Entry, 1)
}

func TestSource_searchForResource_countOnly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Observation", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "count", r.URL.Query().Get("_summary"))
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":42}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	src, err := NewSource(Config{BaseURL: server.URL})
	require.NoError(t, err)

	bundle, err := src.SearchForResource(t.Context(), "Observation", 1, true)
	require.NoError(t, err)
	assert.Empty(t, bundle.Entry, "a count-only search returns no entries")
}

func TestSource_searchByPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("_getpages"))
		assert.Equal(t, "100", r.URL.Query().Get("_getpagesoffset"))
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[{"resource":{"resourceType":"Patient","id":"p2"}}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	src, err := NewSource(Config{BaseURL: server.URL})
	require.NoError(t, err)

	bundle, err := src.SearchByPage(t.Context(), "tok-1", 50, 100)
	require.NoError(t, err)
	require.Len(t, bundle.Entry, 1)
}

func TestSource_batchGetByIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p1,p2,p3", r.URL.Query().Get("_id"))
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[
			{"resource":{"resourceType":"Patient","id":"p1"}},
			{"resource":{"resourceType":"Patient","id":"p2"}},
			{"resource":{"resourceType":"Patient","id":"p3"}}
		]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	src, err := NewSource(Config{BaseURL: server.URL})
	require.NoError(t, err)

	bundle, err := src.BatchGetByIDs(t.Context(), "Patient", []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Len(t, bundle.Entry, 3)
}

func TestSource_batchGetByIDs_empty(t *testing.T) {
	src, err := NewSource(Config{BaseURL: "http://example.org/fhir"})
	require.NoError(t, err)

	bundle, err := src.BatchGetByIDs(t.Context(), "Patient", nil)
	require.NoError(t, err)
	assert.Empty(t, bundle.Entry)
}
