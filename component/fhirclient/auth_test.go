package fhirclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmrs-community/fhir-warehouse-etl/lib/httpauth"
)

// TestNewHTTPClient_basicAuthSendsCredentials guards cmd/fhiretl's
// sourceClientConfig/sinkClientConfig wiring of --sourceUser/--sinkUser:
// a Config with BasicAuth set must actually reach the FHIR server with an
// Authorization header, not just construct without error.
func TestNewHTTPClient_basicAuthSendsCredentials(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":0}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	src, err := NewSource(Config{
		BaseURL:   server.URL,
		BasicAuth: httpauth.BasicAuthConfig{Username: "warehouse", Password: "s3cret"},
	})
	require.NoError(t, err)

	_, err = src.SearchForResource(t.Context(), "Patient", 1, true)
	require.NoError(t, err)

	require.True(t, gotOK, "request reached the server with no Basic auth header")
	assert.Equal(t, "warehouse", gotUser)
	assert.Equal(t, "s3cret", gotPass)
}

// TestNewHTTPClient_oauth2FetchesTokenAndSendsBearer guards the OAuth2
// client-credentials branch of cmd/fhiretl's client wiring end to end: a
// fake token endpoint issues a token, and the FHIR request the Source makes
// must carry it as a Bearer token.
func TestNewHTTPClient_oauth2FetchesTokenAndSendsBearer(t *testing.T) {
	tokenMux := http.NewServeMux()
	tokenMux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		assert.Equal(t, "warehouse-etl", r.FormValue("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-abc123","token_type":"Bearer","expires_in":3600}`))
	})
	tokenServer := httptest.NewServer(tokenMux)
	defer tokenServer.Close()

	var gotAuthHeader string
	fhirMux := http.NewServeMux()
	fhirMux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		gotAuthHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":0}`))
	})
	fhirServer := httptest.NewServer(fhirMux)
	defer fhirServer.Close()

	src, err := NewSource(Config{
		BaseURL: fhirServer.URL,
		OAuth2: httpauth.OAuth2Config{
			TokenURL:     tokenServer.URL + "/token",
			ClientID:     "warehouse-etl",
			ClientSecret: "shh",
		},
	})
	require.NoError(t, err)

	_, err = src.SearchForResource(t.Context(), "Patient", 1, true)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-abc123", gotAuthHeader)
}

// TestNewHTTPClient_maxIdleConnsPerHostStillServesRequests guards
// cmd/fhiretl/config.go wiring MaxIdleConnsPerHost from --workerCount:
// the resulting client must still complete requests normally once the
// transport is cloned with a non-default idle-conns ceiling.
func TestNewHTTPClient_maxIdleConnsPerHostStillServesRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":0}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	src, err := NewSource(Config{BaseURL: server.URL, MaxIdleConnsPerHost: 8})
	require.NoError(t, err)

	_, err = src.SearchForResource(t.Context(), "Patient", 1, true)
	require.NoError(t, err)
}
