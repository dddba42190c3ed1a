package httpauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuth2Config_isConfigured(t *testing.T) {
	assert.False(t, OAuth2Config{}.IsConfigured())
	assert.False(t, (OAuth2Config{TokenURL: "http://example.org/token"}).IsConfigured())
	assert.True(t, (OAuth2Config{
		TokenURL:     "http://example.org/token",
		ClientID:     "warehouse-etl",
		ClientSecret: "shh",
	}).IsConfigured())
}

func TestNewOAuth2TokenProvider_rejectsIncompleteConfig(t *testing.T) {
	_, err := NewOAuth2TokenProvider(OAuth2Config{TokenURL: "http://example.org/token"}, 0)
	require.Error(t, err)
}

// TestNewOAuth2HTTPClient_fetchesTokenAndAttachesBearerHeader exercises the
// client-credentials flow component/fhirclient.newHTTPClient uses when its
// Config carries an OAuth2 section: a token is fetched from the token
// endpoint and attached as a Bearer header downstream.
func TestNewOAuth2HTTPClient_fetchesTokenAndAttachesBearerHeader(t *testing.T) {
	tokenMux := http.NewServeMux()
	tokenMux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	tokenServer := httptest.NewServer(tokenMux)
	defer tokenServer.Close()

	var gotAuth string
	fhirMux := http.NewServeMux()
	fhirMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})
	fhirServer := httptest.NewServer(fhirMux)
	defer fhirServer.Close()

	client, err := NewOAuth2HTTPClient(OAuth2Config{
		TokenURL:     tokenServer.URL + "/token",
		ClientID:     "warehouse-etl",
		ClientSecret: "shh",
	}, nil)
	require.NoError(t, err)

	resp, err := client.Get(fhirServer.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestNewOAuth2HTTPClient_tokenEndpointErrorSurfacesOnFirstRequest(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer tokenServer.Close()

	client, err := NewOAuth2HTTPClient(OAuth2Config{
		TokenURL:     tokenServer.URL,
		ClientID:     "warehouse-etl",
		ClientSecret: "wrong",
	}, nil)
	require.NoError(t, err)

	_, err = client.Get("http://example.invalid")
	require.Error(t, err)
}

func TestOAuth2TokenProvider_defaultsExpiryWhenMissingExpiresIn(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-2","token_type":"Bearer"}`))
	}))
	defer tokenServer.Close()

	provider, err := NewOAuth2TokenProvider(OAuth2Config{
		TokenURL:     tokenServer.URL,
		ClientID:     "warehouse-etl",
		ClientSecret: "shh",
	}, 30*time.Second)
	require.NoError(t, err)

	token, err := provider.GetToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}
