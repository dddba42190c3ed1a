package httpauth

import (
	"net/http"
)

// BasicAuthConfig holds HTTP Basic credentials for a FHIR server, the
// simpler of the two auth schemes spec.md §4.3 requires (the other being
// bearer/OAuth2, handled by AuthTransport in transport.go).
type BasicAuthConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// IsConfigured reports whether a username or a password is set.
func (c BasicAuthConfig) IsConfigured() bool {
	return c.Username != "" || c.Password != ""
}

// basicAuthTransport is an http.RoundTripper that sets HTTP Basic
// credentials on every outgoing request.
type basicAuthTransport struct {
	base     http.RoundTripper
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	reqClone.SetBasicAuth(t.username, t.password)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(reqClone)
}

// NewBasicAuthHTTPClient creates an http.Client that adds an HTTP Basic
// Authorization header to every request, wrapping the given base transport
// (use nil for http.DefaultTransport, or tracing.WrapTransport(nil) to
// combine with span recording).
func NewBasicAuthHTTPClient(config BasicAuthConfig, baseTransport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &basicAuthTransport{
			base:     baseTransport,
			username: config.Username,
			password: config.Password,
		},
	}
}
