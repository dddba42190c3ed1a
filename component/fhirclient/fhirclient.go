// Package fhirclient wraps github.com/SanteonNL/go-fhir-client with the
// paging, retry, and update-semantics helpers the FHIR extraction pipeline
// needs on both the source (read) and sink (write) side of a run.
package fhirclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	sfc "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/openmrs-community/fhir-warehouse-etl/lib/httpauth"
	"github.com/openmrs-community/fhir-warehouse-etl/lib/tracing"
)

// Errors returned while parsing a Bundle's pagination link, grounded on the
// teacher's queryFHIR/Paginate usage in component/mcsd.
var (
	ErrNoNextLink           = errors.New("fhirclient: bundle has no next link")
	ErrMalformedLink        = errors.New("fhirclient: malformed next link")
	ErrMissingGetpagesParam = errors.New("fhirclient: next link missing _getpages")
)

// TransientRemoteError wraps a remote FHIR server error that is worth
// retrying: 5xx responses and connection failures.
type TransientRemoteError struct {
	StatusCode int
	Err        error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("fhirclient: transient remote error (status=%d): %v", e.StatusCode, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// PermanentRemoteError wraps a remote FHIR server error not worth retrying:
// 4xx responses, since the request itself is malformed or unauthorized.
type PermanentRemoteError struct {
	StatusCode int
	Err        error
}

func (e *PermanentRemoteError) Error() string {
	return fmt.Sprintf("fhirclient: permanent remote error (status=%d): %v", e.StatusCode, e.Err)
}

func (e *PermanentRemoteError) Unwrap() error { return e.Err }

// SearchSegment describes one paged FHIR query: a base search URL, an
// opaque continuation token produced by the server's _getpages cursor, the
// offset of the first row in that page, and the page size. Two segments
// with identical fields describe the identical page.
type SearchSegment struct {
	BaseURL string
	PageID  string
	Offset  int
	Count   int
}

// RetryConfig controls Source's retry/backoff behavior for transient
// remote errors.
type RetryConfig struct {
	MaxAttempts int           `koanf:"maxattempts"`
	BaseDelay   time.Duration `koanf:"basedelay"`
	Multiplier  float64       `koanf:"multiplier"`
}

// DefaultRetryConfig returns the retry defaults: 5 attempts, 500ms base
// delay, doubling backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, Multiplier: 2}
}

// Config configures how a Source or Sink authenticates against a FHIR
// server. Exactly one of OAuth2 or BasicAuth should be configured; an
// unconfigured auth section falls back to an unauthenticated client.
type Config struct {
	BaseURL             string                   `koanf:"baseurl"`
	OAuth2              httpauth.OAuth2Config    `koanf:"oauth2"`
	BasicAuth           httpauth.BasicAuthConfig `koanf:"basicauth"`
	Retry               RetryConfig              `koanf:"retry"`
	MaxIdleConnsPerHost int                      `koanf:"maxidleconnsperhost"`
}

// newHTTPClient builds the shared http.Client for a Config, combining
// tracing span recording with whichever auth scheme is configured, the way
// component/mcsd.New does.
func newHTTPClient(config Config) (*http.Client, error) {
	var base *http.Transport
	if config.MaxIdleConnsPerHost > 0 {
		base = http.DefaultTransport.(*http.Transport).Clone()
		base.MaxIdleConnsPerHost = config.MaxIdleConnsPerHost
	}

	var transport http.RoundTripper
	if base != nil {
		transport = tracing.WrapTransport(base)
	} else {
		transport = tracing.WrapTransport(nil)
	}

	switch {
	case config.OAuth2.IsConfigured():
		return httpauth.NewOAuth2HTTPClient(config.OAuth2, transport)
	case config.BasicAuth.IsConfigured():
		return httpauth.NewBasicAuthHTTPClient(config.BasicAuth, transport), nil
	default:
		return &http.Client{Transport: transport}, nil
	}
}

func newClient(config Config) (sfc.Client, *http.Client, error) {
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("fhirclient: invalid base URL %q: %w", config.BaseURL, err)
	}
	httpClient, err := newHTTPClient(config)
	if err != nil {
		return nil, nil, fmt.Errorf("fhirclient: failed to build HTTP client: %w", err)
	}
	return sfc.New(baseURL, httpClient, &sfc.Config{UsePostSearch: false}), httpClient, nil
}

// FindBaseSearchURL extracts the _getpages continuation token from a
// bundle's relation=next link, so a caller can fan a full result set out
// into independent SearchSegment page requests.
func FindBaseSearchURL(bundle fhir.Bundle) (string, error) {
	var next string
	for _, link := range bundle.Link {
		if link.Relation == "next" {
			next = link.Url
			break
		}
	}
	if next == "" {
		return "", ErrNoNextLink
	}

	parsed, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedLink, err)
	}
	pageID := parsed.Query().Get("_getpages")
	if pageID == "" {
		return "", ErrMissingGetpagesParam
	}
	return pageID, nil
}

// statusCodePattern finds a 3-digit HTTP status code embedded in a
// go-fhir-client error's message, the same string-inspection approach the
// teacher's is410GoneError uses to detect 410 Gone without a typed error
// from the library.
var statusCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// classifyHTTPError inspects a go-fhir-client error for an embedded HTTP
// status and wraps it as Transient (5xx, or no identifiable status) or
// Permanent (4xx).
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}

	match := statusCodePattern.FindStringSubmatch(err.Error())
	if match == nil {
		return &TransientRemoteError{Err: err}
	}
	code, convErr := strconv.Atoi(match[1])
	if convErr != nil {
		return &TransientRemoteError{Err: err}
	}
	if code >= 400 && code < 500 {
		return &PermanentRemoteError{StatusCode: code, Err: err}
	}
	return &TransientRemoteError{StatusCode: code, Err: err}
}

// withRetry retries fn with capped exponential backoff while it returns a
// *TransientRemoteError, grounded on the teacher's 410-Gone fallback branch
// in updateFromDirectory (component/mcsd/component.go), which already
// distinguishes retryable from fatal FHIR errors. A *PermanentRemoteError
// is returned immediately, unretried.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = DefaultRetryConfig().BaseDelay
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultRetryConfig().Multiplier
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var permErr *PermanentRemoteError
		if errors.As(err, &permErr) {
			return err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return lastErr
}

func countParams(pageSize int) url.Values {
	return url.Values{"_count": []string{strconv.Itoa(pageSize)}}
}
