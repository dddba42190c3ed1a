package fhirclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestFindBaseSearchURL(t *testing.T) {
	cases := []struct {
		name    string
		bundle  fhir.Bundle
		wantID  string
		wantErr error
	}{
		{
			name: "valid next link",
			bundle: fhir.Bundle{Link: []fhir.BundleLink{
				{Relation: "self", Url: "http://example.org/fhir/Patient"},
				{Relation: "next", Url: "http://example.org/fhir?_getpages=abc123&_getpagesoffset=100&_count=50"},
			}},
			wantID: "abc123",
		},
		{
			name:    "no next link",
			bundle:  fhir.Bundle{Link: []fhir.BundleLink{{Relation: "self", Url: "http://example.org/fhir/Patient"}}},
			wantErr: ErrNoNextLink,
		},
		{
			name:    "malformed next link",
			bundle:  fhir.Bundle{Link: []fhir.BundleLink{{Relation: "next", Url: "://not a url"}}},
			wantErr: ErrMalformedLink,
		},
		{
			name:    "missing getpages param",
			bundle:  fhir.Bundle{Link: []fhir.BundleLink{{Relation: "next", Url: "http://example.org/fhir?_count=50"}}},
			wantErr: ErrMissingGetpagesParam,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pageID, err := FindBaseSearchURL(tc.bundle)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.wantID, pageID)
		})
	}
}

func TestClassifyHTTPError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantPerm  bool
		wantTrans bool
		wantCode  int
	}{
		{name: "404 is permanent", err: errors.New("request failed with status 404: not found"), wantPerm: true, wantCode: 404},
		{name: "500 is transient", err: errors.New("request failed with status 500: internal error"), wantTrans: true, wantCode: 500},
		{name: "no status is transient", err: errors.New("connection reset by peer"), wantTrans: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifyHTTPError(tc.err)
			var perm *PermanentRemoteError
			var trans *TransientRemoteError
			if tc.wantPerm {
				assert.ErrorAs(t, classified, &perm)
				assert.Equal(t, tc.wantCode, perm.StatusCode)
			}
			if tc.wantTrans {
				assert.ErrorAs(t, classified, &trans)
				if tc.wantCode != 0 {
					assert.Equal(t, tc.wantCode, trans.StatusCode)
				}
			}
		})
	}
}

func TestWithRetry_retriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	err := withRetry(t.Context(), RetryConfig{MaxAttempts: 3, BaseDelay: 1, Multiplier: 2}, func() error {
		attempts++
		if attempts < 3 {
			return &TransientRemoteError{StatusCode: 503, Err: errors.New("unavailable")}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_doesNotRetryPermanent(t *testing.T) {
	attempts := 0
	err := withRetry(t.Context(), RetryConfig{MaxAttempts: 3, BaseDelay: 1, Multiplier: 2}, func() error {
		attempts++
		return &PermanentRemoteError{StatusCode: 400, Err: errors.New("bad request")}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_exhaustsAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(t.Context(), RetryConfig{MaxAttempts: 3, BaseDelay: 1, Multiplier: 2}, func() error {
		attempts++
		return &TransientRemoteError{StatusCode: 503, Err: errors.New("unavailable")}
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}
