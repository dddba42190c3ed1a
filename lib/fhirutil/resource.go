// Package fhirutil provides small helpers for pulling identifying
// information out of raw FHIR resource JSON, the way the teacher's
// lib/fhirutil.ExtractResourceInfo is used throughout component/mcsd.
package fhirutil

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceInfo is the subset of a FHIR resource this repository needs to
// read without fully unmarshalling into a typed struct: the data model in
// spec.md §3 (id, resourceType, meta.versionId, meta.lastUpdated, meta.tag).
type ResourceInfo struct {
	ID           string
	ResourceType string
	VersionID    string
	LastUpdated  *time.Time
	LastUpdatedRaw string
	Tags         []TagInfo
}

// TagInfo is a (system, code) pair from meta.tag.
type TagInfo struct {
	System string
	Code   string
}

type rawResource struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	Meta         *struct {
		VersionID   string `json:"versionId"`
		LastUpdated string `json:"lastUpdated"`
		Tag         []struct {
			System string `json:"system"`
			Code   string `json:"code"`
		} `json:"tag"`
	} `json:"meta"`
}

// ExtractResourceInfo parses just the identifying fields out of raw FHIR
// resource JSON. It returns an error if the JSON is malformed or if id /
// resourceType are missing, since both are required by spec.md §3.
func ExtractResourceInfo(raw []byte) (ResourceInfo, error) {
	var r rawResource
	if err := json.Unmarshal(raw, &r); err != nil {
		return ResourceInfo{}, fmt.Errorf("fhirutil: failed to parse resource: %w", err)
	}
	if r.ID == "" {
		return ResourceInfo{}, fmt.Errorf("fhirutil: resource missing id")
	}
	if r.ResourceType == "" {
		return ResourceInfo{}, fmt.Errorf("fhirutil: resource missing resourceType")
	}

	info := ResourceInfo{
		ID:           r.ID,
		ResourceType: r.ResourceType,
	}
	if r.Meta != nil {
		info.VersionID = r.Meta.VersionID
		info.LastUpdatedRaw = r.Meta.LastUpdated
		if r.Meta.LastUpdated != "" {
			if t, err := time.Parse(time.RFC3339Nano, r.Meta.LastUpdated); err == nil {
				info.LastUpdated = &t
			}
		}
		for _, t := range r.Meta.Tag {
			info.Tags = append(info.Tags, TagInfo{System: t.System, Code: t.Code})
		}
	}
	return info, nil
}

// BuildSourceURL joins a base URL with one or more path segments, the way
// the teacher's libfhir.BuildSourceURL composes deterministic conditional
// reference URLs.
func BuildSourceURL(baseURL string, parts ...string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("fhirutil: empty base URL")
	}
	url := baseURL
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("fhirutil: empty URL path segment")
		}
		if url[len(url)-1] != '/' {
			url += "/"
		}
		url += p
	}
	return url, nil
}
