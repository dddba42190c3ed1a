// Package coding holds the well-known FHIR coding systems and codes this
// repository needs to recognize, grouped the way the teacher's coding
// package groups URA/mCSD codings.
package coding

import (
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/openmrs-community/fhir-warehouse-etl/lib/to"
)

const (
	// ActionTypeSystem is the HL7 v3 ActionType CodeSystem used to mark
	// tombstone resources in incremental FHIR exports.
	ActionTypeSystem = "http://terminology.hl7.org/CodeSystem/v3-ActionType"

	// RemoveActionCode is the code within ActionTypeSystem that marks a
	// resource as deleted (a tombstone) rather than created/updated.
	RemoveActionCode = "REMOVE"
)

// RemoveTag is the (system, code) pair identifying a tombstone in
// meta.tag, per spec's tombstone definition.
var RemoveTag = fhir.Coding{
	System: to.Ptr(ActionTypeSystem),
	Code:   to.Ptr(RemoveActionCode),
}

// CodablesIncludesCode reports whether any coding in codes matches the
// system and code of want.
func CodablesIncludesCode(codes []fhir.Coding, want fhir.Coding) bool {
	for _, c := range codes {
		if systemMatches(c, want) && codeMatches(c, want) {
			return true
		}
	}
	return false
}

func systemMatches(a, b fhir.Coding) bool {
	if a.System == nil || b.System == nil {
		return a.System == b.System
	}
	return *a.System == *b.System
}

func codeMatches(a, b fhir.Coding) bool {
	if a.Code == nil || b.Code == nil {
		return a.Code == b.Code
	}
	return *a.Code == *b.Code
}

// IsTombstone reports whether tags contains the REMOVE action tag.
func IsTombstone(tags []fhir.Coding) bool {
	return CodablesIncludesCode(tags, RemoveTag)
}
