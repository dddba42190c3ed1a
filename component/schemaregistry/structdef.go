package schemaregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// elementDefinition is a deliberately small subset of a FHIR
// StructureDefinition.snapshot.element entry: enough to derive an Avro
// field for each top-level property of a resource. Child elements are not
// expanded: a Reference becomes a one-field nested record when the
// registry's RecursiveDepth is above zero, and a BackboneElement is always
// an opaque string.
type elementDefinition struct {
	Path     string              `json:"path"`
	Type     string              `json:"type"`
	Max      string              `json:"max"`
	Children []elementDefinition `json:"children,omitempty"`
}

// structureDefinition is the parsed shape of one profile's element tree.
type structureDefinition struct {
	ResourceType string              `json:"resourceType"`
	Elements     []elementDefinition `json:"elements"`
}

// loadStructureDefinitions reads every *.json file in dir as a
// structureDefinition, keyed by ResourceType. An empty dir is not an error;
// callers fall back to builtinStructureDefinitions.
func loadStructureDefinitions(dir string) (map[string]structureDefinition, error) {
	result := make(map[string]structureDefinition)
	if dir == "" {
		return result, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProfileLoad, dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProfileLoad, path, err)
		}
		var sd structureDefinition
		if err := json.Unmarshal(data, &sd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrProfileLoad, path, err)
		}
		if sd.ResourceType == "" {
			return nil, fmt.Errorf("%w: %s: missing resourceType", ErrProfileLoad, path)
		}
		result[sd.ResourceType] = sd
	}
	return result, nil
}

// builtinStructureDefinitions returns a small, hand-maintained set of
// common resource shapes used when no structureDefinitionsPath is
// configured. Fields are deliberately shallow: the registry always adds the
// id/resourceType/meta envelope around whatever is returned here, and falls
// back to a single "raw" opaque JSON field for anything not listed.
func builtinStructureDefinitions() map[string]structureDefinition {
	resourceFields := map[string][]elementDefinition{
		"Patient": {
			{Path: "Patient.active", Type: "boolean", Max: "1"},
			{Path: "Patient.gender", Type: "string", Max: "1"},
			{Path: "Patient.birthDate", Type: "date", Max: "1"},
		},
		"Encounter": {
			{Path: "Encounter.status", Type: "string", Max: "1"},
			{Path: "Encounter.class", Type: "string", Max: "1"},
			{Path: "Encounter.subject", Type: "Reference", Max: "1"},
			{Path: "Encounter.period", Type: "string", Max: "1"},
		},
		"Observation": {
			{Path: "Observation.status", Type: "string", Max: "1"},
			{Path: "Observation.code", Type: "string", Max: "1"},
			{Path: "Observation.subject", Type: "Reference", Max: "1"},
			{Path: "Observation.encounter", Type: "Reference", Max: "1"},
			{Path: "Observation.effectiveDateTime", Type: "dateTime", Max: "1"},
			{Path: "Observation.valueQuantity", Type: "string", Max: "1"},
		},
		"Condition": {
			{Path: "Condition.clinicalStatus", Type: "string", Max: "1"},
			{Path: "Condition.code", Type: "string", Max: "1"},
			{Path: "Condition.subject", Type: "Reference", Max: "1"},
		},
		"MedicationRequest": {
			{Path: "MedicationRequest.status", Type: "string", Max: "1"},
			{Path: "MedicationRequest.intent", Type: "string", Max: "1"},
			{Path: "MedicationRequest.subject", Type: "Reference", Max: "1"},
		},
		"Procedure": {
			{Path: "Procedure.status", Type: "string", Max: "1"},
			{Path: "Procedure.code", Type: "string", Max: "1"},
			{Path: "Procedure.subject", Type: "Reference", Max: "1"},
		},
		"DiagnosticReport": {
			{Path: "DiagnosticReport.status", Type: "string", Max: "1"},
			{Path: "DiagnosticReport.code", Type: "string", Max: "1"},
			{Path: "DiagnosticReport.subject", Type: "Reference", Max: "1"},
			{Path: "DiagnosticReport.result", Type: "Reference", Max: "*"},
		},
	}

	result := make(map[string]structureDefinition, len(resourceFields))
	for resourceType, fields := range resourceFields {
		result[resourceType] = structureDefinition{ResourceType: resourceType, Elements: fields}
	}
	return result
}

// sortedResourceTypes is a helper for deterministic iteration/logging.
func sortedResourceTypes(m map[string]structureDefinition) []string {
	types := make([]string, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
