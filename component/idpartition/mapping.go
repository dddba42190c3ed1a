// Package idpartition partitions a resource type's rows into fixed-size ID
// batches by querying the openmrs JDBC tables directly, the fallback mode
// used when a source has no FHIR _getpages support but does expose its
// underlying relational tables.
package idpartition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrResourceNotMapped is returned whenever a requested resource type has
// no entry in the loaded table mapping.
var ErrResourceNotMapped = errors.New("idpartition: resource type not present in table mapping")

// tableEntry is one row of the JSON mapping file: a resource type's backing
// table and the resource types it transitively pulls in (e.g. Encounter
// pulls in Visit).
type tableEntry struct {
	TableName       string   `json:"tableName"`
	ResourceType    string   `json:"resourceType"`
	LinkedResources []string `json:"linkedResources"`
}

// Mapping resolves a FHIR resource type to its backing table name and the
// full transitive closure of resource types it depends on.
type Mapping struct {
	tables  map[string]string   // resourceType -> tableName
	closure map[string][]string // resourceType -> transitively linked resource types
}

// TableFor returns the backing table name for resourceType.
func (m Mapping) TableFor(resourceType string) (string, error) {
	table, ok := m.tables[resourceType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrResourceNotMapped, resourceType)
	}
	return table, nil
}

// LinkedResourceTypes returns the full transitive closure of resource
// types resourceType depends on (not including itself).
func (m Mapping) LinkedResourceTypes(resourceType string) ([]string, error) {
	if _, ok := m.tables[resourceType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotMapped, resourceType)
	}
	return m.closure[resourceType], nil
}

// LoadMapping parses the JSON array of {tableName, resourceType,
// linkedResources} entries at path and computes the transitive closure of
// linkedResources for every resource type (e.g. Encounter -> Visit, and
// onward), detecting cycles.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("idpartition: failed to read mapping file %s: %w", path, err)
	}

	var entries []tableEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return Mapping{}, fmt.Errorf("idpartition: failed to parse mapping file %s: %w", path, err)
	}

	direct := make(map[string][]string, len(entries))
	tables := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.ResourceType == "" || e.TableName == "" {
			return Mapping{}, fmt.Errorf("idpartition: mapping entry missing tableName or resourceType")
		}
		tables[e.ResourceType] = e.TableName
		direct[e.ResourceType] = e.LinkedResources
	}

	closure := make(map[string][]string, len(entries))
	for resourceType := range tables {
		resolved, err := resolveClosure(resourceType, direct, make(map[string]bool))
		if err != nil {
			return Mapping{}, err
		}
		closure[resourceType] = resolved
	}

	return Mapping{tables: tables, closure: closure}, nil
}

// resolveClosure walks direct links from resourceType, repeatedly
// resolving linkedResources until fixed point. visiting tracks the active
// path so cycles are detected rather than recursing forever.
func resolveClosure(resourceType string, direct map[string][]string, visiting map[string]bool) ([]string, error) {
	if visiting[resourceType] {
		return nil, fmt.Errorf("idpartition: cycle detected in table mapping at %s", resourceType)
	}
	visiting[resourceType] = true
	defer delete(visiting, resourceType)

	seen := make(map[string]bool)
	var ordered []string
	var walk func(string) error
	walk = func(rt string) error {
		for _, linked := range direct[rt] {
			if seen[linked] {
				continue
			}
			seen[linked] = true
			ordered = append(ordered, linked)
			if visiting[linked] {
				return fmt.Errorf("idpartition: cycle detected in table mapping at %s", linked)
			}
			visiting[linked] = true
			err := walk(linked)
			delete(visiting, linked)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(resourceType); err != nil {
		return nil, err
	}
	return ordered, nil
}
