// Package schemaregistry resolves an Avro schema for each FHIR resource
// type, per spec.md §4.1. Schemas are derived from FHIR StructureDefinition
// profiles (or a small built-in set) and are stable across processes given
// identical inputs, since the merger (component/merger) relies on reading
// Parquet files written by independent runs against the same schema.
package schemaregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hamba/avro/v2"
)

var (
	// ErrUnknownResourceType is returned by SchemaFor when the resource
	// type has no built-in definition and was not found under
	// structureDefinitionsPath.
	ErrUnknownResourceType = errors.New("schemaregistry: unknown resource type")

	// ErrProfileLoad is returned when structureDefinitionsPath could not
	// be read or a file in it is malformed.
	ErrProfileLoad = errors.New("schemaregistry: failed to load profile")
)

// Config configures schema resolution, mirroring the constructor
// parameters named in spec.md §4.1.
type Config struct {
	// FHIRVersion is "DSTU3" or "R4". Only affects which built-in element
	// set is used when StructureDefinitionsPath is empty.
	FHIRVersion string `koanf:"fhirversion"`
	// StructureDefinitionsPath is an optional directory of *.json
	// structure-definition-shaped files, one per resource type.
	StructureDefinitionsPath string `koanf:"structuredefinitionspath"`
	// Profiles is an optional set of profile URLs that participate in
	// schema derivation; recorded into the schema's namespace so that
	// different profile sets can never collide, but otherwise opaque to
	// this registry (FHIR profile constraints are not independently
	// re-validated here).
	Profiles []string `koanf:"profiles"`
	// RecursiveDepth, when above zero, turns each Reference element into a
	// nested Avro record holding its reference string; at zero, references
	// are opaque string fields. BackboneElement and other complex elements
	// are always opaque strings, and no element is expanded more than one
	// level, whatever the value.
	RecursiveDepth int `koanf:"recursivedepth"`
}

// DefaultConfig returns the registry defaults used when no configuration is
// supplied.
func DefaultConfig() Config {
	return Config{
		FHIRVersion:    "R4",
		RecursiveDepth: 1,
	}
}

// Registry resolves and caches Avro schemas for FHIR resource types.
// SchemaFor is safe for concurrent use: resolution happens at most once per
// resource type, backed by a sync.Map, matching the "read-mostly after
// warm-up" contract in spec.md §5.
type Registry struct {
	config      Config
	definitions map[string]structureDefinition
	namespace   string
	resolved    sync.Map // resourceType -> avro.Schema
}

// New constructs a Registry. Profile files under config.StructureDefinitionsPath
// are loaded eagerly so ErrProfileLoad surfaces at construction time
// rather than on first use.
func New(config Config) (*Registry, error) {
	if config.FHIRVersion == "" {
		config.FHIRVersion = "R4"
	}

	defs, err := loadStructureDefinitions(config.StructureDefinitionsPath)
	if err != nil {
		return nil, err
	}
	for resourceType, sd := range builtinStructureDefinitions() {
		if _, overridden := defs[resourceType]; !overridden {
			defs[resourceType] = sd
		}
	}

	return &Registry{
		config:      config,
		definitions: defs,
		namespace:   namespaceFor(config),
	}, nil
}

// namespaceFor derives a stable Avro namespace from the FHIR version and
// sorted profile list, so that two registries configured with different
// profiles never produce colliding schema full-names even if cached
// side-by-side.
func namespaceFor(config Config) string {
	profiles := append([]string(nil), config.Profiles...)
	sortStrings(profiles)
	ns := "org.openmrs.fhir.warehouse." + strings.ToLower(config.FHIRVersion)
	if len(profiles) > 0 {
		ns += "." + fmt.Sprintf("%x", hashStrings(profiles))
	}
	return ns
}

// SchemaFor returns the Avro schema for resourceType, resolving and caching
// it on first call. It is idempotent: repeated calls return the identical
// *avro.RecordSchema value (not just an equal one).
func (r *Registry) SchemaFor(resourceType string) (avro.Schema, error) {
	if cached, ok := r.resolved.Load(resourceType); ok {
		return cached.(avro.Schema), nil
	}

	sd, ok := r.definitions[resourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResourceType, resourceType)
	}

	schemaJSON, err := r.buildSchemaJSON(resourceType, sd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProfileLoad, resourceType, err)
	}

	schema, err := avro.Parse(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: invalid derived avro schema: %v", ErrProfileLoad, resourceType, err)
	}

	actual, _ := r.resolved.LoadOrStore(resourceType, schema)
	return actual.(avro.Schema), nil
}

// ResourceTypes returns every resource type this registry knows about
// (built-in or loaded from StructureDefinitionsPath), sorted for
// deterministic iteration.
func (r *Registry) ResourceTypes() []string {
	return sortedResourceTypes(r.definitions)
}

// buildSchemaJSON renders the Avro schema for resourceType as JSON text.
// Building via a JSON template (rather than the avro.Schema builder types
// directly) keeps the derivation a pure function of (resourceType, sd,
// recursiveDepth, namespace), which is what gives SchemaFor its
// determinism guarantee.
func (r *Registry) buildSchemaJSON(resourceType string, sd structureDefinition) (string, error) {
	fields := []schemaField{
		{Name: "id", Type: jsonRaw(`"string"`)},
		{Name: "resourceType", Type: jsonRaw(`"string"`)},
		{Name: "meta", Type: jsonRaw(r.metaSchemaJSON())},
	}

	for _, el := range sd.Elements {
		name := lastSegment(el.Path)
		fieldSchema, err := r.elementSchemaJSON(el, 0)
		if err != nil {
			return "", err
		}
		fields = append(fields, schemaField{Name: name, Type: jsonRaw(fieldSchema), Default: jsonRaw("null")})
	}

	// Always carry the full resource JSON for lossless round-trip of
	// anything the shallow field derivation above did not capture.
	fields = append(fields, schemaField{Name: "raw", Type: jsonRaw(`"string"`)})

	schema := avroRecord{
		Type:      "record",
		Name:      resourceType,
		Namespace: r.namespace,
		Fields:    fields,
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// metaSchemaJSON renders the shared "meta" sub-record: versionId,
// lastUpdated, and tag, matching the FHIR meta model in spec.md §3 closely
// enough to preserve the REMOVE tombstone tag and the fields the merger's
// last-write-wins comparison needs.
func (r *Registry) metaSchemaJSON() string {
	return `{
		"type": "record",
		"name": "Meta",
		"namespace": "` + r.namespace + `",
		"fields": [
			{"name": "versionId", "type": ["null", "string"], "default": null},
			{"name": "lastUpdated", "type": ["null", "string"], "default": null},
			{"name": "tag", "type": {"type": "array", "items": {
				"type": "record", "name": "Tag", "namespace": "` + r.namespace + `",
				"fields": [
					{"name": "system", "type": "string"},
					{"name": "code", "type": "string"}
				]
			}}, "default": []}
		]
	}`
}

// elementSchemaJSON renders the Avro type for one structure-definition
// element, expanding Reference fields into a nested record while
// depth < RecursiveDepth, and otherwise (or for any type this registry does
// not specifically recognize) falling back to an opaque nullable string
// field, per spec.md §4.1's "ProfileLoadError" contract (an unrecognized
// constraint never fails schema derivation; it just loses structure).
func (r *Registry) elementSchemaJSON(el elementDefinition, depth int) (string, error) {
	scalar, isScalar := avroPrimitiveFor(el.Type)
	isArray := el.Max == "*"

	var itemSchema string
	switch {
	case el.Type == "Reference" && depth < r.config.RecursiveDepth:
		itemSchema = `["null", {"type": "record", "name": "` + referenceRecordName(el.Path) + `", "namespace": "` + r.namespace + `", "fields": [
			{"name": "reference", "type": ["null", "string"], "default": null}
		]}]`
	case isScalar:
		itemSchema = `["null", "` + scalar + `"]`
	default:
		// BackboneElement, CodeableConcept, and anything else not
		// specifically modeled collapses to an opaque JSON string.
		itemSchema = `["null", "string"]`
	}

	if !isArray {
		return itemSchema, nil
	}
	return `{"type": "array", "items": ` + itemSchema + `, "default": []}`, nil
}

func avroPrimitiveFor(fhirType string) (string, bool) {
	switch fhirType {
	case "boolean":
		return "boolean", true
	case "integer", "positiveInt", "unsignedInt":
		return "long", true
	case "decimal":
		return "double", true
	case "string", "code", "uri", "url", "canonical", "id", "markdown",
		"date", "dateTime", "instant", "time", "base64Binary":
		return "string", true
	default:
		return "", false
	}
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func referenceRecordName(path string) string {
	name := strings.ReplaceAll(path, ".", "_")
	return "Ref_" + name
}

type avroRecord struct {
	Type      string        `json:"type"`
	Name      string        `json:"name"`
	Namespace string        `json:"namespace"`
	Fields    []schemaField `json:"fields"`
}

type schemaField struct {
	Name    string          `json:"name"`
	Type    json.RawMessage `json:"type"`
	Default json.RawMessage `json:"default,omitempty"`
}

func jsonRaw(s string) json.RawMessage {
	return json.RawMessage(s)
}
