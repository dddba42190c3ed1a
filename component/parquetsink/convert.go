package parquetsink

import (
	"encoding/json"
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/openmrs-community/fhir-warehouse-etl/lib/fhirutil"
)

// resourceToRow converts raw FHIR resource JSON into a row matching schema,
// the envelope schemaregistry.Registry always produces
// (id/resourceType/meta/<resource fields>/raw). Fields declared in schema
// but absent from the resource decode to nil, matching the Avro union's
// null branch.
func resourceToRow(schema avro.Schema, raw []byte) (map[string]any, error) {
	rec, ok := schema.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("parquetsink: expected avro record schema, got %T", schema)
	}

	info, err := fhirutil.ExtractResourceInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("parquetsink: failed to extract resource info: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parquetsink: failed to parse resource json: %w", err)
	}

	row := make(map[string]any, len(rec.Fields()))
	for _, f := range rec.Fields() {
		switch f.Name() {
		case "id":
			row["id"] = info.ID
		case "resourceType":
			row["resourceType"] = info.ResourceType
		case "meta":
			row["meta"] = metaRow(info)
		case "raw":
			row["raw"] = string(raw)
		default:
			row[f.Name()] = projectField(doc, f.Name(), unionInner(f.Type()))
		}
	}
	return row, nil
}

// unionInner returns the non-null branch of a nullable union, or s itself
// if s is not a union.
func unionInner(s avro.Schema) avro.Schema {
	union, ok := s.(*avro.UnionSchema)
	if !ok {
		return s
	}
	for _, branch := range union.Types() {
		if branch.Type() != avro.Null {
			return branch
		}
	}
	return s
}

func metaRow(info fhirutil.ResourceInfo) map[string]any {
	tags := make([]map[string]any, 0, len(info.Tags))
	for _, tag := range info.Tags {
		tags = append(tags, map[string]any{"system": tag.System, "code": tag.Code})
	}
	var versionID, lastUpdated any
	if info.VersionID != "" {
		versionID = info.VersionID
	}
	if info.LastUpdatedRaw != "" {
		lastUpdated = info.LastUpdatedRaw
	}
	return map[string]any{
		"versionId":   versionID,
		"lastUpdated": lastUpdated,
		"tag":         tags,
	}
}

// projectField pulls a single top-level FHIR field out of doc, coercing it
// to match fieldType: booleans and numbers pass through for boolean/long/
// double columns, and anything else (including Reference/BackboneElement
// structures schemaregistry collapsed to a string column) is re-encoded as
// JSON text so it still fits an opaque string column.
func projectField(doc map[string]any, name string, fieldType avro.Schema) any {
	v, ok := doc[name]
	if !ok || v == nil {
		return nil
	}

	if _, ok := fieldType.(*avro.ArraySchema); ok {
		items, ok := v.([]any)
		if !ok {
			return []string{}
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, scalarToString(item))
		}
		return out
	}

	switch fieldType.Type() {
	case avro.Boolean:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case avro.Long, avro.Int, avro.Double, avro.Float:
		if n, ok := v.(float64); ok {
			return n
		}
		return nil
	default:
		return scalarToString(v)
	}
}

func scalarToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
