// Package viewdef loads SQL-on-FHIR-style view-definition documents and
// projects named columns out of a resource, per SPEC_FULL.md §4.8: a
// deliberately small subset of the ViewDefinition shape, just enough for
// component/merger to materialize a view across a merged warehouse without
// pulling in a full FHIRPath engine.
package viewdef

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hamba/avro/v2"
)

// Column names one projected output field and the dotted-path expression
// used to pull it out of a resource.
type Column struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Select is one row-producing projection clause. ForEach names a path to
// an array; when set, Project evaluates every other column's Path against
// the array's first element, a deliberate simplification of the real
// ViewDefinition's one-row-per-array-element semantics (see DESIGN.md).
type Select struct {
	Column  []Column `json:"column"`
	ForEach string   `json:"forEach,omitempty"`
}

// Where is a boolean FHIRPath-lite filter: the row is dropped unless Path
// resolves to a non-empty, non-false value.
type Where struct {
	Path string `json:"path"`
}

// Definition is a parsed view-definition document.
type Definition struct {
	ResourceType string   `json:"resourceType"`
	Select       []Select `json:"select"`
	Where        []Where  `json:"where,omitempty"`
}

// Load parses a view-definition document from path.
func Load(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("viewdef: failed to read %s: %w", path, err)
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("viewdef: failed to parse %s: %w", path, err)
	}
	if def.ResourceType == "" {
		return Definition{}, fmt.Errorf("viewdef: %s missing resourceType", path)
	}
	if len(def.Select) == 0 {
		return Definition{}, fmt.Errorf("viewdef: %s has no select clauses", path)
	}
	return def, nil
}

// columns returns every column across every select clause, in document
// order.
func (d Definition) columns() []Column {
	var cols []Column
	for _, sel := range d.Select {
		cols = append(cols, sel.Column...)
	}
	return cols
}

// Schema builds a flat Avro record schema from the view's declared
// columns, named after the view's resource type so the merger can resolve
// one schema per view the same way it resolves one per resource type.
func (d Definition) Schema() (avro.Schema, error) {
	type fieldJSON struct {
		Name string `json:"name"`
		Type any    `json:"type"`
	}
	var fields []fieldJSON
	for _, col := range d.columns() {
		fields = append(fields, fieldJSON{Name: col.Name, Type: []string{"null", avroPrimitive(col.Type)}})
	}

	schemaDoc := struct {
		Type      string      `json:"type"`
		Name      string      `json:"name"`
		Namespace string      `json:"namespace"`
		Fields    []fieldJSON `json:"fields"`
	}{
		Type:      "record",
		Name:      d.ResourceType + "View",
		Namespace: "org.openmrs.fhir.warehouse.view",
		Fields:    fields,
	}

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("viewdef: failed to build schema for %s: %w", d.ResourceType, err)
	}
	schema, err := avro.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("viewdef: invalid derived schema for %s: %w", d.ResourceType, err)
	}
	return schema, nil
}

// avroPrimitive maps a view-definition column type to its Avro scalar,
// defaulting to string for any FHIRPath type this small dialect does not
// special-case (dateTime, code, uri, Reference, ...).
func avroPrimitive(t string) string {
	switch t {
	case "boolean":
		return "boolean"
	case "integer":
		return "int"
	case "decimal":
		return "double"
	default:
		return "string"
	}
}

// Project extracts the view's declared columns from resource. ok is false
// if a Where clause filters the row out.
func (d Definition) Project(resource map[string]any) (map[string]any, bool) {
	for _, w := range d.Where {
		if !truthy(resolvePath(resource, w.Path)) {
			return nil, false
		}
	}

	row := make(map[string]any)
	for _, sel := range d.Select {
		base := resource
		if sel.ForEach != "" {
			if arr, ok := resolvePath(resource, sel.ForEach).([]any); ok && len(arr) > 0 {
				if first, ok := arr[0].(map[string]any); ok {
					base = first
				}
			}
		}
		for _, col := range sel.Column {
			row[col.Name] = coerce(resolvePath(base, col.Path), col.Type)
		}
	}
	return row, true
}

// resolvePath walks a dotted path through nested maps and slices. A
// numeric segment indexes into a slice; a non-numeric segment against a
// slice implicitly selects the slice's first element, since this dialect
// has no FHIRPath `where()`/`[]` predicate support.
func resolvePath(v any, path string) any {
	if path == "" {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return nil
		}
		if arr, ok := cur.([]any); ok {
			if idx, err := strconv.Atoi(seg); err == nil {
				if idx < 0 || idx >= len(arr) {
					return nil
				}
				cur = arr[idx]
				continue
			}
			v, ok := lookupInSlice(arr, seg)
			if !ok {
				return nil
			}
			cur = v
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// lookupInSlice resolves a non-numeric segment against a slice by taking
// its first element's value for that key, the implicit-first-element
// fallback resolvePath documents.
func lookupInSlice(arr []any, seg string) (any, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	m, ok := arr[0].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[seg]
	return v, ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func coerce(v any, fhirType string) any {
	if v == nil {
		return nil
	}
	switch fhirType {
	case "boolean":
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case "integer":
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
		return nil
	case "decimal":
		if n, ok := v.(float64); ok {
			return n
		}
		return nil
	default:
		if s, ok := v.(string); ok {
			return s
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
