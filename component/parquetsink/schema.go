package parquetsink

import (
	"fmt"

	"github.com/hamba/avro/v2"
	"github.com/parquet-go/parquet-go"
)

// AvroToParquetSchema derives a parquet.Schema from an Avro record schema
// resolved by component/schemaregistry. Nullable Avro unions become
// parquet.Optional fields; Avro arrays become parquet.Repeated fields;
// nested records become nested parquet groups.
func AvroToParquetSchema(name string, schema avro.Schema) (*parquet.Schema, error) {
	rec, ok := schema.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("parquetsink: expected avro record schema for %s, got %T", name, schema)
	}
	group, err := avroRecordToGroup(rec)
	if err != nil {
		return nil, err
	}
	return parquet.NewSchema(name, group), nil
}

func avroRecordToGroup(rec *avro.RecordSchema) (parquet.Group, error) {
	group := parquet.Group{}
	for _, f := range rec.Fields() {
		node, err := avroTypeToNode(f.Type())
		if err != nil {
			return nil, fmt.Errorf("parquetsink: field %s: %w", f.Name(), err)
		}
		group[f.Name()] = node
	}
	return group, nil
}

func avroTypeToNode(s avro.Schema) (parquet.Node, error) {
	switch t := s.(type) {
	case *avro.UnionSchema:
		var inner avro.Schema
		for _, branch := range t.Types() {
			if branch.Type() != avro.Null {
				inner = branch
			}
		}
		if inner == nil {
			return parquet.Optional(parquet.Leaf(parquet.ByteArrayType)), nil
		}
		node, err := avroTypeToNode(inner)
		if err != nil {
			return nil, err
		}
		return parquet.Optional(node), nil
	case *avro.ArraySchema:
		item, err := avroTypeToNode(t.Items())
		if err != nil {
			return nil, err
		}
		return parquet.Repeated(item), nil
	case *avro.RecordSchema:
		return avroRecordToGroup(t)
	default:
		return avroScalarNode(s.Type())
	}
}

func avroScalarNode(t avro.Type) (parquet.Node, error) {
	switch t {
	case avro.String, avro.Bytes:
		return parquet.Leaf(parquet.ByteArrayType), nil
	case avro.Boolean:
		return parquet.Leaf(parquet.BooleanType), nil
	case avro.Long, avro.Int:
		return parquet.Leaf(parquet.Int64Type), nil
	case avro.Double, avro.Float:
		return parquet.Leaf(parquet.DoubleType), nil
	case avro.Null:
		return parquet.Optional(parquet.Leaf(parquet.ByteArrayType)), nil
	default:
		// Anything not specifically modeled (fixed, enum, map) degrades to an
		// opaque string column rather than failing schema derivation.
		return parquet.Leaf(parquet.ByteArrayType), nil
	}
}
