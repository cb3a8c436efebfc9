package iceberg

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Iceberg primitive type names produced by MapType.
const (
	TypeInt       = "int"
	TypeLong      = "long"
	TypeFloat     = "float"
	TypeDouble    = "double"
	TypeString    = "string"
	TypeBinary    = "binary"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeTimestamp = "timestamp"
)

// MapType returns the Iceberg primitive type for an Arrow type. The mapping
// is total: types without a direct counterpart (nested, decimal, interval,
// dictionary and so on) map to string and are stored as their text form.
func MapType(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32,
		arrow.UINT8, arrow.UINT16, arrow.UINT32:
		return TypeInt
	case arrow.INT64, arrow.UINT64:
		return TypeLong
	case arrow.FLOAT32:
		return TypeFloat
	case arrow.FLOAT64:
		return TypeDouble
	case arrow.STRING, arrow.LARGE_STRING:
		return TypeString
	case arrow.BINARY, arrow.LARGE_BINARY:
		return TypeBinary
	case arrow.BOOL:
		return TypeBoolean
	case arrow.DATE32, arrow.DATE64:
		return TypeDate
	case arrow.TIMESTAMP:
		return TypeTimestamp
	default:
		return TypeString
	}
}

// MapSchema derives an Iceberg schema from an Arrow schema. Field ids are
// assigned by position starting at 1, so the same Arrow schema always maps
// to the same Iceberg schema.
func MapSchema(sc *arrow.Schema) *Schema {
	fields := make([]Field, 0, sc.NumFields())
	for i, f := range sc.Fields() {
		fields = append(fields, Field{
			ID:       i + 1,
			Name:     f.Name,
			Type:     MapType(f.Type),
			Required: !f.Nullable,
		})
	}
	return &Schema{SchemaID: 0, Fields: fields}
}

// compareSchemas reports how incoming differs from existing, comparing
// names, types and requiredness position by position. It returns "" when
// they agree.
func compareSchemas(existing, incoming *Schema) string {
	if len(existing.Fields) != len(incoming.Fields) {
		return fmt.Sprintf("table has %d columns, batch has %d", len(existing.Fields), len(incoming.Fields))
	}
	for i, want := range existing.Fields {
		got := incoming.Fields[i]
		switch {
		case want.Name != got.Name:
			return fmt.Sprintf("column %d is %q in the table, %q in the batch", i+1, want.Name, got.Name)
		case want.Type != got.Type:
			return fmt.Sprintf("column %q is %s in the table, %s in the batch", want.Name, want.Type, got.Type)
		case want.Required != got.Required:
			return fmt.Sprintf("column %q requiredness differs (table required=%t)", want.Name, want.Required)
		}
	}
	return ""
}
