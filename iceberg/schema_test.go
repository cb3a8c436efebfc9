package iceberg

import (
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/go-cmp/cmp"
)

func TestMapType(t *testing.T) {
	tests := []struct {
		dt   arrow.DataType
		want string
	}{
		{arrow.PrimitiveTypes.Int8, TypeInt},
		{arrow.PrimitiveTypes.Int16, TypeInt},
		{arrow.PrimitiveTypes.Int32, TypeInt},
		{arrow.PrimitiveTypes.Uint8, TypeInt},
		{arrow.PrimitiveTypes.Uint16, TypeInt},
		{arrow.PrimitiveTypes.Uint32, TypeInt},
		{arrow.PrimitiveTypes.Int64, TypeLong},
		{arrow.PrimitiveTypes.Uint64, TypeLong},
		{arrow.PrimitiveTypes.Float32, TypeFloat},
		{arrow.PrimitiveTypes.Float64, TypeDouble},
		{arrow.BinaryTypes.String, TypeString},
		{arrow.BinaryTypes.LargeString, TypeString},
		{arrow.BinaryTypes.Binary, TypeBinary},
		{arrow.BinaryTypes.LargeBinary, TypeBinary},
		{arrow.FixedWidthTypes.Boolean, TypeBoolean},
		{arrow.FixedWidthTypes.Date32, TypeDate},
		{arrow.FixedWidthTypes.Date64, TypeDate},
		{&arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}, TypeTimestamp},
		{&arrow.TimestampType{Unit: arrow.Nanosecond}, TypeTimestamp},
		{arrow.StructOf(arrow.Field{Name: "a", Type: arrow.PrimitiveTypes.Int32}), TypeString},
		{arrow.ListOf(arrow.PrimitiveTypes.Int32), TypeString},
		{&arrow.Decimal128Type{Precision: 10, Scale: 2}, TypeString},
		{arrow.FixedWidthTypes.Time32ms, TypeString},
		{arrow.Null, TypeString},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			if got := MapType(tt.dt); got != tt.want {
				t.Errorf("MapType(%s) = %s, want %s", tt.dt, got, tt.want)
			}
		})
	}
}

func TestMapSchema(t *testing.T) {
	sc := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Second}, Nullable: true},
	}, nil)

	want := &Schema{
		SchemaID: 0,
		Fields: []Field{
			{ID: 1, Name: "id", Type: TypeInt, Required: true},
			{ID: 2, Name: "name", Type: TypeString},
			{ID: 3, Name: "ts", Type: TypeTimestamp},
		},
	}
	got := MapSchema(sc)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MapSchema mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(got, MapSchema(sc)); diff != "" {
		t.Errorf("MapSchema is not deterministic:\n%s", diff)
	}
}

func TestCompareSchemas(t *testing.T) {
	base := &Schema{Fields: []Field{
		{ID: 1, Name: "id", Type: TypeLong, Required: true},
		{ID: 2, Name: "name", Type: TypeString},
	}}

	tests := []struct {
		name     string
		incoming []Field
		contains string
	}{
		{"equal", base.Fields, ""},
		{"extra column", append(append([]Field{}, base.Fields...), Field{ID: 3, Name: "x", Type: TypeInt}), "2 columns"},
		{"renamed", []Field{base.Fields[0], {ID: 2, Name: "title", Type: TypeString}}, `"title"`},
		{"retyped", []Field{{ID: 1, Name: "id", Type: TypeInt, Required: true}, base.Fields[1]}, "is long in the table, int in the batch"},
		{"nullability", []Field{{ID: 1, Name: "id", Type: TypeLong}, base.Fields[1]}, "requiredness"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareSchemas(base, &Schema{Fields: tt.incoming})
			if tt.contains == "" {
				if got != "" {
					t.Errorf("expected match, got %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("reason %q does not contain %q", got, tt.contains)
			}
		})
	}
}
