// Package testutil provides test helpers importable from any package.
package testutil

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/florinutz/iceingest/batch"
)

// SimpleSchema is the three-column schema used by most ingest tests.
var SimpleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int32},
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "active", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// SimpleRecord builds a 5-row record with id, name and active columns.
func SimpleRecord(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, SimpleSchema)
	defer b.Release()

	b.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 2, 3, 4, 5}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"Alice", "Bob", "Charlie", "David", "Eve"}, nil)
	b.Field(2).(*array.BooleanBuilder).AppendValues([]bool{true, false, true, true, false}, nil)
	return b.NewRecord()
}

// EmptyRecord builds a record with a valid schema and zero rows.
func EmptyRecord(mem memory.Allocator) arrow.Record {
	sc := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(mem, sc)
	defer b.Release()
	return b.NewRecord()
}

// NullableRecord builds a 3-row record whose columns contain nulls.
func NullableRecord(mem memory.Allocator) arrow.Record {
	sc := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(mem, sc)
	defer b.Release()

	valid := []bool{true, false, true}
	b.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 0, 3}, valid)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"Alice", "", "Charlie"}, valid)
	return b.NewRecord()
}

// LargeRecord builds an n-row record with id, value and score columns.
func LargeRecord(mem memory.Allocator, n int) arrow.Record {
	sc := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "value", Type: arrow.BinaryTypes.String},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	b := array.NewRecordBuilder(mem, sc)
	defer b.Release()

	for i := 1; i <= n; i++ {
		b.Field(0).(*array.Int32Builder).Append(int32(i))
		b.Field(1).(*array.StringBuilder).Append("test_value")
		b.Field(2).(*array.Float64Builder).Append(float64(i) * 0.1)
	}
	return b.NewRecord()
}

// StructSchema has a nested struct column next to a plain id column.
var StructSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "address", Type: arrow.StructOf(
		arrow.Field{Name: "city", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "zip", Type: arrow.PrimitiveTypes.Int32},
	)},
}, nil)

// StructRecord builds a 2-row record with a struct column.
func StructRecord(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, StructSchema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues([]int64{10, 20}, nil)
	sb := b.Field(1).(*array.StructBuilder)
	city := sb.FieldBuilder(0).(*array.StringBuilder)
	zip := sb.FieldBuilder(1).(*array.Int32Builder)
	for i, c := range []string{"Lisbon", "Porto"} {
		sb.Append(true)
		city.Append(c)
		zip.Append(int32(1000 + i))
	}
	return b.NewRecord()
}

// AllTypesSchema covers every primitive type the schema mapper knows about,
// alternating nullable and required columns.
var AllTypesSchema = arrow.NewSchema([]arrow.Field{
	{Name: "i8", Type: arrow.PrimitiveTypes.Int8},
	{Name: "i16", Type: arrow.PrimitiveTypes.Int16, Nullable: true},
	{Name: "i32", Type: arrow.PrimitiveTypes.Int32},
	{Name: "i64", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "u8", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "u16", Type: arrow.PrimitiveTypes.Uint16, Nullable: true},
	{Name: "u32", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "u64", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
	{Name: "f32", Type: arrow.PrimitiveTypes.Float32},
	{Name: "f64", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "s", Type: arrow.BinaryTypes.String},
	{Name: "ls", Type: arrow.BinaryTypes.LargeString, Nullable: true},
	{Name: "bin", Type: arrow.BinaryTypes.Binary},
	{Name: "lbin", Type: arrow.BinaryTypes.LargeBinary, Nullable: true},
	{Name: "flag", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "d32", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
	{Name: "d64", Type: arrow.FixedWidthTypes.Date64},
	{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}, Nullable: true},
}, nil)

// AllTypesRecord builds a 3-row record over AllTypesSchema. Nullable
// columns have a null in the middle row.
func AllTypesRecord(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, AllTypesSchema)
	defer b.Release()

	mid := []bool{true, false, true}
	b.Field(0).(*array.Int8Builder).AppendValues([]int8{-1, 0, 1}, nil)
	b.Field(1).(*array.Int16Builder).AppendValues([]int16{-300, 0, 300}, mid)
	b.Field(2).(*array.Int32Builder).AppendValues([]int32{-70000, 0, 70000}, nil)
	b.Field(3).(*array.Int64Builder).AppendValues([]int64{-1 << 40, 0, 1 << 40}, mid)
	b.Field(4).(*array.Uint8Builder).AppendValues([]uint8{0, 128, 255}, nil)
	b.Field(5).(*array.Uint16Builder).AppendValues([]uint16{0, 0, 65535}, mid)
	b.Field(6).(*array.Uint32Builder).AppendValues([]uint32{0, 1, 4000000000}, nil)
	b.Field(7).(*array.Uint64Builder).AppendValues([]uint64{0, 0, 1 << 63}, mid)
	b.Field(8).(*array.Float32Builder).AppendValues([]float32{-1.5, 0, 1.5}, nil)
	b.Field(9).(*array.Float64Builder).AppendValues([]float64{-2.25, 0, 2.25}, mid)
	b.Field(10).(*array.StringBuilder).AppendValues([]string{"a", "", "ccc"}, nil)
	b.Field(11).(*array.LargeStringBuilder).AppendValues([]string{"x", "", "zz"}, mid)
	b.Field(12).(*array.BinaryBuilder).AppendValues([][]byte{{0x00}, {}, {0xff, 0xfe}}, nil)
	b.Field(13).(*array.BinaryBuilder).AppendValues([][]byte{{0x01}, nil, {0x02}}, mid)
	b.Field(14).(*array.BooleanBuilder).AppendValues([]bool{true, false, true}, nil)
	b.Field(15).(*array.Date32Builder).AppendValues([]arrow.Date32{19000, 0, 19002}, mid)
	b.Field(16).(*array.Date64Builder).AppendValues([]arrow.Date64{0, 86400000, 2 * 86400000}, nil)
	b.Field(17).(*array.TimestampBuilder).AppendValues([]arrow.Timestamp{1700000000000, 0, 1700000001000}, mid)
	return b.NewRecord()
}

// EncodeRecord serializes rec to an Arrow IPC stream, failing the test on error.
func EncodeRecord(t testing.TB, rec arrow.Record) []byte {
	t.Helper()
	data, err := batch.Encode(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return data
}

// SimpleStream returns the IPC bytes of SimpleRecord.
func SimpleStream(t testing.TB) []byte {
	t.Helper()
	rec := SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()
	return EncodeRecord(t, rec)
}
