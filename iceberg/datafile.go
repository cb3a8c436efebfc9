package iceberg

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/metrics"
)

const (
	// rowChunk is how many rows are handed to the parquet writer at once.
	rowChunk = 1024
	// boundLength matches the write.metadata.metrics.default=truncate(16)
	// table property.
	boundLength = 16
)

// DataFileWriter turns a batch into data files under a table location.
type DataFileWriter interface {
	WriteDataFile(ctx context.Context, b *batch.Batch, schema *Schema, location string) ([]DataFile, error)
}

// ParquetWriter writes one Snappy-compressed Parquet file per batch to
// {location}/data/{uuid}.parquet.
type ParquetWriter struct {
	storage Storage
	logger  *slog.Logger
}

// NewParquetWriter creates a writer that stores files through storage.
func NewParquetWriter(storage Storage, logger *slog.Logger) *ParquetWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetWriter{storage: storage, logger: logger.With("component", "parquet_writer")}
}

// column binds one Arrow column to its Parquet leaf.
type column struct {
	field    Field
	arr      arrow.Array
	leafType parquet.Type
	defLevel int
	value    func(row int) parquet.Value
	lower    parquet.Value
	upper    parquet.Value
	seen     bool
}

// WriteDataFile writes b as a Parquet file. A batch without rows produces no
// file and an empty result.
func (w *ParquetWriter) WriteDataFile(ctx context.Context, b *batch.Batch, schema *Schema, location string) ([]DataFile, error) {
	if b.NumRows() == 0 {
		return nil, nil
	}
	if len(schema.Fields) != b.NumCols() {
		return nil, fmt.Errorf("schema has %d fields, batch has %d columns", len(schema.Fields), b.NumCols())
	}

	group := parquet.Group{}
	byName := make(map[string]*column, len(schema.Fields))
	for i, f := range schema.Fields {
		arr := b.Column(i)
		if got := MapType(arr.DataType()); got != f.Type {
			return nil, fmt.Errorf("column %q: batch type %s does not match field type %s", f.Name, got, f.Type)
		}
		if _, dup := group[f.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", f.Name)
		}
		leaf := leafNode(f.Type)
		col := &column{field: f, arr: arr, leafType: leaf.Type(), value: valueFunc(arr)}
		node := parquet.Required(leaf)
		if !f.Required {
			node = parquet.Optional(leaf)
			col.defLevel = 1
		}
		group[f.Name] = parquet.FieldID(node, f.ID)
		byName[f.Name] = col
	}

	// Group children are laid out in name order; column indexes follow.
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	cols := make([]*column, len(names))
	for i, name := range names {
		cols[i] = byName[name]
	}

	var buf bytes.Buffer
	pw := parquet.NewWriter(&buf, parquet.NewSchema("table", group), parquet.Compression(&parquet.Snappy))

	n := int(b.NumRows())
	rows := make([]parquet.Row, 0, min(n, rowChunk))
	for r := 0; r < n; r++ {
		row := make(parquet.Row, len(cols))
		for j, c := range cols {
			if c.arr.IsNull(r) {
				row[j] = parquet.NullValue().Level(0, 0, j)
				continue
			}
			v := c.value(r)
			c.observe(v)
			row[j] = v.Level(0, c.defLevel, j)
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if _, err := pw.WriteRows(rows); err != nil {
				return nil, fmt.Errorf("write parquet rows: %w", err)
			}
			rows = rows[:0]
		}
	}
	if len(rows) > 0 {
		if _, err := pw.WriteRows(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	data := buf.Bytes()
	path := joinPath(location, "data", uuid.New().String()+".parquet")
	if err := w.storage.Write(ctx, path, data); err != nil {
		return nil, fmt.Errorf("store data file: %w", err)
	}
	metrics.DataFilesWritten.Inc()
	metrics.BytesWritten.Add(float64(len(data)))
	w.logger.Debug("data file written", "path", path, "rows", n, "bytes", len(data))

	df := DataFile{
		ContentType:     0,
		FilePath:        path,
		FileFormat:      "PARQUET",
		RecordCount:     int64(n),
		FileSizeBytes:   int64(len(data)),
		ColumnSizes:     make(map[int]int64, len(cols)),
		ValueCounts:     make(map[int]int64, len(cols)),
		NullValueCounts: make(map[int]int64, len(cols)),
		LowerBounds:     make(map[int][]byte),
		UpperBounds:     make(map[int][]byte),
	}
	for _, c := range cols {
		id := c.field.ID
		df.ColumnSizes[id] = bufferBytes(c.arr)
		df.ValueCounts[id] = int64(n)
		df.NullValueCounts[id] = int64(c.arr.NullN())
		if !c.seen {
			continue
		}
		if lo, ok := encodeBound(c.field.Type, c.lower, false); ok {
			df.LowerBounds[id] = lo
		}
		if hi, ok := encodeBound(c.field.Type, c.upper, true); ok {
			df.UpperBounds[id] = hi
		}
	}
	return []DataFile{df}, nil
}

// observe folds a non-null value into the column bounds. NaN is skipped.
func (c *column) observe(v parquet.Value) {
	switch c.field.Type {
	case TypeFloat:
		if math.IsNaN(float64(v.Float())) {
			return
		}
	case TypeDouble:
		if math.IsNaN(v.Double()) {
			return
		}
	}
	if !c.seen {
		c.lower, c.upper, c.seen = v.Clone(), v.Clone(), true
		return
	}
	if c.leafType.Compare(v, c.lower) < 0 {
		c.lower = v.Clone()
	}
	if c.leafType.Compare(v, c.upper) > 0 {
		c.upper = v.Clone()
	}
}

func leafNode(typ string) parquet.Node {
	switch typ {
	case TypeInt:
		return parquet.Leaf(parquet.Int32Type)
	case TypeLong:
		return parquet.Leaf(parquet.Int64Type)
	case TypeFloat:
		return parquet.Leaf(parquet.FloatType)
	case TypeDouble:
		return parquet.Leaf(parquet.DoubleType)
	case TypeBinary:
		return parquet.Leaf(parquet.ByteArrayType)
	case TypeBoolean:
		return parquet.Leaf(parquet.BooleanType)
	case TypeDate:
		return parquet.Date()
	case TypeTimestamp:
		return parquet.Timestamp(parquet.Microsecond)
	default:
		return parquet.String()
	}
}

// valueFunc returns a converter from Arrow values to Parquet values. Narrow
// ints widen, unsigned ints wrap into the signed type of the same width
// (uint32 above MaxInt32 and uint64 above MaxInt64 come out negative),
// dates become days and timestamps become microseconds. Types without a
// direct mapping are stored as their text form.
func valueFunc(arr arrow.Array) func(int) parquet.Value {
	switch a := arr.(type) {
	case *array.Int8:
		return func(i int) parquet.Value { return parquet.Int32Value(int32(a.Value(i))) }
	case *array.Int16:
		return func(i int) parquet.Value { return parquet.Int32Value(int32(a.Value(i))) }
	case *array.Int32:
		return func(i int) parquet.Value { return parquet.Int32Value(a.Value(i)) }
	case *array.Int64:
		return func(i int) parquet.Value { return parquet.Int64Value(a.Value(i)) }
	case *array.Uint8:
		return func(i int) parquet.Value { return parquet.Int32Value(int32(a.Value(i))) }
	case *array.Uint16:
		return func(i int) parquet.Value { return parquet.Int32Value(int32(a.Value(i))) }
	case *array.Uint32:
		return func(i int) parquet.Value { return parquet.Int32Value(int32(a.Value(i))) }
	case *array.Uint64:
		return func(i int) parquet.Value { return parquet.Int64Value(int64(a.Value(i))) }
	case *array.Float32:
		return func(i int) parquet.Value { return parquet.FloatValue(a.Value(i)) }
	case *array.Float64:
		return func(i int) parquet.Value { return parquet.DoubleValue(a.Value(i)) }
	case *array.String:
		return func(i int) parquet.Value { return parquet.ByteArrayValue([]byte(a.Value(i))) }
	case *array.LargeString:
		return func(i int) parquet.Value { return parquet.ByteArrayValue([]byte(a.Value(i))) }
	case *array.Binary:
		return func(i int) parquet.Value { return parquet.ByteArrayValue(a.Value(i)) }
	case *array.LargeBinary:
		return func(i int) parquet.Value { return parquet.ByteArrayValue(a.Value(i)) }
	case *array.Boolean:
		return func(i int) parquet.Value { return parquet.BooleanValue(a.Value(i)) }
	case *array.Date32:
		return func(i int) parquet.Value { return parquet.Int32Value(int32(a.Value(i))) }
	case *array.Date64:
		return func(i int) parquet.Value {
			return parquet.Int32Value(int32(floorDiv(int64(a.Value(i)), 86_400_000)))
		}
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return func(i int) parquet.Value { return parquet.Int64Value(toMicros(int64(a.Value(i)), unit)) }
	default:
		return func(i int) parquet.Value { return parquet.ByteArrayValue([]byte(arr.ValueStr(i))) }
	}
}

func toMicros(v int64, unit arrow.TimeUnit) int64 {
	switch unit {
	case arrow.Second:
		return v * 1_000_000
	case arrow.Millisecond:
		return v * 1_000
	case arrow.Nanosecond:
		return floorDiv(v, 1_000)
	default:
		return v
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// encodeBound serializes a bound with Iceberg's single-value encoding.
// Strings and binaries are truncated to boundLength; a truncated upper
// bound would no longer be an upper bound, so it is omitted.
func encodeBound(typ string, v parquet.Value, upper bool) ([]byte, bool) {
	switch typ {
	case TypeInt, TypeDate:
		return binary.LittleEndian.AppendUint32(nil, uint32(v.Int32())), true
	case TypeLong, TypeTimestamp:
		return binary.LittleEndian.AppendUint64(nil, uint64(v.Int64())), true
	case TypeFloat:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v.Float())), true
	case TypeDouble:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v.Double())), true
	case TypeBoolean:
		if v.Boolean() {
			return []byte{1}, true
		}
		return []byte{0}, true
	case TypeBinary:
		b := v.ByteArray()
		if len(b) <= boundLength {
			return bytes.Clone(b), true
		}
		if upper {
			return nil, false
		}
		return bytes.Clone(b[:boundLength]), true
	default:
		s := v.ByteArray()
		if utf8.RuneCount(s) <= boundLength {
			return bytes.Clone(s), true
		}
		if upper {
			return nil, false
		}
		return truncateRunes(s, boundLength), true
	}
}

func truncateRunes(s []byte, n int) []byte {
	end := 0
	for i := 0; i < n && end < len(s); i++ {
		_, size := utf8.DecodeRune(s[end:])
		end += size
	}
	return bytes.Clone(s[:end])
}

// bufferBytes approximates a column's in-memory size from its buffers.
func bufferBytes(arr arrow.Array) int64 {
	var total int64
	for _, buf := range arr.Data().Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	return total
}
