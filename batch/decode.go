package batch

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/florinutz/iceingest/ingesterr"
)

// minAllocBudget is the allocation budget granted to tiny inputs.
const minAllocBudget = 1 << 20

// errBudgetExceeded is raised (as a panic) by the limited allocator when a
// length field in the stream asks for more memory than the input justifies.
var errBudgetExceeded = errors.New("declared buffer sizes exceed input size")

// Options tunes Decode.
type Options struct {
	// Allocator backs decoded buffers. Defaults to memory.DefaultAllocator.
	Allocator memory.Allocator
	// AllocFactor bounds total allocations to AllocFactor*len(input) bytes
	// (plus a small fixed budget) so forged length fields fail instead of
	// allocating. Defaults to 64 which leaves room for compressed bodies.
	AllocFactor int
}

// Decode parses one Arrow IPC stream and returns its first record batch.
//
// Malformed framing, truncation and schema/data disagreements yield a
// *ingesterr.DecodeError of kind DecodeMalformed. A valid stream that only
// carries a schema yields DecodeEmpty. Blocks after the first are not read.
func Decode(data []byte) (*Batch, error) {
	return DecodeWithOptions(data, Options{})
}

// DecodeWithOptions is Decode with explicit allocator settings.
func DecodeWithOptions(data []byte, opts Options) (*Batch, error) {
	if len(data) == 0 {
		return nil, malformed(errors.New("empty body"))
	}
	mem := opts.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	factor := opts.AllocFactor
	if factor <= 0 {
		factor = 64
	}
	limited := NewLimitedAllocator(mem, int64(len(data))*int64(factor)+minAllocBudget)

	return Guard(func() (*Batch, error) {
		return decodeFirst(data, limited)
	})
}

func decodeFirst(data []byte, mem memory.Allocator) (*Batch, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, malformed(fmt.Errorf("read schema: %w", err))
	}
	defer rdr.Release()

	if !rdr.Next() {
		if rerr := rdr.Err(); rerr != nil {
			return nil, malformed(fmt.Errorf("read record batch: %w", rerr))
		}
		return nil, &ingesterr.DecodeError{Kind: ingesterr.DecodeEmpty}
	}

	rec := rdr.Record()
	if err := validate(rdr.Schema(), rec); err != nil {
		return nil, malformed(err)
	}
	return New(rec), nil
}

// Guard runs read, which drives an Arrow IPC reader, and reports a panic
// raised inside arrow as a malformed DecodeError. The IPC reader slices
// buffers straight from length fields, so a forged field surfaces as a panic
// rather than an error.
func Guard(read func() (*Batch, error)) (b *Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			if b != nil {
				b.Release()
			}
			b = nil
			if e, ok := r.(error); ok {
				err = malformed(e)
				return
			}
			err = malformed(fmt.Errorf("%v", r))
		}
	}()
	return read()
}

// FromRecord validates a record received by other means than an IPC byte
// stream, such as an Arrow Flight DoPut, and wraps it like Decode would.
func FromRecord(sc *arrow.Schema, rec arrow.Record) (*Batch, error) {
	if err := validate(sc, rec); err != nil {
		return nil, malformed(err)
	}
	return New(rec), nil
}

// DecodeBase64 decodes a base64 (standard alphabet) Arrow IPC stream, the
// encoding used by JSON ingest requests.
func DecodeBase64(s string) (*Batch, error) {
	data, err := FromBase64(s)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// FromBase64 returns the stream bytes carried in s. A bad encoding is a
// malformed DecodeError.
func FromBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, malformed(fmt.Errorf("base64: %w", err))
	}
	return data, nil
}

func malformed(err error) error {
	return &ingesterr.DecodeError{Kind: ingesterr.DecodeMalformed, Err: err}
}

// validate checks that the record agrees with the stream schema, that column
// names are unique and that every buffer is large enough for the lengths it
// claims.
func validate(sc *arrow.Schema, rec arrow.Record) error {
	if !sc.Equal(rec.Schema()) {
		return errors.New("record schema differs from stream schema")
	}
	if int(rec.NumCols()) != sc.NumFields() {
		return fmt.Errorf("record has %d columns, schema has %d fields", rec.NumCols(), sc.NumFields())
	}
	rows := rec.NumRows()
	seen := make(map[string]struct{}, sc.NumFields())
	for i := 0; i < sc.NumFields(); i++ {
		f := sc.Field(i)
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate column name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		col := rec.Column(i)
		if int64(col.Len()) != rows {
			return fmt.Errorf("column %q has %d values, batch has %d rows", f.Name, col.Len(), rows)
		}
		if !f.Nullable && col.NullN() > 0 {
			return fmt.Errorf("non-nullable column %q contains %d nulls", f.Name, col.NullN())
		}
		if err := validateBuffers(col); err != nil {
			return fmt.Errorf("column %q: %w", f.Name, err)
		}
	}
	return nil
}

func validateBuffers(col arrow.Array) error {
	if col.NullN() > 0 {
		need := (col.Data().Offset() + col.Len() + 7) / 8
		if len(col.NullBitmapBytes()) < need {
			return fmt.Errorf("validity bitmap has %d bytes, need %d", len(col.NullBitmapBytes()), need)
		}
	}
	switch a := col.(type) {
	case *array.String:
		return checkOffsets(a.ValueOffsets(), len(a.ValueBytes()))
	case *array.Binary:
		return checkOffsets(a.ValueOffsets(), len(a.ValueBytes()))
	case *array.LargeString:
		return checkOffsets(a.ValueOffsets(), len(a.ValueBytes()))
	case *array.LargeBinary:
		return checkOffsets(a.ValueOffsets(), len(a.ValueBytes()))
	}
	return nil
}

func checkOffsets[T int32 | int64](offsets []T, dataLen int) error {
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return fmt.Errorf("offsets decrease at %d", i)
		}
	}
	if n := len(offsets); n > 0 && (offsets[0] < 0 || int64(offsets[n-1]-offsets[0]) > int64(dataLen)) {
		return fmt.Errorf("offsets span %d bytes, data buffer has %d", offsets[n-1]-offsets[0], dataLen)
	}
	return nil
}
