package batch

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Encode writes recs as a single Arrow IPC stream: the schema of the first
// record followed by one block per record and the end-of-stream marker.
func Encode(recs ...arrow.Record) ([]byte, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("encode: no records")
	}
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("encode record batch: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close ipc writer: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeSchemaOnly writes a stream that carries a schema and no blocks.
func EncodeSchemaOnly(sc *arrow.Schema) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(sc))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close ipc writer: %w", err)
	}
	return buf.Bytes(), nil
}
